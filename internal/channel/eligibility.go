package channel

// Event is the part of an inner platform event the pipeline inspects.
type Event struct {
	Type        string
	User        string
	BotID       string
	SubType     string
	Channel     string
	ChannelType string
	Text        string
	TS          string
	ThreadTS    string
	TeamID      string
	EventID     string
	Edited      bool
}

const (
	eventAppMention = "app_mention"
	eventMessage    = "message"
	channelTypeIM   = "im"
	subtypeBot      = "bot_message"
)

// IsThreadReply reports whether the event was posted inside an existing thread.
func (e Event) IsThreadReply() bool {
	return e.ThreadTS != "" && e.ThreadTS != e.TS
}

// ShouldRespond decides whether the bot answers ev. Bot-authored events and
// any message subtype (edits, deletes, joins) are ignored. Mentions always
// qualify. Direct messages qualify only when dmEnabled. Plain channel chatter
// never does.
func ShouldRespond(ev Event, dmEnabled bool) bool {
	if ev.BotID != "" || ev.SubType == subtypeBot {
		return false
	}
	if ev.SubType != "" || ev.Edited {
		return false
	}
	switch ev.Type {
	case eventAppMention:
		return true
	case eventMessage:
		return ev.ChannelType == channelTypeIM && dmEnabled
	default:
		return false
	}
}
