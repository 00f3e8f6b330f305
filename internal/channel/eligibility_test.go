package channel

import "testing"

func TestShouldRespond(t *testing.T) {
	tests := []struct {
		name      string
		ev        Event
		dmEnabled bool
		want      bool
	}{
		{"mention", Event{Type: "app_mention", User: "U1"}, true, true},
		{"mention with dms disabled", Event{Type: "app_mention", User: "U1"}, false, true},
		{"bot mention", Event{Type: "app_mention", BotID: "B1"}, true, false},
		{"bot message subtype", Event{Type: "message", ChannelType: "im", SubType: "bot_message"}, true, false},
		{"edited mention", Event{Type: "app_mention", User: "U1", Edited: true}, true, false},
		{"direct message", Event{Type: "message", ChannelType: "im", User: "U1"}, true, true},
		{"direct message disabled", Event{Type: "message", ChannelType: "im", User: "U1"}, false, false},
		{"message changed", Event{Type: "message", ChannelType: "im", SubType: "message_changed"}, true, false},
		{"message deleted", Event{Type: "message", ChannelType: "im", SubType: "message_deleted"}, true, false},
		{"channel join", Event{Type: "message", ChannelType: "channel", SubType: "channel_join"}, true, false},
		{"plain channel message", Event{Type: "message", ChannelType: "channel", User: "U1"}, true, false},
		{"unknown type", Event{Type: "reaction_added", User: "U1"}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRespond(tt.ev, tt.dmEnabled); got != tt.want {
				t.Fatalf("ShouldRespond(%+v, %v) = %v, want %v", tt.ev, tt.dmEnabled, got, tt.want)
			}
		})
	}
}

func TestEvent_IsThreadReply(t *testing.T) {
	if (Event{TS: "1.0"}).IsThreadReply() {
		t.Error("top-level message is not a thread reply")
	}
	if (Event{TS: "1.0", ThreadTS: "1.0"}).IsThreadReply() {
		t.Error("thread parent is not a reply")
	}
	if !(Event{TS: "2.0", ThreadTS: "1.0"}).IsThreadReply() {
		t.Error("expected thread reply")
	}
}
