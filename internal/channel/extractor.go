package channel

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"threadsage/internal/domain"
)

// DefaultPrompt replaces a message that was nothing but a mention.
const DefaultPrompt = "How can I help you?"

// maxThreadContext bounds how many earlier thread messages are folded into a query.
const maxThreadContext = 10

var (
	userMentionPattern = regexp.MustCompile(`<@[UW][A-Z0-9]+(?:\|[^>]*)?>`)
	channelRefPattern  = regexp.MustCompile(`<#(C[A-Z0-9]+)(?:\|([^>]*))?>`)
)

// ExtractorConfig configures an Extractor.
type ExtractorConfig struct {
	Workspace domain.Workspace
	Threading bool
	Logger    *slog.Logger
}

// Extractor turns an eligible event into a QueryContext.
type Extractor struct {
	workspace domain.Workspace
	threading bool
	logger    *slog.Logger
}

func NewExtractor(cfg ExtractorConfig) *Extractor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Extractor{
		workspace: cfg.Workspace,
		threading: cfg.Threading,
		logger:    cfg.Logger,
	}
}

// Extract resolves the originating channel, cleans the text, collects any
// referenced channels and, for thread replies, the preceding thread messages.
// Only a failure to resolve the originating channel is fatal.
func (x *Extractor) Extract(ctx context.Context, ev Event) (*domain.QueryContext, error) {
	origin, err := x.workspace.ResolveChannel(ctx, ev.Channel)
	if err != nil {
		return nil, fmt.Errorf("%w: channel %s: %w", domain.ErrContextExtractionFailed, ev.Channel, err)
	}

	qc := &domain.QueryContext{
		TargetChannelIDs: []string{origin.ID},
		Channels:         []domain.ChannelInfo{*origin},
		UserID:           ev.User,
		ChannelID:        ev.Channel,
		ThreadTS:         ev.ThreadTS,
	}
	if qc.ThreadTS == "" {
		qc.ThreadTS = ev.TS
	}

	text, refs := ParseChannelRefs(StripMentions(ev.Text))
	for _, id := range refs {
		if slices.Contains(qc.TargetChannelIDs, id) {
			continue
		}
		info, err := x.workspace.ResolveChannel(ctx, id)
		if err != nil {
			x.logger.Warn("skipping unresolvable channel reference", "channel", id, "err", err)
			continue
		}
		qc.TargetChannelIDs = append(qc.TargetChannelIDs, info.ID)
		qc.Channels = append(qc.Channels, *info)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		text = DefaultPrompt
	}
	qc.Query = text

	if x.threading && ev.IsThreadReply() {
		prior, err := x.threadContext(ctx, ev)
		if err != nil {
			x.logger.Warn("thread context unavailable", "channel", ev.Channel, "thread_ts", ev.ThreadTS, "err", err)
		} else if len(prior) > 0 {
			qc.PriorTurns = prior
			qc.Query = text + "\n\n" + formatThreadBlock(prior)
		}
	}

	return qc, nil
}

// threadContext returns up to maxThreadContext messages that precede ev in its thread.
func (x *Extractor) threadContext(ctx context.Context, ev Event) ([]domain.Turn, error) {
	msgs, err := x.workspace.FetchThread(ctx, ev.Channel, ev.ThreadTS)
	if err != nil {
		return nil, err
	}

	var turns []domain.Turn
	for _, m := range msgs {
		if m.TS == ev.TS {
			break
		}
		text := strings.TrimSpace(StripMentions(m.Text))
		if text == "" {
			continue
		}
		role := domain.RoleUser
		if m.BotID != "" {
			role = domain.RoleAssistant
		}
		turns = append(turns, domain.Turn{Role: role, Text: text})
	}
	if len(turns) > maxThreadContext {
		turns = turns[len(turns)-maxThreadContext:]
	}
	return turns, nil
}

func formatThreadBlock(turns []domain.Turn) string {
	var sb strings.Builder
	sb.WriteString("Previous messages in this thread:")
	for _, t := range turns {
		sb.WriteString("\n- ")
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Text)
	}
	return sb.String()
}

// StripMentions removes user mention markup such as <@U123> and <@U123|name>.
func StripMentions(text string) string {
	return strings.TrimSpace(userMentionPattern.ReplaceAllString(text, ""))
}

// ParseChannelRefs replaces <#C123|name> markup with #name and returns the
// referenced channel ids in order of appearance.
func ParseChannelRefs(text string) (string, []string) {
	var ids []string
	out := channelRefPattern.ReplaceAllStringFunc(text, func(m string) string {
		groups := channelRefPattern.FindStringSubmatch(m)
		ids = append(ids, groups[1])
		if groups[2] != "" {
			return "#" + groups[2]
		}
		return "#" + groups[1]
	})
	return out, ids
}
