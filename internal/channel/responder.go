package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/slack-go/slack/slackevents"

	"threadsage/internal/config"
	"threadsage/internal/domain"
	"threadsage/internal/metrics"
)

const truncationMarker = "\n\n_(response truncated)_"

// ErrUnsupportedEvent is returned by DecodeEvent for inner events the bot does not handle.
var ErrUnsupportedEvent = errors.New("unsupported event")

// Querier answers a question built from an event.
type Querier interface {
	ProcessQuery(ctx context.Context, qc *domain.QueryContext, opts domain.QueryOptions) (*domain.QueryResult, error)
}

// ResponderConfig configures a Responder.
type ResponderConfig struct {
	Webhook   config.WebhookConfig
	Workspace domain.Workspace
	Extractor *Extractor
	Querier   Querier
	Logger    *slog.Logger
}

// Responder is the event pipeline: eligibility, extraction, query and post.
type Responder struct {
	cfg       config.WebhookConfig
	workspace domain.Workspace
	extractor *Extractor
	querier   Querier
	logger    *slog.Logger
}

func NewResponder(cfg ResponderConfig) *Responder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Responder{
		cfg:       cfg.Webhook,
		workspace: cfg.Workspace,
		extractor: cfg.Extractor,
		querier:   cfg.Querier,
		logger:    cfg.Logger,
	}
}

// Handle implements EventHandler.
func (r *Responder) Handle(ctx context.Context, env Envelope) error {
	ev, err := DecodeEvent(env)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEvent) {
			r.logger.Debug("ignoring event", "event_id", env.EventID, "err", err)
			return nil
		}
		return err
	}

	if !ShouldRespond(ev, r.cfg.DMEnabled) {
		r.logger.Debug("event not eligible", "event_id", ev.EventID, "type", ev.Type, "subtype", ev.SubType)
		return nil
	}

	qc, err := r.extractor.Extract(ctx, ev)
	if err != nil {
		return err
	}

	r.logger.Info("answering",
		"event_id", ev.EventID,
		"channel", ev.Channel,
		"user", ev.User,
		"targets", len(qc.TargetChannelIDs),
		"query_len", len(qc.Query),
	)

	res, err := r.querier.ProcessQuery(ctx, qc, domain.QueryOptions{})
	if err != nil {
		return fmt.Errorf("query for event %s: %w", ev.EventID, err)
	}

	text := FormatResponse(res.Response, r.cfg.MaxResponseLength)
	threadTS := r.replyThread(ev)
	if err := r.workspace.PostMessage(ctx, ev.Channel, threadTS, text); err != nil {
		metrics.PostFailures.Inc()
		r.logger.Error("cannot post response",
			"event_id", ev.EventID,
			"query_id", res.QueryID,
			"channel", ev.Channel,
			"thread_ts", threadTS,
			"code", domain.WorkspaceErrorCodeOf(err),
			"err", err,
		)
		return fmt.Errorf("%w: %w", domain.ErrResponsePostFailed, err)
	}

	r.logger.Info("response posted",
		"event_id", ev.EventID,
		"query_id", res.QueryID,
		"provider", res.Provider,
		"model", res.Model,
		"tokens", res.Usage.TotalTokens,
		"duration", res.Duration,
	)
	return nil
}

// replyThread picks the thread to answer in. Channel mentions are answered
// in a thread when threading is on; direct messages stay top level unless
// they already belong to a thread.
func (r *Responder) replyThread(ev Event) string {
	if ev.ThreadTS != "" {
		return ev.ThreadTS
	}
	if r.cfg.Threading && ev.ChannelType != channelTypeIM {
		return ev.TS
	}
	return ""
}

// DecodeEvent decodes the inner event of a callback envelope.
func DecodeEvent(env Envelope) (Event, error) {
	parsed, err := slackevents.ParseEvent(json.RawMessage(env.Raw), slackevents.OptionNoVerifyToken())
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrUnsupportedEvent, err)
	}

	ev := Event{TeamID: env.TeamID, EventID: env.EventID}
	switch inner := parsed.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		ev.Type = eventAppMention
		ev.User = inner.User
		ev.BotID = inner.BotID
		ev.Channel = inner.Channel
		ev.Text = inner.Text
		ev.TS = inner.TimeStamp
		ev.ThreadTS = inner.ThreadTimeStamp
		ev.Edited = inner.Edited != nil
	case *slackevents.MessageEvent:
		ev.Type = eventMessage
		ev.User = inner.User
		ev.BotID = inner.BotID
		ev.SubType = inner.SubType
		ev.Channel = inner.Channel
		ev.ChannelType = inner.ChannelType
		ev.Text = inner.Text
		ev.TS = inner.TimeStamp
		ev.ThreadTS = inner.ThreadTimeStamp
	default:
		return Event{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, parsed.InnerEvent.Type)
	}
	return ev, nil
}

// FormatResponse bounds text to maxLen bytes, appending a marker when cut.
func FormatResponse(text string, maxLen int) string {
	if maxLen <= 0 || len(text) <= maxLen {
		return text
	}
	cut := maxLen - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + truncationMarker
}
