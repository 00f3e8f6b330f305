package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/slack-go/slack"

	"threadsage/internal/domain"
)

const (
	slackMaxMsgLen     = 4000
	defaultHistorySize = 100
	maxReplyPages      = 5
	maxListPages       = 10
)

var channelIDPattern = regexp.MustCompile(`^[CGD][A-Z0-9]{2,}$`)

// SlackConfig configures the Slack workspace adapter.
type SlackConfig struct {
	BotToken string
	// APIURL overrides the Web API base URL (must end with '/').
	APIURL string
	Logger *slog.Logger
}

// SlackWorkspace implements domain.Workspace on top of the Slack Web API.
type SlackWorkspace struct {
	client *slack.Client
	logger *slog.Logger

	mu     sync.RWMutex
	byName map[string]string // channel name -> id
}

var _ domain.Workspace = (*SlackWorkspace)(nil)

// NewSlack creates the Slack workspace adapter.
func NewSlack(cfg SlackConfig) *SlackWorkspace {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackWorkspace{
		client: slack.New(cfg.BotToken, opts...),
		logger: cfg.Logger,
		byName: make(map[string]string),
	}
}

// AuthTest returns the bot's user and team names.
func (s *SlackWorkspace) AuthTest(ctx context.Context) (user, team string, err error) {
	var resp *slack.AuthTestResponse
	err = withRetry(ctx, s.logger, "auth.test", func() error {
		var err error
		resp, err = s.client.AuthTestContext(ctx)
		return err
	})
	if err != nil {
		return "", "", s.wrap("auth.test", "", err)
	}
	return resp.User, resp.Team, nil
}

func (s *SlackWorkspace) ResolveChannel(ctx context.Context, idOrName string) (*domain.ChannelInfo, error) {
	ref := strings.TrimPrefix(strings.TrimSpace(idOrName), "#")
	if ref == "" {
		return nil, &domain.WorkspaceError{Op: "conversations.info", Code: domain.CodeChannelNotFound, Err: errors.New("empty channel reference")}
	}

	id := ref
	if !channelIDPattern.MatchString(ref) {
		var err error
		if id, err = s.lookupName(ctx, ref); err != nil {
			return nil, err
		}
	}

	var ch *slack.Channel
	err := withRetry(ctx, s.logger, "conversations.info", func() error {
		var err error
		ch, err = s.client.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: id})
		return err
	})
	if err != nil {
		return nil, s.wrap("conversations.info", id, err)
	}
	return toChannelInfo(ch), nil
}

func (s *SlackWorkspace) lookupName(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	id, ok := s.byName[name]
	s.mu.RUnlock()
	if ok {
		return id, nil
	}

	params := &slack.GetConversationsParameters{
		Types:           []string{"public_channel", "private_channel"},
		ExcludeArchived: true,
		Limit:           200,
	}
	for page := 0; page < maxListPages; page++ {
		var (
			channels []slack.Channel
			cursor   string
		)
		err := withRetry(ctx, s.logger, "conversations.list", func() error {
			var err error
			channels, cursor, err = s.client.GetConversationsContext(ctx, params)
			return err
		})
		if err != nil {
			return "", s.wrap("conversations.list", "", err)
		}

		s.mu.Lock()
		for _, ch := range channels {
			s.byName[ch.Name] = ch.ID
		}
		id, ok = s.byName[name]
		s.mu.Unlock()
		if ok {
			return id, nil
		}
		if cursor == "" {
			break
		}
		params.Cursor = cursor
	}
	return "", &domain.WorkspaceError{
		Op:   "conversations.list",
		Code: domain.CodeChannelNotFound,
		Err:  fmt.Errorf("no channel named %q", name),
	}
}

// EnsureAccess joins each channel the bot is not yet a member of. Direct
// message conversations cannot be joined and are treated as accessible.
func (s *SlackWorkspace) EnsureAccess(ctx context.Context, channelIDs []string) domain.AccessResult {
	res := domain.AccessResult{Failed: make(map[string]domain.WorkspaceErrorCode)}
	for _, id := range channelIDs {
		if strings.HasPrefix(id, "D") {
			res.Joined = append(res.Joined, id)
			continue
		}
		err := withRetry(ctx, s.logger, "conversations.join", func() error {
			_, _, _, err := s.client.JoinConversationContext(ctx, id)
			return err
		})
		if err != nil {
			code := classify(err)
			s.logger.Warn("cannot join channel", "channel", id, "code", code, "err", err)
			res.Failed[id] = code
			continue
		}
		res.Joined = append(res.Joined, id)
	}
	return res
}

// FetchHistory returns recent channel messages, newest first.
func (s *SlackWorkspace) FetchHistory(ctx context.Context, channelID string, opts domain.HistoryOptions) ([]domain.WorkspaceMessage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultHistorySize
	}
	params := &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Limit:     limit,
		Oldest:    opts.Oldest,
		Latest:    opts.Latest,
	}

	var resp *slack.GetConversationHistoryResponse
	err := withRetry(ctx, s.logger, "conversations.history", func() error {
		var err error
		resp, err = s.client.GetConversationHistoryContext(ctx, params)
		return err
	})
	if err != nil {
		return nil, s.wrap("conversations.history", channelID, err)
	}
	return toMessages(resp.Messages), nil
}

// FetchThread returns the thread's messages in chronological order, parent first.
func (s *SlackWorkspace) FetchThread(ctx context.Context, channelID, threadTS string) ([]domain.WorkspaceMessage, error) {
	params := &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     200,
	}

	var out []domain.WorkspaceMessage
	for page := 0; page < maxReplyPages; page++ {
		var (
			msgs    []slack.Message
			hasMore bool
			cursor  string
		)
		err := withRetry(ctx, s.logger, "conversations.replies", func() error {
			var err error
			msgs, hasMore, cursor, err = s.client.GetConversationRepliesContext(ctx, params)
			return err
		})
		if err != nil {
			return nil, s.wrap("conversations.replies", channelID, err)
		}
		out = append(out, toMessages(msgs)...)
		if !hasMore || cursor == "" {
			break
		}
		params.Cursor = cursor
	}
	return out, nil
}

// PostMessage posts text, split into platform-sized chunks, optionally in a thread.
func (s *SlackWorkspace) PostMessage(ctx context.Context, channelID, threadTS, text string) error {
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if threadTS != "" {
			opts = append(opts, slack.MsgOptionTS(threadTS))
		}
		err := withRetry(ctx, s.logger, "chat.postMessage", func() error {
			_, _, err := s.client.PostMessageContext(ctx, channelID, opts...)
			return err
		})
		if err != nil {
			return s.wrap("chat.postMessage", channelID, err)
		}
	}
	return nil
}

func (s *SlackWorkspace) wrap(op, channelID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &domain.WorkspaceError{Op: op, ChannelID: channelID, Code: classify(err), Err: err}
}

// classify maps a Slack API error onto a WorkspaceErrorCode.
func classify(err error) domain.WorkspaceErrorCode {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return domain.CodeRateLimited
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		switch se.Err {
		case "channel_not_found":
			return domain.CodeChannelNotFound
		case "not_in_channel":
			return domain.CodeNotInChannel
		case "is_archived":
			return domain.CodeIsArchived
		case "missing_scope":
			return domain.CodeMissingScope
		case "ratelimited", "rate_limited":
			return domain.CodeRateLimited
		}
	}
	return domain.CodeUnknown
}

func toChannelInfo(ch *slack.Channel) *domain.ChannelInfo {
	return &domain.ChannelInfo{
		ID:         ch.ID,
		Name:       ch.Name,
		Purpose:    ch.Purpose.Value,
		Topic:      ch.Topic.Value,
		IsPrivate:  ch.IsPrivate,
		IsIM:       ch.IsIM,
		IsArchived: ch.IsArchived,
		IsMember:   ch.IsMember,
	}
}

func toMessages(msgs []slack.Message) []domain.WorkspaceMessage {
	out := make([]domain.WorkspaceMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, domain.WorkspaceMessage{
			User:     m.User,
			BotID:    m.BotID,
			Text:     m.Text,
			TS:       m.Timestamp,
			ThreadTS: m.ThreadTimestamp,
		})
	}
	return out
}

// splitMessage splits msg into chunks of at most maxLen bytes, preferring
// newline boundaries in the second half of each chunk. Chunks never end
// inside a multibyte character.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		if cut == 0 {
			_, size := utf8.DecodeRuneInString(msg)
			cut = size
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
