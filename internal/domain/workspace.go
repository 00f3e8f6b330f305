package domain

import (
	"context"
	"errors"
	"fmt"
)

// Workspace is the messaging-platform surface the bot reads from and posts to.
type Workspace interface {
	// ResolveChannel accepts a channel id or a name (with or without '#').
	ResolveChannel(ctx context.Context, idOrName string) (*ChannelInfo, error)
	// EnsureAccess joins the given channels where possible. Failures are
	// reported per channel and never abort the batch.
	EnsureAccess(ctx context.Context, channelIDs []string) AccessResult
	FetchHistory(ctx context.Context, channelID string, opts HistoryOptions) ([]WorkspaceMessage, error)
	FetchThread(ctx context.Context, channelID, threadTS string) ([]WorkspaceMessage, error)
	PostMessage(ctx context.Context, channelID, threadTS, text string) error
}

type ChannelInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Purpose    string `json:"purpose,omitempty"`
	Topic      string `json:"topic,omitempty"`
	IsPrivate  bool   `json:"is_private,omitempty"`
	IsIM       bool   `json:"is_im,omitempty"`
	IsArchived bool   `json:"is_archived,omitempty"`
	IsMember   bool   `json:"is_member,omitempty"`
}

type HistoryOptions struct {
	Limit  int
	Oldest string
	Latest string
}

type WorkspaceMessage struct {
	User     string `json:"user,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

type AccessResult struct {
	Joined []string
	Failed map[string]WorkspaceErrorCode
}

// WorkspaceErrorCode classifies platform failures so callers never match on strings.
type WorkspaceErrorCode string

const (
	CodeChannelNotFound WorkspaceErrorCode = "channel_not_found"
	CodeNotInChannel    WorkspaceErrorCode = "not_in_channel"
	CodeIsArchived      WorkspaceErrorCode = "is_archived"
	CodeMissingScope    WorkspaceErrorCode = "missing_scope"
	CodeRateLimited     WorkspaceErrorCode = "rate_limited"
	CodeUnknown         WorkspaceErrorCode = "unknown"
)

type WorkspaceError struct {
	Op        string
	ChannelID string
	Code      WorkspaceErrorCode
	Err       error
}

func (e *WorkspaceError) Error() string {
	if e.ChannelID != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.ChannelID, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *WorkspaceError) Unwrap() error { return e.Err }

// WorkspaceErrorCodeOf extracts the code from err, or CodeUnknown.
func WorkspaceErrorCodeOf(err error) WorkspaceErrorCode {
	var we *WorkspaceError
	if errors.As(err, &we) {
		return we.Code
	}
	return CodeUnknown
}
