package channel

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadsage/internal/domain"
)

func envelopeFor(inner string) Envelope {
	raw := `{"type":"event_callback","team_id":"T1","event_id":"Ev1","event":` + inner + `}`
	return Envelope{Type: TypeEventCallback, TeamID: "T1", EventID: "Ev1", Raw: []byte(raw)}
}

func newTestResponder(ws *fakeWorkspace, q *fakeQuerier) *Responder {
	cfg := testWebhookConfig()
	return NewResponder(ResponderConfig{
		Webhook:   cfg,
		Workspace: ws,
		Extractor: NewExtractor(ExtractorConfig{Workspace: ws, Threading: cfg.Threading, Logger: testLogger()}),
		Querier:   q,
		Logger:    testLogger(),
	})
}

func TestDecodeEvent_AppMention(t *testing.T) {
	ev, err := DecodeEvent(envelopeFor(`{"type":"app_mention","user":"U1","text":"<@UBOT> hi","ts":"2.0","thread_ts":"1.0","channel":"C1"}`))
	require.NoError(t, err)
	assert.Equal(t, Event{
		Type: "app_mention", User: "U1", Text: "<@UBOT> hi", TS: "2.0", ThreadTS: "1.0",
		Channel: "C1", TeamID: "T1", EventID: "Ev1",
	}, ev)
}

func TestDecodeEvent_DirectMessage(t *testing.T) {
	ev, err := DecodeEvent(envelopeFor(`{"type":"message","user":"U1","text":"hello","ts":"3.0","channel":"D1","channel_type":"im"}`))
	require.NoError(t, err)
	assert.Equal(t, "message", ev.Type)
	assert.Equal(t, "im", ev.ChannelType)
	assert.Equal(t, "D1", ev.Channel)
}

func TestDecodeEvent_EditedMention(t *testing.T) {
	ev, err := DecodeEvent(envelopeFor(`{"type":"app_mention","user":"U1","text":"hi","ts":"2.0","channel":"C1","edited":{"user":"U1","ts":"2.5"}}`))
	require.NoError(t, err)
	assert.True(t, ev.Edited)
}

func TestDecodeEvent_Unsupported(t *testing.T) {
	_, err := DecodeEvent(envelopeFor(`{"type":"reaction_added","user":"U1"}`))
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
}

func TestFormatResponse(t *testing.T) {
	assert.Equal(t, "short", FormatResponse("short", 100))
	assert.Equal(t, "anything", FormatResponse("anything", 0))

	long := strings.Repeat("a", 500)
	got := FormatResponse(long, 120)
	assert.LessOrEqual(t, len(got), 120)
	assert.True(t, strings.HasSuffix(got, truncationMarker))

	multi := strings.Repeat("é", 200)
	got = FormatResponse(multi, 151)
	assert.LessOrEqual(t, len(got), 151)
	assert.True(t, utf8.ValidString(got))
}

func TestResponder_MentionAnsweredInThread(t *testing.T) {
	ws := newFakeWorkspace()
	q := &fakeQuerier{response: "Here is the summary."}
	r := newTestResponder(ws, q)

	err := r.Handle(context.Background(), envelopeFor(`{"type":"app_mention","user":"U1","text":"<@UBOT> summarize <#C2|engineering>","ts":"5.0","channel":"C1"}`))
	require.NoError(t, err)

	queries := q.Queries()
	require.Len(t, queries, 1)
	assert.Equal(t, []string{"C1", "C2"}, queries[0].TargetChannelIDs)

	posted := ws.Posted()
	require.Len(t, posted, 1)
	assert.Equal(t, postedMessage{Channel: "C1", ThreadTS: "5.0", Text: "Here is the summary."}, posted[0])
}

func TestResponder_DirectMessageStaysTopLevel(t *testing.T) {
	ws := newFakeWorkspace()
	q := &fakeQuerier{response: "hi there"}
	r := newTestResponder(ws, q)

	err := r.Handle(context.Background(), envelopeFor(`{"type":"message","user":"U1","text":"hello","ts":"3.0","channel":"D1","channel_type":"im"}`))
	require.NoError(t, err)

	posted := ws.Posted()
	require.Len(t, posted, 1)
	assert.Equal(t, "D1", posted[0].Channel)
	assert.Empty(t, posted[0].ThreadTS)
}

func TestResponder_ThreadReplyStaysInThread(t *testing.T) {
	ws := newFakeWorkspace()
	q := &fakeQuerier{response: "ok"}
	r := newTestResponder(ws, q)

	err := r.Handle(context.Background(), envelopeFor(`{"type":"message","user":"U1","text":"follow up","ts":"4.0","thread_ts":"1.0","channel":"D1","channel_type":"im"}`))
	require.NoError(t, err)
	require.Len(t, ws.Posted(), 1)
	assert.Equal(t, "1.0", ws.Posted()[0].ThreadTS)
}

func TestResponder_IgnoresIneligible(t *testing.T) {
	ws := newFakeWorkspace()
	q := &fakeQuerier{response: "nope"}
	r := newTestResponder(ws, q)

	inputs := []string{
		`{"type":"app_mention","bot_id":"B1","text":"loop","ts":"1.0","channel":"C1"}`,
		`{"type":"message","user":"U1","text":"plain channel chatter","ts":"1.0","channel":"C1","channel_type":"channel"}`,
		`{"type":"reaction_added","user":"U1"}`,
	}
	for _, in := range inputs {
		require.NoError(t, r.Handle(context.Background(), envelopeFor(in)))
	}
	assert.Empty(t, q.Queries())
	assert.Empty(t, ws.Posted())
}

func TestResponder_QueryFailureIsReturned(t *testing.T) {
	ws := newFakeWorkspace()
	q := &fakeQuerier{err: domain.ErrQueryLimitExceeded}
	r := newTestResponder(ws, q)

	err := r.Handle(context.Background(), envelopeFor(`{"type":"app_mention","user":"U1","text":"hi","ts":"1.0","channel":"C1"}`))
	assert.ErrorIs(t, err, domain.ErrQueryLimitExceeded)
	assert.Empty(t, ws.Posted())
}

func TestResponder_PostFailure(t *testing.T) {
	ws := newFakeWorkspace()
	ws.postErr = &domain.WorkspaceError{Op: "chat.postMessage", ChannelID: "C1", Code: domain.CodeNotInChannel, Err: errors.New("not_in_channel")}
	q := &fakeQuerier{response: "answer"}
	r := newTestResponder(ws, q)

	err := r.Handle(context.Background(), envelopeFor(`{"type":"app_mention","user":"U1","text":"hi","ts":"1.0","channel":"C1"}`))
	assert.ErrorIs(t, err, domain.ErrResponsePostFailed)
	assert.Equal(t, domain.CodeNotInChannel, domain.WorkspaceErrorCodeOf(err))
}

func TestResponder_TruncatesLongAnswers(t *testing.T) {
	ws := newFakeWorkspace()
	q := &fakeQuerier{response: strings.Repeat("word ", 2000)}
	r := newTestResponder(ws, q)

	require.NoError(t, r.Handle(context.Background(), envelopeFor(`{"type":"app_mention","user":"U1","text":"hi","ts":"1.0","channel":"C1"}`)))
	posted := ws.Posted()
	require.Len(t, posted, 1)
	assert.LessOrEqual(t, len(posted[0].Text), testWebhookConfig().MaxResponseLength)
	assert.True(t, strings.HasSuffix(posted[0].Text, truncationMarker))
}
