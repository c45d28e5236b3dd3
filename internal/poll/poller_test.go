package poll_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/email-approver/internal/approval"
	"github.com/nhle/email-approver/internal/mailbox"
	"github.com/nhle/email-approver/internal/model"
	"github.com/nhle/email-approver/internal/poll"
	"github.com/nhle/email-approver/internal/store"
	"github.com/nhle/email-approver/tests/testutil"
)

const approver = "cfo@example.com"

// fakeFetcher serves a scripted batch of replies above the cursor.
type fakeFetcher struct {
	replies []mailbox.Reply
	valid   uint32
	err     error
	calls   int
}

func (f *fakeFetcher) FetchSince(_ context.Context, cur mailbox.Cursor) ([]mailbox.Reply, mailbox.Cursor, error) {
	f.calls++
	if f.err != nil {
		return nil, cur, f.err
	}
	next := mailbox.Cursor{UIDValidity: f.valid, LastUID: cur.LastUID}
	if cur.UIDValidity != f.valid {
		next.LastUID = 0
	}
	var out []mailbox.Reply
	for _, r := range f.replies {
		if r.UID > next.LastUID {
			out = append(out, r)
			next.LastUID = r.UID
		}
	}
	return out, next, nil
}

// fakeDecider records decision events and optionally fails.
type fakeDecider struct {
	mu     sync.Mutex
	events []model.DecisionEvent
	err    error
}

func (f *fakeDecider) Decide(_ context.Context, event model.DecisionEvent) (approval.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return approval.Decision{}, f.err
	}
	f.events = append(f.events, event)
	return approval.Decision{Outcome: approval.OutcomeApplied}, nil
}

func (f *fakeDecider) recorded() []model.DecisionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DecisionEvent(nil), f.events...)
}

func reply(uid uint32, from, subject, text string) mailbox.Reply {
	return mailbox.Reply{
		UID:        uid,
		MessageID:  "<msg@example.com>",
		Subject:    subject,
		From:       from,
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCycleAdvancesWatermark(t *testing.T) {
	st := testutil.NewTestStore(t)
	fetcher := &fakeFetcher{
		valid: 7,
		replies: []mailbox.Reply{
			reply(3, approver, "Re: [TKN-AAA] invoice", "APPROVED"),
			reply(4, approver, "Re: [TKN-BBB] contract", "rejected, redo the terms"),
		},
	}
	decider := &fakeDecider{}
	p := poll.New(st, fetcher, decider, approver, "INBOX", time.Minute, testLogger())

	p.RunOnce()

	events := decider.recorded()
	require.Len(t, events, 2)
	assert.Equal(t, "TKN-AAA", events[0].Token)
	assert.Equal(t, model.VerdictApprove, events[0].Verdict)
	assert.Equal(t, model.SourceMailboxReply, events[0].Source)
	assert.Empty(t, events[0].Reason, "approvals carry no reason")
	assert.Equal(t, "TKN-BBB", events[1].Token)
	assert.Equal(t, model.VerdictReject, events[1].Verdict)
	assert.Equal(t, "rejected, redo the terms", events[1].Reason)

	wm, err := st.Watermark(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), wm.UIDValidity)
	assert.Equal(t, uint32(4), wm.LastUID)
}

func TestFetchErrorKeepsWatermark(t *testing.T) {
	st := testutil.NewTestStore(t)
	require.NoError(t, st.SetWatermark(context.Background(), "INBOX", store.Watermark{UIDValidity: 7, LastUID: 9}))

	fetcher := &fakeFetcher{err: errors.New("imap connection refused")}
	decider := &fakeDecider{}
	p := poll.New(st, fetcher, decider, approver, "INBOX", time.Minute, testLogger())

	p.RunOnce()

	assert.Empty(t, decider.recorded())
	wm, err := st.Watermark(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(9), wm.LastUID, "failed cycle must not move the watermark")
}

func TestDecideErrorHaltsCycleWithoutAdvance(t *testing.T) {
	st := testutil.NewTestStore(t)
	fetcher := &fakeFetcher{
		valid: 7,
		replies: []mailbox.Reply{
			reply(3, approver, "Re: [TKN-AAA] invoice", "APPROVED"),
		},
	}
	decider := &fakeDecider{err: errors.New("database locked")}
	p := poll.New(st, fetcher, decider, approver, "INBOX", time.Minute, testLogger())

	p.RunOnce()

	wm, err := st.Watermark(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Zero(t, wm.LastUID, "cycle halted before any event applied")
}

func TestDiscardedRepliesDoNotBlockCycle(t *testing.T) {
	st := testutil.NewTestStore(t)
	fetcher := &fakeFetcher{
		valid: 7,
		replies: []mailbox.Reply{
			reply(1, "intruder@example.com", "Re: [TKN-AAA] invoice", "APPROVED"),
			reply(2, approver, "Re: no token here", "ok thanks"),
			reply(3, approver, "Re: [TKN-BBB] contract", "thinking about it"),
			reply(4, approver, "Re: [TKN-CCC] po", "yes"),
		},
	}
	decider := &fakeDecider{}
	p := poll.New(st, fetcher, decider, approver, "INBOX", time.Minute, testLogger())

	p.RunOnce()

	events := decider.recorded()
	require.Len(t, events, 1, "only the recognized approver verdict reaches the coordinator")
	assert.Equal(t, "TKN-CCC", events[0].Token)
	assert.Equal(t, model.VerdictApprove, events[0].Verdict)

	wm, err := st.Watermark(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), wm.LastUID, "discards still consume their UIDs")
}

// Replaying a cycle end to end against the real coordinator must not produce
// a second transition or a second send.
func TestReplayedCycleIsExactlyOnce(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()

	sender := &countingSender{}
	dispatcher := approval.NewDispatcher(st, approval.DraftRenderer{}, sender, testLogger())
	coord := approval.NewCoordinator(st, dispatcher, testLogger())

	require.NoError(t, st.Create(ctx, testutil.NewRequest("req-1", "TKN-AAA")))

	fetcher := &fakeFetcher{
		valid: 7,
		replies: []mailbox.Reply{
			reply(3, approver, "Re: [TKN-AAA] invoice", "APPROVED"),
		},
	}
	p := poll.New(st, fetcher, coord, approver, "INBOX", time.Minute, testLogger())

	p.RunOnce()

	got, err := st.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateSent, got.State)
	assert.Equal(t, 1, sender.sends)

	// Simulate a crash before the watermark write: reset it and rerun the
	// same batch.
	require.NoError(t, st.SetWatermark(ctx, "INBOX", store.Watermark{UIDValidity: 7, LastUID: 0}))
	p.RunOnce()

	got, err = st.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateSent, got.State)
	assert.Equal(t, 1, sender.sends, "replayed approval must not dispatch again")

	wm, err := st.Watermark(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), wm.LastUID)
}

// markingFetcher additionally records which UIDs were flagged as handled.
type markingFetcher struct {
	fakeFetcher
	marked []uint32
}

func (f *markingFetcher) MarkProcessed(_ context.Context, uids []uint32) error {
	f.marked = append(f.marked, uids...)
	return nil
}

func TestProcessedRepliesMarkedSeen(t *testing.T) {
	st := testutil.NewTestStore(t)
	fetcher := &markingFetcher{fakeFetcher: fakeFetcher{
		valid: 7,
		replies: []mailbox.Reply{
			reply(3, approver, "Re: [TKN-AAA] invoice", "APPROVED"),
			reply(4, "intruder@example.com", "Re: [TKN-BBB] contract", "APPROVED"),
		},
	}}
	decider := &fakeDecider{}
	p := poll.New(st, fetcher, decider, approver, "INBOX", time.Minute, testLogger())

	p.RunOnce()

	assert.Equal(t, []uint32{3, 4}, fetcher.marked,
		"every consumed reply is flagged, discarded ones included")
}

func TestStartStop(t *testing.T) {
	st := testutil.NewTestStore(t)
	fetcher := &fakeFetcher{valid: 1}
	decider := &fakeDecider{}
	p := poll.New(st, fetcher, decider, approver, "INBOX", time.Hour, testLogger())

	p.Start()
	p.TriggerNow()
	p.Stop()

	assert.GreaterOrEqual(t, fetcher.calls, 1, "initial cycle runs on start")
}

type countingSender struct {
	mu    sync.Mutex
	sends int
}

func (c *countingSender) Send(context.Context, mailbox.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	return nil
}
