package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/email-approver/internal/model"
	"github.com/nhle/email-approver/internal/store"
	"github.com/nhle/email-approver/tests/testutil"
)

func TestCreateAndGet(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	req := testutil.NewRequest("req-1", "TKN-AAA")
	require.NoError(t, s.Create(ctx, req))

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "TKN-AAA", got.Token)
	assert.Equal(t, model.StatePending, got.State)
	assert.Equal(t, "vendor@example.com", got.Recipient)
	assert.Nil(t, got.DecidedAt)
	assert.Nil(t, got.SentAt)

	byToken, err := s.GetByToken(ctx, "TKN-AAA")
	require.NoError(t, err)
	assert.Equal(t, "req-1", byToken.ID)
}

func TestGetNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetByToken(context.Background(), "TKN-MISSING")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateDuplicateToken(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testutil.NewRequest("req-1", "TKN-AAA")))

	err := s.Create(ctx, testutil.NewRequest("req-2", "TKN-AAA"))
	assert.ErrorIs(t, err, store.ErrDuplicateToken)
}

func TestTokenReusableAfterTerminal(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testutil.NewRequest("req-1", "TKN-AAA")))

	now := time.Now()
	require.NoError(t, s.CompareAndTransition(
		ctx, "req-1", model.StatePending, model.StateRejected,
		store.TransitionFields{
			DecisionSource: model.SourceUIAction,
			DecidedAt:      &now,
		},
	))

	// The first request is terminal, so the token may be reused.
	require.NoError(t, s.Create(ctx, testutil.NewRequest("req-2", "TKN-AAA")))

	// Token lookup prefers the live request over the terminal one.
	got, err := s.GetByToken(ctx, "TKN-AAA")
	require.NoError(t, err)
	assert.Equal(t, "req-2", got.ID)
}

func TestCompareAndTransition(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testutil.NewRequest("req-1", "TKN-AAA")))

	now := time.Now()
	err := s.CompareAndTransition(
		ctx, "req-1", model.StatePending, model.StateApproved,
		store.TransitionFields{
			DecisionSource: model.SourceMailboxReply,
			DecisionReason: "APPROVED - looks good",
			DecidedAt:      &now,
		},
	)
	require.NoError(t, err)

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, got.State)
	assert.Equal(t, model.SourceMailboxReply, got.DecisionSource)
	assert.Equal(t, "APPROVED - looks good", got.DecisionReason)
	require.NotNil(t, got.DecidedAt)

	// A second decision sees the request already out of pending.
	err = s.CompareAndTransition(
		ctx, "req-1", model.StatePending, model.StateRejected,
		store.TransitionFields{DecisionSource: model.SourceUIAction, DecidedAt: &now},
	)
	assert.ErrorIs(t, err, store.ErrStaleState)

	// State and decision fields are untouched by the losing attempt.
	got, err = s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, got.State)
	assert.Equal(t, model.SourceMailboxReply, got.DecisionSource)
}

func TestCompareAndTransitionNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)

	err := s.CompareAndTransition(
		context.Background(), "missing",
		model.StatePending, model.StateApproved,
		store.TransitionFields{},
	)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompareAndTransitionEditedBody(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testutil.NewRequest("req-1", "TKN-AAA")))

	now := time.Now()
	edited := "Revised body text."
	require.NoError(t, s.CompareAndTransition(
		ctx, "req-1", model.StatePending, model.StateApproved,
		store.TransitionFields{
			DecisionSource: model.SourceUIAction,
			DecidedAt:      &now,
			EditedBody:     &edited,
		},
	))

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "Revised body text.", got.BodyText)
}

func TestConcurrentTransitionExactlyOnce(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testutil.NewRequest("req-1", "TKN-AAA")))

	const workers = 16
	var wins, stale int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now()
			err := s.CompareAndTransition(
				ctx, "req-1", model.StatePending, model.StateApproved,
				store.TransitionFields{
					DecisionSource: model.SourceMailboxReply,
					DecidedAt:      &now,
				},
			)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			default:
				stale++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one transition must win")
	assert.Equal(t, workers-1, stale)
}

func TestListPendingOrdered(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	older := testutil.NewRequest("req-1", "TKN-AAA")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := testutil.NewRequest("req-2", "TKN-BBB")
	newer.CreatedAt = time.Now()

	require.NoError(t, s.Create(ctx, newer))
	require.NoError(t, s.Create(ctx, older))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "req-1", pending[0].ID)
	assert.Equal(t, "req-2", pending[1].ID)
}

func TestCountByState(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testutil.NewRequest("req-1", "TKN-AAA")))
	require.NoError(t, s.Create(ctx, testutil.NewRequest("req-2", "TKN-BBB")))

	now := time.Now()
	require.NoError(t, s.CompareAndTransition(
		ctx, "req-2", model.StatePending, model.StateRejected,
		store.TransitionFields{DecisionSource: model.SourceUIAction, DecidedAt: &now},
	))

	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 1, counts.Rejected)
	assert.Equal(t, 2, counts.Total())
}

func TestWatermarkRoundtrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	// Unset watermark reads as zero.
	w, err := s.Watermark(ctx, "INBOX")
	require.NoError(t, err)
	assert.Zero(t, w.LastUID)
	assert.Zero(t, w.UIDValidity)

	require.NoError(t, s.SetWatermark(ctx, "INBOX", store.Watermark{
		UIDValidity: 7,
		LastUID:     42,
	}))

	w, err = s.Watermark(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), w.UIDValidity)
	assert.Equal(t, uint32(42), w.LastUID)

	// Overwrite advances the cursor.
	require.NoError(t, s.SetWatermark(ctx, "INBOX", store.Watermark{
		UIDValidity: 7,
		LastUID:     99,
	}))

	w, err = s.Watermark(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(99), w.LastUID)
}
