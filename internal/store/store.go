package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/email-approver/internal/model"
)

var (
	// ErrNotFound is returned when no request matches the given id or token.
	ErrNotFound = errors.New("request not found")

	// ErrDuplicateToken is returned when a new request reuses the
	// correlation token of a request that has not reached a terminal state.
	ErrDuplicateToken = errors.New("correlation token already in use")

	// ErrStaleState is returned by CompareAndTransition when the request is
	// no longer in the expected state. Under racing decision sources this is
	// the normal losing outcome, not a fault.
	ErrStaleState = errors.New("request not in expected state")
)

// TransitionFields carries the columns set alongside a state transition.
// Only the fields relevant to the target state are populated; zero values
// leave the stored column untouched.
type TransitionFields struct {
	DecisionSource model.DecisionSource
	DecisionReason string
	DecidedAt      *time.Time
	SentAt         *time.Time

	// EditedBody, when non-nil, replaces the draft body text at the moment
	// of approval so the dispatcher sends the operator-edited version.
	EditedBody *string
}

// Watermark marks the last mailbox message the poller has fully processed.
// UIDValidity guards against the server renumbering the mailbox.
type Watermark struct {
	UIDValidity uint32    `db:"uid_validity"`
	LastUID     uint32    `db:"last_uid"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Store is the persistence interface for approval requests. All state
// mutation funnels through CompareAndTransition; no caller writes request
// state any other way.
type Store interface {
	// Create inserts a new request in the pending state. It fails with
	// ErrDuplicateToken if the token collides with a non-terminal request.
	Create(ctx context.Context, req model.ApprovalRequest) error

	Get(ctx context.Context, id string) (*model.ApprovalRequest, error)
	GetByToken(ctx context.Context, token string) (*model.ApprovalRequest, error)

	// CompareAndTransition atomically moves the request from expected to
	// next, setting the given fields. It returns ErrStaleState when the
	// request exists but is not in expected, and ErrNotFound when no such
	// request exists. This is the sole serialization point for racing
	// decision sources.
	CompareAndTransition(
		ctx context.Context,
		id string,
		expected, next model.State,
		fields TransitionFields,
	) error

	// ListPending returns pending requests ordered by creation time.
	ListPending(ctx context.Context) ([]model.ApprovalRequest, error)

	// CountByState returns the number of requests in each state.
	CountByState(ctx context.Context) (model.StateCounts, error)

	// Watermark returns the persisted poll cursor for the named mailbox,
	// or a zero watermark if none has been stored yet.
	Watermark(ctx context.Context, mailbox string) (Watermark, error)

	// SetWatermark persists the poll cursor for the named mailbox.
	SetWatermark(ctx context.Context, mailbox string, w Watermark) error

	Close() error
}
