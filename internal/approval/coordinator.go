// Package approval implements the approval cycle: submitting drafts for
// review, applying decisions from the mailbox and the web API, and
// dispatching approved emails. Decisions from both sources converge here as
// uniform DecisionEvents; the store's compare-and-transition is the single
// serialization point, so the first decision to land wins and every
// duplicate resolves as a stale no-op.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/email-approver/internal/mailbox"
	"github.com/nhle/email-approver/internal/metrics"
	"github.com/nhle/email-approver/internal/model"
	"github.com/nhle/email-approver/internal/store"
)

// Sender delivers a rendered message to its recipient.
type Sender interface {
	Send(ctx context.Context, msg mailbox.Outbound) error
}

// Renderer turns a request's draft into the final outbound message.
type Renderer interface {
	Render(req *model.ApprovalRequest) (mailbox.Outbound, error)
}

// Outcome describes how a decision event was resolved.
type Outcome string

const (
	// OutcomeApplied means the event caused the request's single
	// pending-to-decided transition.
	OutcomeApplied Outcome = "applied"
	// OutcomeAlreadyDecided means another decision got there first; the
	// event was discarded.
	OutcomeAlreadyDecided Outcome = "already_decided"
	// OutcomeNotFound means the event referenced an unknown token.
	OutcomeNotFound Outcome = "not_found"
)

// Decision is the result of applying a decision event.
type Decision struct {
	Outcome Outcome
	// State is the request's state after the event was handled. Unset for
	// OutcomeNotFound.
	State model.State
}

// Coordinator consumes decision events from the poller and the gateway and
// applies exactly-once transition semantics per request.
type Coordinator struct {
	store      store.Store
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewCoordinator creates a coordinator that transitions requests in s and
// hands approved requests to d.
func NewCoordinator(s store.Store, d *Dispatcher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:      s,
		dispatcher: d,
		logger:     logger,
	}
}

// Decide resolves the event to its request, attempts the pending-to-decided
// transition, and dispatches on approval. Losing a race or referencing an
// unknown request is reported through the Decision, not as an error; only
// store or infrastructure failures return a non-nil error.
func (c *Coordinator) Decide(ctx context.Context, event model.DecisionEvent) (Decision, error) {
	next, err := stateForVerdict(event.Verdict)
	if err != nil {
		return Decision{}, err
	}

	req, err := c.resolve(ctx, event)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Info("decision for unknown request discarded",
				slog.String("request_id", event.RequestID),
				slog.String("token", event.Token),
				slog.String("source", string(event.Source)),
			)
			metrics.RecordDecision(string(event.Source), string(event.Verdict), string(OutcomeNotFound))
			return Decision{Outcome: OutcomeNotFound}, nil
		}
		return Decision{}, fmt.Errorf("resolving token %q: %w", event.Token, err)
	}

	now := time.Now()
	fields := store.TransitionFields{
		DecisionSource: event.Source,
		DecisionReason: event.Reason,
		DecidedAt:      &now,
	}
	if event.EditedBody != "" {
		body := event.EditedBody
		fields.EditedBody = &body
	}

	err = c.store.CompareAndTransition(ctx, req.ID, model.StatePending, next, fields)
	if err != nil {
		if errors.Is(err, store.ErrStaleState) || errors.Is(err, store.ErrNotFound) {
			// Duplicate or late-arriving decision; the first one won.
			current, getErr := c.store.Get(ctx, req.ID)
			if getErr != nil {
				return Decision{}, fmt.Errorf("reloading request %s: %w", req.ID, getErr)
			}
			c.logger.Debug("stale decision discarded",
				slog.String("request_id", req.ID),
				slog.String("state", string(current.State)),
				slog.String("source", string(event.Source)),
			)
			metrics.RecordDecision(string(event.Source), string(event.Verdict), string(OutcomeAlreadyDecided))
			return Decision{Outcome: OutcomeAlreadyDecided, State: current.State}, nil
		}
		return Decision{}, fmt.Errorf("deciding request %s: %w", req.ID, err)
	}

	c.logger.Info("request decided",
		slog.String("request_id", req.ID),
		slog.String("state", string(next)),
		slog.String("source", string(event.Source)),
	)
	metrics.RecordDecision(string(event.Source), string(event.Verdict), string(OutcomeApplied))

	result := Decision{Outcome: OutcomeApplied, State: next}

	if next != model.StateApproved {
		return result, nil
	}

	// The request has left pending, so a duplicate decision can never
	// re-trigger this dispatch; the state machine is the concurrency guard.
	if err := c.dispatcher.Dispatch(ctx, req.ID); err != nil {
		c.logger.Error("dispatch after approval failed",
			slog.String("request_id", req.ID),
			slog.Any("error", err),
		)
		result.State = model.StateSendFailed
		return result, nil
	}

	result.State = model.StateSent
	return result, nil
}

// resolve loads the request an event addresses. An explicit RequestID wins;
// otherwise the token resolves to its live request. Keying on the id keeps a
// decision aimed at an already-decided request from landing on a later
// request that reuses the same token.
func (c *Coordinator) resolve(ctx context.Context, event model.DecisionEvent) (*model.ApprovalRequest, error) {
	if event.RequestID != "" {
		return c.store.Get(ctx, event.RequestID)
	}
	return c.store.GetByToken(ctx, event.Token)
}

// stateForVerdict maps a recognized verdict to its target state.
func stateForVerdict(v model.Verdict) (model.State, error) {
	switch v {
	case model.VerdictApprove:
		return model.StateApproved, nil
	case model.VerdictReject:
		return model.StateRejected, nil
	default:
		return "", fmt.Errorf("verdict %q cannot be applied", v)
	}
}
