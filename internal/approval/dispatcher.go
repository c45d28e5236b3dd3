package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/email-approver/internal/metrics"
	"github.com/nhle/email-approver/internal/model"
	"github.com/nhle/email-approver/internal/store"
)

// Dispatcher sends the final email for an approved request and records the
// terminal state. It never retries a failed send on its own: with an
// unknown send outcome a retry risks a duplicate delivery, so failed
// requests park in send_failed for an operator (or an external job) to
// re-dispatch deliberately.
type Dispatcher struct {
	store    store.Store
	renderer Renderer
	sender   Sender
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(s store.Store, r Renderer, snd Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    s,
		renderer: r,
		sender:   snd,
		logger:   logger,
	}
}

// Dispatch loads the request, renders its final content, and sends it
// exactly once. The request must be in the approved state; anything else is
// a broken invariant and fails loudly rather than silently skipping.
func (d *Dispatcher) Dispatch(ctx context.Context, id string) error {
	req, err := d.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading request %s for dispatch: %w", id, err)
	}

	if req.State != model.StateApproved {
		return fmt.Errorf(
			"dispatch invariant violated: request %s is %s, not %s",
			id, req.State, model.StateApproved,
		)
	}

	out, err := d.renderer.Render(req)
	if err != nil {
		return fmt.Errorf("rendering request %s: %w", id, err)
	}

	if sendErr := d.sender.Send(ctx, out); sendErr != nil {
		metrics.RecordSend("failure")
		if err := d.store.CompareAndTransition(
			ctx, id, model.StateApproved, model.StateSendFailed,
			store.TransitionFields{},
		); err != nil {
			return fmt.Errorf(
				"marking request %s send_failed after %v: %w", id, sendErr, err,
			)
		}
		// Operator-visible channel; the request is parked, not retried.
		d.logger.Error("send failed, request parked for manual retry",
			slog.String("request_id", id),
			slog.String("recipient", req.Recipient),
			slog.Any("error", sendErr),
		)
		return fmt.Errorf("sending request %s: %w", id, sendErr)
	}

	now := time.Now()
	if err := d.store.CompareAndTransition(
		ctx, id, model.StateApproved, model.StateSent,
		store.TransitionFields{SentAt: &now},
	); err != nil {
		return fmt.Errorf("marking request %s sent: %w", id, err)
	}

	metrics.RecordSend("success")
	d.logger.Info("approved email sent",
		slog.String("request_id", id),
		slog.String("recipient", req.Recipient),
	)
	return nil
}
