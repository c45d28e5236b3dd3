// Package poll runs the scheduled mailbox check that turns approver replies
// into decision events.
package poll

import (
	"context"
	"log/slog"
	"strings"
	gosync "sync"
	"time"

	"github.com/nhle/email-approver/internal/approval"
	"github.com/nhle/email-approver/internal/classify"
	"github.com/nhle/email-approver/internal/mailbox"
	"github.com/nhle/email-approver/internal/metrics"
	"github.com/nhle/email-approver/internal/model"
	"github.com/nhle/email-approver/internal/store"
)

// fetchTimeout is the maximum time allowed for a single poll cycle.
const fetchTimeout = 60 * time.Second

// Fetcher retrieves mailbox messages past a cursor. Implemented by
// mailbox.IMAPClient; tests substitute a fake.
type Fetcher interface {
	FetchSince(ctx context.Context, cur mailbox.Cursor) ([]mailbox.Reply, mailbox.Cursor, error)
}

// Marker is optionally implemented by a Fetcher that can flag handled
// messages as seen for whoever reads the mailbox by hand.
type Marker interface {
	MarkProcessed(ctx context.Context, uids []uint32) error
}

// Decider applies a decision event. Implemented by approval.Coordinator.
type Decider interface {
	Decide(ctx context.Context, event model.DecisionEvent) (approval.Decision, error)
}

// Poller periodically fetches new replies from the approver's mailbox,
// classifies them, and feeds recognized verdicts to the coordinator. The
// watermark is advanced only after a cycle's events have all been applied,
// so a crash mid-cycle re-delivers that cycle's replies; the coordinator's
// exactly-once transitions absorb the duplicates.
type Poller struct {
	store    store.Store
	fetcher  Fetcher
	decider  Decider
	approver string
	folder   string
	interval time.Duration
	logger   *slog.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	triggerCh chan struct{}
	mu        gosync.Mutex
	running   bool
}

// New creates a poller for the given mailbox folder. Only replies from
// approverEmail are honored.
func New(
	s store.Store,
	f Fetcher,
	d Decider,
	approverEmail, folder string,
	interval time.Duration,
	logger *slog.Logger,
) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		store:     s,
		fetcher:   f,
		decider:   d,
		approver:  approverEmail,
		folder:    folder,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		triggerCh: make(chan struct{}, 1),
	}
}

// Start launches the polling loop in its own goroutine.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.run()
}

// Stop halts the polling loop, letting an in-flight cycle finish so
// already-classified events are not dropped. It blocks until the loop has
// exited.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh
}

// TriggerNow requests an immediate poll cycle without waiting for the
// ticker.
func (p *Poller) TriggerNow() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
		// A trigger is already queued.
	}
}

// RunOnce performs a single poll cycle synchronously, independent of the
// ticker loop.
func (p *Poller) RunOnce() {
	p.cycle()
}

// run is the polling loop. It performs an initial cycle immediately and
// then one per tick or trigger.
func (p *Poller) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cycle()
		case <-p.triggerCh:
			p.cycle()
		}
	}
}

// cycle performs one fetch-classify-decide pass. Fetch failures are logged
// and retried on the next scheduled cycle without moving the watermark.
func (p *Poller) cycle() {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	wm, err := p.store.Watermark(ctx, p.folder)
	if err != nil {
		p.logger.Error("reading poll watermark", slog.Any("error", err))
		metrics.RecordPollError()
		return
	}

	cur := mailbox.Cursor{UIDValidity: wm.UIDValidity, LastUID: wm.LastUID}
	replies, next, err := p.fetcher.FetchSince(ctx, cur)
	if err != nil {
		p.logger.Warn("mailbox fetch failed, retrying next cycle",
			slog.Any("error", err),
		)
		metrics.RecordPollError()
		return
	}

	for _, reply := range replies {
		if !p.process(ctx, reply) {
			// A store or coordinator failure leaves the watermark where it
			// was; the whole cycle is re-fetched next time and the
			// already-applied decisions replay as stale no-ops.
			metrics.RecordPollError()
			return
		}
	}

	if next != cur {
		if err := p.store.SetWatermark(ctx, p.folder, store.Watermark{
			UIDValidity: next.UIDValidity,
			LastUID:     next.LastUID,
		}); err != nil {
			p.logger.Error("persisting poll watermark", slog.Any("error", err))
			metrics.RecordPollError()
			return
		}
	}

	if marker, ok := p.fetcher.(Marker); ok && len(replies) > 0 {
		uids := make([]uint32, len(replies))
		for i, reply := range replies {
			uids[i] = reply.UID
		}
		// Cosmetic only; the watermark is already durable.
		if err := marker.MarkProcessed(ctx, uids); err != nil {
			p.logger.Debug("marking replies seen", slog.Any("error", err))
		}
	}

	metrics.RecordPollCycle()
}

// process classifies one reply and applies its verdict. It returns false
// only on an infrastructure failure that should halt the cycle; discarded
// replies return true so the rest of the batch still runs.
func (p *Poller) process(ctx context.Context, reply mailbox.Reply) bool {
	if p.approver != "" && !strings.EqualFold(reply.From, p.approver) {
		p.logger.Debug("reply from non-approver ignored",
			slog.String("from", reply.From),
			slog.Uint64("uid", uint64(reply.UID)),
		)
		metrics.RecordDiscardedReply("foreign_sender")
		return true
	}

	result := classify.Classify(reply.Text, reply.Subject)
	if result.Token == "" {
		p.logger.Info("reply without correlation token discarded",
			slog.String("subject", reply.Subject),
			slog.Uint64("uid", uint64(reply.UID)),
		)
		metrics.RecordDiscardedReply("no_token")
		return true
	}
	if result.Verdict == model.VerdictUnrecognized {
		p.logger.Info("reply wording unrecognized, discarded",
			slog.String("token", result.Token),
			slog.Uint64("uid", uint64(reply.UID)),
		)
		metrics.RecordDiscardedReply("unrecognized")
		return true
	}

	event := model.DecisionEvent{
		Token:   result.Token,
		Verdict: result.Verdict,
		Source:  model.SourceMailboxReply,
	}
	if result.Verdict == model.VerdictReject {
		// Only rejections carry a reason; the approver's wording explains
		// why the email was stopped.
		event.Reason = firstLine(reply.Text)
	}

	if _, err := p.decider.Decide(ctx, event); err != nil {
		p.logger.Error("applying mailbox decision failed",
			slog.String("token", result.Token),
			slog.Any("error", err),
		)
		return false
	}

	return true
}

// firstLine returns the first non-empty line of s, trimmed. It becomes the
// stored decision reason for mailbox decisions.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
