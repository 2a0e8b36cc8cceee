package audio

import (
	"context"
	"time"

	"github.com/shiftfill/escalation-engine/pkg/logging"
)

const reapInterval = 6 * time.Hour

// Reaper enforces the recording retention window: every few hours it prunes
// recordings whose day fell out of the window. Enforcement is best-effort;
// a failed pass is retried on the next tick.
type Reaper struct {
	archiver  *Archiver
	retention time.Duration
	interval  time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

// NewReaper panics on a nil archiver. A retention of zero disables the
// reaper; Start becomes a no-op.
func NewReaper(archiver *Archiver, retention time.Duration, logger *logging.Logger) *Reaper {
	if archiver == nil {
		panic("audio: reaper requires an archiver")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Reaper{
		archiver:  archiver,
		retention: retention,
		interval:  reapInterval,
		logger:    logger,
		now:       time.Now,
	}
}

// Start launches the prune loop. It returns immediately; cancel the context
// to stop.
func (r *Reaper) Start(ctx context.Context) {
	if r.retention <= 0 || !r.archiver.Enabled() {
		return
	}
	go r.run(ctx)
}

func (r *Reaper) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	cutoff := r.now().Add(-r.retention)
	if _, err := r.archiver.PruneBefore(ctx, cutoff); err != nil {
		r.logger.Error("recording retention sweep failed", "error", err)
	}
}
