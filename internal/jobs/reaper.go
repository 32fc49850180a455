package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/garnizeh/spine/internal/job"
	"github.com/garnizeh/spine/internal/metrics"
	"github.com/garnizeh/spine/internal/store"
)

// reaperName is the actor recorded on reaper-driven events.
const reaperName = "reaper"

// Reaper periodically returns running jobs with expired leases to the
// queue, or marks them dead when their attempts are exhausted. It shares
// the claim mutex with request handlers and is not privileged: a held
// lock means the record is skipped until the next pass.
type Reaper struct {
	store    *store.Store
	interval time.Duration
	metrics  *metrics.Metrics
	log      *slog.Logger

	now func() time.Time
}

// NewReaper constructs a Reaper sweeping every interval.
func NewReaper(st *store.Store, interval time.Duration, m *metrics.Metrics, log *slog.Logger) *Reaper {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		store:    st,
		interval: interval,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps once immediately, then on every tick until the context is
// cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.Sweep()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep enumerates all job records and reaps those running with an
// expired lease. Errors on individual records are logged and the scan
// continues.
func (r *Reaper) Sweep() {
	recs, err := r.store.List()
	if err != nil {
		if recs == nil {
			r.log.Error("reaper: list jobs", "err", err)
			return
		}
		r.log.Warn("reaper: skipping unreadable job records", "err", err)
	}
	now := r.now()
	for _, j := range recs {
		if !j.LeaseExpired(now) {
			continue
		}
		if err := r.store.Lock(j.ID); err != nil {
			if errors.Is(err, store.ErrLocked) {
				// contended; retry next pass
				continue
			}
			r.log.Warn("reaper: lock job", "job", j.ID, "err", err)
			continue
		}
		r.reapOne(j.ID)
	}
}

// reapOne re-reads and re-checks the record under the lock, then applies
// the expired-lease transition. The caller must hold the job lock.
func (r *Reaper) reapOne(id string) {
	defer r.store.Unlock(id)

	j, err := r.store.Read(id)
	if err != nil {
		r.log.Warn("reaper: read job", "job", id, "err", err)
		return
	}
	now := r.now()
	if !j.LeaseExpired(now) {
		// raced with a heartbeat or another transition
		return
	}

	ts := job.NewTime(now)
	j.UpdatedAt = ts
	j.LeaseUntil = nil
	var ev job.Event
	if j.Attempts >= j.MaxAttempts {
		j.Status = job.StatusDead
		j.ClaimedBy = nil
		ev = job.Event{T: ts, Type: job.EventDead, By: reaperName, Reason: "lease_expired_max_attempts"}
	} else {
		// attempts stay as they are; the increment happened at claim time
		j.Status = job.StatusQueued
		j.ClaimedBy = nil
		ev = job.Event{T: ts, Type: job.EventExpired, By: reaperName}
	}

	if err := r.store.WriteAtomic(j.ID, j); err != nil {
		r.log.Error("reaper: write job", "job", id, "err", err)
		return
	}
	if err := r.store.AppendEvent(j.ID, ev); err != nil {
		r.log.Warn("reaper: append event", "job", id, "err", err)
	}
	if ev.Type == job.EventDead {
		r.metrics.JobsDead.Inc()
		r.log.Info("reaper: job dead after lease expiry", "job", id, "attempts", j.Attempts)
	} else {
		r.metrics.JobsReaped.Inc()
		r.log.Info("reaper: requeued expired job", "job", id, "attempts", j.Attempts)
	}
}
