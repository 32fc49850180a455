// Package jobs implements the job state machine and the lease reaper.
// Every state-changing operation runs under the per-job claim mutex,
// reads the current record, validates the transition, then persists the
// new record atomically and appends an event.
package jobs

import (
	"errors"
	"log/slog"
	"time"

	"github.com/garnizeh/spine/internal/auth"
	"github.com/garnizeh/spine/internal/job"
	"github.com/garnizeh/spine/internal/metrics"
	"github.com/garnizeh/spine/internal/store"
)

// State-machine error taxonomy. The HTTP layer maps these to status
// codes and machine-readable discriminators.
var (
	ErrNotFound       = store.ErrNotFound
	ErrLocked         = store.ErrLocked
	ErrForbidden      = errors.New("forbidden")
	ErrNotOwner       = errors.New("not owner")
	ErrAlreadyClaimed = errors.New("job already claimed")
	ErrTerminalStatus = errors.New("job in terminal status")
	ErrNotRunning     = errors.New("job not running")
	ErrMaxAttempts    = errors.New("max attempts reached")
	ErrInvalidTarget  = errors.New("invalid target")
)

// Manager owns job state transitions. All methods are safe for
// concurrent use; per-job serialization comes from the store's lock
// files, which also guard against other processes sharing the data dir.
type Manager struct {
	store              *store.Store
	lease              time.Duration
	defaultMaxAttempts int
	metrics            *metrics.Metrics
	log                *slog.Logger

	// now is swappable in tests to exercise lease expiry.
	now func() time.Time
}

// NewManager constructs a Manager. A nil metrics sink gets a private
// registry so callers that don't scrape can ignore it.
func NewManager(st *store.Store, lease time.Duration, defaultMaxAttempts int, m *metrics.Metrics, log *slog.Logger) *Manager {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:              st,
		lease:              lease,
		defaultMaxAttempts: defaultMaxAttempts,
		metrics:            m,
		log:                log,
		now:                time.Now,
	}
}

// CreateParams are the head-supplied inputs for a new job.
type CreateParams struct {
	Target      job.Target
	Spec        string
	Meta        map[string]any
	MaxAttempts int
}

// Create makes a new queued job record. Only the head may create jobs;
// the HTTP layer enforces the role.
func (m *Manager) Create(p CreateParams) (*job.Job, error) {
	if p.Target == "" {
		p.Target = job.TargetAny
	}
	if !p.Target.Valid() {
		return nil, ErrInvalidTarget
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.defaultMaxAttempts
	}
	meta := p.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	now := job.NewTime(m.now())
	j := &job.Job{
		ID:          job.NewID(),
		Target:      p.Target,
		Status:      job.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   string(auth.RoleHead),
		MaxAttempts: maxAttempts,
		Spec:        p.Spec,
		Meta:        meta,
		Comments:    []job.Comment{},
	}
	if err := m.persist(j, job.Event{T: now, Type: job.EventCreated, By: string(auth.RoleHead)}); err != nil {
		return nil, err
	}
	m.metrics.JobsCreated.Inc()
	return j, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status job.Status
	Target job.Target
}

// List returns all records visible to the role, with filters applied,
// ordered by createdAt ascending. Unreadable records are logged and
// skipped.
func (m *Manager) List(role auth.Role, f ListFilter) ([]*job.Job, error) {
	recs, err := m.store.List()
	if err != nil {
		if recs == nil {
			return nil, err
		}
		m.log.Warn("skipping unreadable job records", "err", err)
	}
	out := make([]*job.Job, 0, len(recs))
	for _, j := range recs {
		if !auth.CanAccess(role, j) {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Target != "" && j.Target != f.Target {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// Get returns the record if it exists and the role may observe it.
func (m *Manager) Get(role auth.Role, id string) (*job.Job, error) {
	j, err := m.store.Read(id)
	if err != nil {
		return nil, err
	}
	if !auth.CanAccess(role, j) {
		return nil, ErrForbidden
	}
	return j, nil
}

// Claim transitions a queued job (or a running job whose lease has
// already expired) to running under the caller's ownership. At most one
// concurrent caller can succeed; the loser gets ErrLocked or
// ErrAlreadyClaimed. A successful claim strictly increments attempts.
func (m *Manager) Claim(role auth.Role, id string) (*job.Job, error) {
	if !role.Worker() {
		return nil, ErrForbidden
	}
	if err := m.lock(id); err != nil {
		return nil, err
	}
	defer m.store.Unlock(id)

	j, err := m.store.Read(id)
	if err != nil {
		return nil, err
	}
	if !auth.CanAccess(role, j) {
		return nil, ErrForbidden
	}

	now := m.now()
	if j.Status.Terminal() {
		return nil, ErrTerminalStatus
	}
	if j.Status == job.StatusRunning && !j.LeaseExpired(now) {
		return nil, ErrAlreadyClaimed
	}

	// The job is queued, or running with an expired lease; an expired
	// lease is reclaimed here directly instead of waiting for the reaper.
	if j.Attempts >= j.MaxAttempts {
		j.Status = job.StatusDead
		j.ClaimedBy = nil
		j.LeaseUntil = nil
		j.UpdatedAt = job.NewTime(now)
		if err := m.persist(j, job.Event{
			T:      j.UpdatedAt,
			Type:   job.EventDead,
			By:     string(role),
			Reason: "max_attempts_reached",
		}); err != nil {
			return nil, err
		}
		m.metrics.JobsDead.Inc()
		return nil, ErrMaxAttempts
	}

	by := string(role)
	lease := job.NewTime(now.Add(m.lease))
	j.Status = job.StatusRunning
	j.ClaimedBy = &by
	j.LeaseUntil = &lease
	j.Attempts++
	j.UpdatedAt = job.NewTime(now)
	if err := m.persist(j, job.Event{
		T:        j.UpdatedAt,
		Type:     job.EventClaimed,
		By:       by,
		Attempts: j.Attempts,
	}); err != nil {
		return nil, err
	}
	m.metrics.JobsClaimed.Inc()
	return j, nil
}

// Heartbeat extends the lease of a running job and optionally stores a
// progress value. Idempotent with respect to status, attempts and
// ownership.
func (m *Manager) Heartbeat(role auth.Role, id string, progress any) (*job.Job, error) {
	return m.ownerTransition(role, id, func(j *job.Job, now time.Time) job.Event {
		lease := job.NewTime(now.Add(m.lease))
		j.LeaseUntil = &lease
		if progress != nil {
			j.Progress = progress
		}
		return job.Event{Type: job.EventHeartbeat, By: string(role), Progress: progress}
	})
}

// Complete moves a running job to done. ClaimedBy is deliberately kept
// as a record of who completed the job.
func (m *Manager) Complete(role auth.Role, id string, result any) (*job.Job, error) {
	j, err := m.ownerTransition(role, id, func(j *job.Job, now time.Time) job.Event {
		j.Status = job.StatusDone
		j.Result = result
		j.Error = nil
		j.LeaseUntil = nil
		return job.Event{Type: job.EventCompleted, By: string(role)}
	})
	if err == nil {
		m.metrics.JobsCompleted.Inc()
	}
	return j, err
}

// Fail reports a failed run. With retries remaining and requeue not
// explicitly disabled, the job returns to the queue; otherwise it lands
// in failed, or dead once attempts are exhausted.
func (m *Manager) Fail(role auth.Role, id string, errMsg *string, requeue *bool) (*job.Job, error) {
	var wentDead bool
	j, err := m.ownerTransition(role, id, func(j *job.Job, now time.Time) job.Event {
		requeued := (requeue == nil || *requeue) && j.Attempts < j.MaxAttempts
		if requeued {
			j.Status = job.StatusQueued
		} else if j.Attempts >= j.MaxAttempts {
			j.Status = job.StatusDead
			wentDead = true
		} else {
			j.Status = job.StatusFailed
		}
		j.ClaimedBy = nil
		j.LeaseUntil = nil
		j.Error = errMsg
		ev := job.Event{Type: job.EventFailed, By: string(role), Requeued: &requeued, Attempts: j.Attempts}
		if errMsg != nil {
			ev.Error = *errMsg
		}
		return ev
	})
	if err == nil {
		m.metrics.JobsFailed.Inc()
		if wentDead {
			m.metrics.JobsDead.Inc()
		}
	}
	return j, err
}

// Release voluntarily returns a running job to the queue without
// consuming an attempt.
func (m *Manager) Release(role auth.Role, id string, reason string) (*job.Job, error) {
	j, err := m.ownerTransition(role, id, func(j *job.Job, now time.Time) job.Event {
		j.Status = job.StatusQueued
		j.ClaimedBy = nil
		j.LeaseUntil = nil
		if reason != "" {
			j.ReleaseReason = reason
		}
		return job.Event{Type: job.EventReleased, By: string(role), Reason: reason}
	})
	if err == nil {
		m.metrics.JobsReleased.Inc()
	}
	return j, err
}

// Comment appends a comment to the job's trail. Any role that can
// observe the job may comment, regardless of status or ownership.
func (m *Manager) Comment(role auth.Role, id string, text string) (*job.Job, error) {
	if err := m.lock(id); err != nil {
		return nil, err
	}
	defer m.store.Unlock(id)

	j, err := m.store.Read(id)
	if err != nil {
		return nil, err
	}
	if !auth.CanAccess(role, j) {
		return nil, ErrForbidden
	}
	now := job.NewTime(m.now())
	j.Comments = append(j.Comments, job.Comment{T: now, By: string(role), Text: text})
	j.UpdatedAt = now
	if err := m.persist(j, job.Event{T: now, Type: job.EventComment, By: string(role), Text: text}); err != nil {
		return nil, err
	}
	return j, nil
}

// Events returns the job's event log, subject to the same visibility
// rule as Get.
func (m *Manager) Events(role auth.Role, id string) ([]job.Event, error) {
	if _, err := m.Get(role, id); err != nil {
		return nil, err
	}
	return m.store.ReadEvents(id)
}

// ownerTransition runs a mutation that requires a running job owned by
// the caller (or the head). The checks apply in the order the error
// taxonomy promises: not_running before not_owner before forbidden.
func (m *Manager) ownerTransition(role auth.Role, id string, mutate func(*job.Job, time.Time) job.Event) (*job.Job, error) {
	if err := m.lock(id); err != nil {
		return nil, err
	}
	defer m.store.Unlock(id)

	j, err := m.store.Read(id)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusRunning {
		return nil, ErrNotRunning
	}
	if !auth.IsOwnerOrHead(role, j) {
		return nil, ErrNotOwner
	}
	if !auth.CanAccess(role, j) {
		return nil, ErrForbidden
	}

	now := m.now()
	ev := mutate(j, now)
	j.UpdatedAt = job.NewTime(now)
	ev.T = j.UpdatedAt
	if err := m.persist(j, ev); err != nil {
		return nil, err
	}
	return j, nil
}

func (m *Manager) lock(id string) error {
	if err := m.store.Lock(id); err != nil {
		if errors.Is(err, store.ErrLocked) {
			m.metrics.LockContention.Inc()
		}
		return err
	}
	return nil
}

// persist writes the record atomically, then appends the event. The
// event log is advisory, so an append failure is logged rather than
// failing the operation after the record already changed.
func (m *Manager) persist(j *job.Job, ev job.Event) error {
	if err := m.store.WriteAtomic(j.ID, j); err != nil {
		return err
	}
	if err := m.store.AppendEvent(j.ID, ev); err != nil {
		m.log.Warn("failed to append job event", "job", j.ID, "type", ev.Type, "err", err)
	}
	return nil
}
