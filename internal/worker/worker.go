package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/garnizeh/spine/internal/job"
)

// Handler executes one claimed job and returns its result value. A nil
// error completes the job; a non-nil error fails it with requeue.
type Handler func(ctx context.Context, j *job.Job) (any, error)

// Worker polls the queue for claimable jobs, claims one at a time, keeps
// its lease alive with heartbeats while the handler runs, and reports
// the outcome.
type Worker struct {
	client    *Client
	handler   Handler
	heartbeat time.Duration
	backoff   *Backoff
	log       *slog.Logger
}

// New constructs a Worker. heartbeat should be well under the server's
// lease duration; a third of it is a reasonable choice.
func New(client *Client, handler Handler, heartbeat time.Duration, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Worker{
		client:    client,
		handler:   handler,
		heartbeat: heartbeat,
		backoff:   NewBackoff(time.Second, time.Minute),
		log:       log,
	}
}

// Run processes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		j, err := w.claimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("claim attempt failed", "err", err)
			if !sleep(ctx, w.backoff.Next()) {
				return ctx.Err()
			}
			continue
		}
		if j == nil {
			// nothing claimable right now
			if !sleep(ctx, w.backoff.Next()) {
				return ctx.Err()
			}
			continue
		}
		w.backoff.Reset()
		w.process(ctx, j)
	}
}

// claimNext lists queued jobs and tries to claim them in order. Losing a
// claim race (409) just moves on to the next candidate.
func (w *Worker) claimNext(ctx context.Context) (*job.Job, error) {
	candidates, err := w.client.ListJobs(ctx, job.StatusQueued, "")
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		claimed, err := w.client.Claim(ctx, candidates[i].ID)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Conflict() {
				continue
			}
			return nil, err
		}
		return claimed, nil
	}
	return nil, nil
}

// process runs the handler with a heartbeat ticker alive for the
// duration, then completes or fails the job.
func (w *Worker) process(ctx context.Context, j *job.Job) {
	w.log.Info("processing job", "job", j.ID, "attempt", j.Attempts)

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go func() {
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if _, err := w.client.Heartbeat(hbCtx, j.ID, nil); err != nil {
					w.log.Warn("heartbeat failed", "job", j.ID, "err", err)
				}
			}
		}
	}()

	result, err := w.handler(ctx, j)
	stopHB()

	// Report with a fresh context so a cancelled worker still tries to
	// hand the job back cleanly.
	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err != nil {
		w.log.Warn("job failed", "job", j.ID, "err", err)
		if _, ferr := w.client.Fail(reportCtx, j.ID, err.Error(), true); ferr != nil {
			w.log.Error("failed to report job failure", "job", j.ID, "err", ferr)
		}
		return
	}
	if _, cerr := w.client.Complete(reportCtx, j.ID, result); cerr != nil {
		w.log.Error("failed to report job completion", "job", j.ID, "err", cerr)
		return
	}
	w.log.Info("job completed", "job", j.ID)
}

// sleep waits for d or context cancellation, reporting whether the full
// delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
