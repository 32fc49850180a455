// Package job defines the job record, its lifecycle states and the
// per-job event log entries shared by the store, the state machine and
// the HTTP handlers.
package job

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusDead    Status = "dead"
)

// Terminal reports whether no transition out of s exists.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusDead
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusDone, StatusFailed, StatusDead:
		return true
	}
	return false
}

// Target selects which worker class may claim a job.
type Target string

const (
	TargetLeftClaw  Target = "left-claw"
	TargetRightClaw Target = "right-claw"
	TargetAny       Target = "any"
)

// Valid reports whether t is a known target.
func (t Target) Valid() bool {
	switch t {
	case TargetLeftClaw, TargetRightClaw, TargetAny:
		return true
	}
	return false
}

// timeLayout is RFC3339 UTC with millisecond precision, the wire and
// on-disk format for all job timestamps.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Time wraps time.Time to serialize with millisecond precision in UTC.
type Time struct {
	time.Time
}

// NewTime truncates t to millisecond precision in UTC.
func NewTime(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Millisecond)}
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(timeLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler. Records written by older
// builds may carry nanosecond precision, so RFC3339Nano is accepted too.
func (t *Time) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid time %s", s)
	}
	s = s[1 : len(s)-1]
	parsed, err := time.Parse(timeLayout, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse time %q: %w", s, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// Comment is one entry in a job's ordered comment trail.
type Comment struct {
	T    Time   `json:"t"`
	By   string `json:"by"`
	Text string `json:"text"`
}

// Job is the authoritative record for one unit of work. It is persisted
// as a single pretty-printed JSON document under <data>/jobs/<id>.json.
type Job struct {
	ID          string         `json:"id"`
	Target      Target         `json:"target"`
	Status      Status         `json:"status"`
	CreatedAt   Time           `json:"createdAt"`
	UpdatedAt   Time           `json:"updatedAt"`
	CreatedBy   string         `json:"createdBy"`
	ClaimedBy   *string        `json:"claimedBy"`
	LeaseUntil  *Time          `json:"leaseUntil"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	Spec        string         `json:"spec"`
	Meta        map[string]any `json:"meta"`
	Comments    []Comment      `json:"comments"`
	Progress    any            `json:"progress,omitempty"`
	Result      any            `json:"result"`
	Error       *string        `json:"error"`
	// ReleaseReason records the reason supplied on a voluntary release.
	ReleaseReason string `json:"releaseReason,omitempty"`
}

// LeaseExpired reports whether the job is running with a lease that has
// already elapsed at the given instant.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == StatusRunning && j.LeaseUntil != nil && !j.LeaseUntil.After(now)
}

// EventType discriminates entries in a job's event log.
type EventType string

const (
	EventCreated   EventType = "job.created"
	EventClaimed   EventType = "job.claimed"
	EventHeartbeat EventType = "job.heartbeat"
	EventCompleted EventType = "job.completed"
	EventFailed    EventType = "job.failed"
	EventReleased  EventType = "job.released"
	EventComment   EventType = "job.comment"
	EventExpired   EventType = "job.expired"
	EventDead      EventType = "job.dead"
)

// Event is one line in a job's append-only event log. Events are
// diagnostic; the job record is the authoritative state.
type Event struct {
	T        Time      `json:"t"`
	Type     EventType `json:"type"`
	By       string    `json:"by"`
	Reason   string    `json:"reason,omitempty"`
	Requeued *bool     `json:"requeued,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
	Text     string    `json:"text,omitempty"`
	Progress any       `json:"progress,omitempty"`
}

// NewID returns a URL-safe, collision-resistant job identifier:
// 16 random bytes, base64 raw-URL encoded (22 characters).
func NewID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// a timestamp-derived id rather than aborting the request.
		return fmt.Sprintf("t%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
