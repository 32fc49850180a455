// Package store implements the on-disk persistence layer: atomic per-job
// JSON records, append-only per-job event logs, exclusive-create lock
// files used as the claim mutex, and an opaque blob sink.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/garnizeh/spine/internal/job"
)

var (
	// ErrNotFound indicates the requested job record does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrLocked indicates the per-job lock is held by another caller.
	ErrLocked = errors.New("job is locked")
)

const recordSuffix = ".json"

// Store provides access to the data directory. All methods are safe for
// concurrent use; writers to the same job must hold the job lock.
type Store struct {
	jobsDir   string
	eventsDir string
	blobsDir  string
}

// New creates the jobs, events and blobs subdirectories under dataDir
// and returns a Store rooted there.
func New(dataDir string) (*Store, error) {
	s := &Store{
		jobsDir:   filepath.Join(dataDir, "jobs"),
		eventsDir: filepath.Join(dataDir, "events"),
		blobsDir:  filepath.Join(dataDir, "blobs"),
	}
	for _, dir := range []string{s.jobsDir, s.eventsDir, s.blobsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return s, nil
}

// validID rejects identifiers that could escape the data directory.
// Generated ids are base64 raw-URL alphabet only.
func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.jobsDir, id+recordSuffix)
}

// Read returns the job record for id, or ErrNotFound.
func (s *Store) Read(id string) (*job.Job, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	b, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	var j job.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("parse job %s: %w", id, err)
	}
	return &j, nil
}

// WriteAtomic persists the record by writing a temp file adjacent to the
// target and renaming it into place. Readers never observe a partial
// record; a crash mid-write leaves at worst a stray temp file that the
// next write supersedes and listings ignore.
func (s *Store) WriteAtomic(id string, j *job.Job) error {
	if !validID(id) {
		return fmt.Errorf("invalid job id %q", id)
	}
	b, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", id, err)
	}
	tmp, err := os.CreateTemp(s.jobsDir, id+recordSuffix+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp for job %s: %w", id, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp for job %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for job %s: %w", id, err)
	}
	if err := os.Rename(tmpName, s.recordPath(id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename job %s: %w", id, err)
	}
	return nil
}

// AppendEvent appends one serialized event plus newline to the job's
// event log. Each append is a single small write, so concurrent appends
// do not interleave within a line.
func (s *Store) AppendEvent(id string, ev job.Event) error {
	if !validID(id) {
		return fmt.Errorf("invalid job id %q", id)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event for job %s: %w", id, err)
	}
	path := filepath.Join(s.eventsDir, id+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log for job %s: %w", id, err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append event for job %s: %w", id, err)
	}
	return nil
}

// ReadEvents returns all events logged for the job, in append order.
// A missing log yields an empty slice.
func (s *Store) ReadEvents(id string) ([]job.Event, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	b, err := os.ReadFile(filepath.Join(s.eventsDir, id+".jsonl"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read event log for job %s: %w", id, err)
	}
	var out []job.Event
	for _, line := range strings.Split(string(b), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var ev job.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return out, fmt.Errorf("parse event for job %s: %w", id, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// List enumerates all canonical job records, sorted by createdAt
// ascending. Records that fail to read or parse are skipped and reported
// through the joined error alongside the readable records, so sweeps can
// log and continue.
func (s *Store) List() ([]*job.Job, error) {
	entries, err := os.ReadDir(s.jobsDir)
	if err != nil {
		return nil, fmt.Errorf("list jobs dir: %w", err)
	}
	var out []*job.Job
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			// lock files and tmp files are not records
			continue
		}
		id := strings.TrimSuffix(name, recordSuffix)
		j, err := s.Read(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt.Time) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt.Time)
	})
	return out, errors.Join(errs...)
}

// Lock acquires the per-job mutex by exclusively creating <id>.lock next
// to the record. ErrLocked means another caller holds it; the caller is
// expected to retry. Stale lock files left by a crashed process must be
// cleared by an operator.
func (s *Store) Lock(id string) error {
	if !validID(id) {
		return fmt.Errorf("invalid job id %q", id)
	}
	f, err := os.OpenFile(filepath.Join(s.jobsDir, id+".lock"),
		os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrLocked
		}
		return fmt.Errorf("create lock for job %s: %w", id, err)
	}
	return f.Close()
}

// Unlock releases the per-job mutex. Safe to call even if the lock file
// is already gone.
func (s *Store) Unlock(id string) {
	_ = os.Remove(filepath.Join(s.jobsDir, id+".lock"))
}

// WriteBlob stores an opaque byte stream under a fresh id and returns
// the id and byte count.
func (s *Store) WriteBlob(r io.Reader) (string, int64, error) {
	id := job.NewID()
	f, err := os.OpenFile(filepath.Join(s.blobsDir, id),
		os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create blob: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(filepath.Join(s.blobsDir, id))
		return "", 0, fmt.Errorf("write blob: %w", err)
	}
	return id, n, nil
}

// OpenBlob opens a stored blob for reading, or returns ErrNotFound.
func (s *Store) OpenBlob(id string) (io.ReadCloser, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.blobsDir, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}
	return f, nil
}
