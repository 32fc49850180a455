package jobs

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/garnizeh/spine/internal/auth"
	"github.com/garnizeh/spine/internal/job"
	"github.com/garnizeh/spine/internal/store"
)

const testLease = 300 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager returns a manager over a temp store with a controllable
// clock.
func newTestManager(t *testing.T) (*Manager, *store.Store, *time.Time) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	now := time.Now().UTC()
	m := NewManager(st, testLease, 3, nil, discardLogger())
	m.now = func() time.Time { return now }
	return m, st, &now
}

// checkInvariants asserts the record-level invariants that must hold
// after every successful operation.
func checkInvariants(t *testing.T, j *job.Job) {
	t.Helper()
	running := j.Status == job.StatusRunning
	if running != (j.ClaimedBy != nil) || running != (j.LeaseUntil != nil) {
		t.Fatalf("running invariant violated: status=%s claimedBy=%v leaseUntil=%v",
			j.Status, j.ClaimedBy, j.LeaseUntil)
	}
	if j.Attempts < 0 || j.Attempts > j.MaxAttempts {
		t.Fatalf("attempts out of range: %d/%d", j.Attempts, j.MaxAttempts)
	}
}

func mustCreate(t *testing.T, m *Manager, p CreateParams) *job.Job {
	t.Helper()
	j, err := m.Create(p)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	checkInvariants(t, j)
	return j
}

func TestCreateDefaults(t *testing.T) {
	m, _, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Spec: "noop"})

	if j.Target != job.TargetAny {
		t.Fatalf("expected default target any, got %s", j.Target)
	}
	if j.Status != job.StatusQueued || j.Attempts != 0 {
		t.Fatalf("expected queued with 0 attempts, got %s/%d", j.Status, j.Attempts)
	}
	if j.MaxAttempts != 3 {
		t.Fatalf("expected default maxAttempts 3, got %d", j.MaxAttempts)
	}
	if j.CreatedBy != "head" {
		t.Fatalf("expected createdBy head, got %s", j.CreatedBy)
	}
	if len(j.ID) != 22 {
		t.Fatalf("expected 22-char id, got %q", j.ID)
	}

	evs, err := m.Events(auth.RoleHead, j.ID)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != job.EventCreated {
		t.Fatalf("expected single job.created event, got %v", evs)
	}
}

func TestCreateInvalidTarget(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Create(CreateParams{Target: "pincer"}); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
}

// Scenario: create-claim-complete happy path.
func TestCreateClaimComplete(t *testing.T) {
	m, _, _ := newTestManager(t)
	created := mustCreate(t, m, CreateParams{Target: job.TargetLeftClaw, Spec: "do stuff", MaxAttempts: 2})

	queued, err := m.List(auth.RoleLeftClaw, ListFilter{Status: job.StatusQueued})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != created.ID {
		t.Fatalf("expected created job in queued list, got %v", queued)
	}

	claimed, err := m.Claim(auth.RoleLeftClaw, created.ID)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	checkInvariants(t, claimed)
	if claimed.Status != job.StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("expected running/1, got %s/%d", claimed.Status, claimed.Attempts)
	}
	if claimed.ClaimedBy == nil || *claimed.ClaimedBy != "left-claw" {
		t.Fatalf("expected claimedBy left-claw, got %v", claimed.ClaimedBy)
	}

	done, err := m.Complete(auth.RoleLeftClaw, created.ID, "ok")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != job.StatusDone || done.Result != "ok" {
		t.Fatalf("expected done/ok, got %s/%v", done.Status, done.Result)
	}
	// claimedBy survives completion as an audit field
	if done.ClaimedBy == nil || *done.ClaimedBy != "left-claw" {
		t.Fatalf("expected claimedBy retained after complete, got %v", done.ClaimedBy)
	}
	if done.LeaseUntil != nil {
		t.Fatalf("expected lease cleared after complete")
	}
}

// Scenario: ownership checks with head override.
func TestOwnership(t *testing.T) {
	m, _, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetLeftClaw})
	if _, err := m.Claim(auth.RoleLeftClaw, j.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if _, err := m.Heartbeat(auth.RoleRightClaw, j.ID, nil); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for right-claw heartbeat, got %v", err)
	}
	if _, err := m.Heartbeat(auth.RoleHead, j.ID, nil); err != nil {
		t.Fatalf("head heartbeat failed: %v", err)
	}
	if _, err := m.Complete(auth.RoleRightClaw, j.ID, nil); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for right-claw complete, got %v", err)
	}

	requeue := false
	failed, err := m.Fail(auth.RoleHead, j.ID, nil, &requeue)
	if err != nil {
		t.Fatalf("head fail failed: %v", err)
	}
	if failed.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	checkInvariants(t, failed)
}

// Scenario: attempts exhausted, job goes dead and stays dead.
func TestFailAtMaxAttemptsGoesDead(t *testing.T) {
	m, _, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetLeftClaw, MaxAttempts: 1})

	if _, err := m.Claim(auth.RoleLeftClaw, j.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	// default requeue, but attempts >= maxAttempts forces dead
	failed, err := m.Fail(auth.RoleLeftClaw, j.ID, nil, nil)
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if failed.Status != job.StatusDead {
		t.Fatalf("expected dead, got %s", failed.Status)
	}
	if _, err := m.Claim(auth.RoleLeftClaw, j.ID); !errors.Is(err, ErrTerminalStatus) {
		t.Fatalf("expected ErrTerminalStatus on dead claim, got %v", err)
	}
}

// Scenario: transient failure, requeue, then success.
func TestRetryThenComplete(t *testing.T) {
	m, _, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetLeftClaw, MaxAttempts: 5})

	if _, err := m.Claim(auth.RoleLeftClaw, j.ID); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	msg := "transient"
	requeue := true
	failed, err := m.Fail(auth.RoleLeftClaw, j.ID, &msg, &requeue)
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if failed.Status != job.StatusQueued || failed.Error == nil || *failed.Error != "transient" {
		t.Fatalf("expected queued with error, got %s/%v", failed.Status, failed.Error)
	}
	checkInvariants(t, failed)

	second, err := m.Claim(auth.RoleLeftClaw, j.ID)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if second.Attempts != 2 {
		t.Fatalf("expected attempts 2, got %d", second.Attempts)
	}
	done, err := m.Complete(auth.RoleLeftClaw, j.ID, nil)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != job.StatusDone || done.Error != nil {
		t.Fatalf("expected done without error, got %s/%v", done.Status, done.Error)
	}
}

// Scenario: any-target jobs are claimable by either claw.
func TestAnyTarget(t *testing.T) {
	m, _, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetAny})

	claimed, err := m.Claim(auth.RoleRightClaw, j.ID)
	if err != nil {
		t.Fatalf("right-claw claim failed: %v", err)
	}
	if *claimed.ClaimedBy != "right-claw" {
		t.Fatalf("expected right-claw owner, got %v", claimed.ClaimedBy)
	}
	if _, err := m.Complete(auth.RoleRightClaw, j.ID, nil); err != nil {
		t.Fatalf("right-claw complete failed: %v", err)
	}
}

func TestClaimWrongTargetForbidden(t *testing.T) {
	m, _, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetRightClaw})

	if _, err := m.Claim(auth.RoleLeftClaw, j.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := m.Claim(auth.RoleHead, j.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for head claim, got %v", err)
	}
}

func TestClaimRunningUnexpired(t *testing.T) {
	m, _, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetAny})
	if _, err := m.Claim(auth.RoleLeftClaw, j.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := m.Claim(auth.RoleRightClaw, j.ID); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	m, _, now := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetAny, MaxAttempts: 3})
	if _, err := m.Claim(auth.RoleLeftClaw, j.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	*now = now.Add(testLease + time.Second)

	reclaimed, err := m.Claim(auth.RoleRightClaw, j.ID)
	if err != nil {
		t.Fatalf("expected expired lease to be reclaimable, got %v", err)
	}
	checkInvariants(t, reclaimed)
	if reclaimed.Attempts != 2 || *reclaimed.ClaimedBy != "right-claw" {
		t.Fatalf("expected attempts 2 owned by right-claw, got %d/%v",
			reclaimed.Attempts, reclaimed.ClaimedBy)
	}
}

func TestClaimAtMaxAttemptsMarksDead(t *testing.T) {
	m, st, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetAny, MaxAttempts: 1})

	// force a queued record that already consumed its attempts
	j.Attempts = 1
	if err := st.WriteAtomic(j.ID, j); err != nil {
		t.Fatalf("WriteAtomic failed: %v", err)
	}

	if _, err := m.Claim(auth.RoleLeftClaw, j.ID); !errors.Is(err, ErrMaxAttempts) {
		t.Fatalf("expected ErrMaxAttempts, got %v", err)
	}
	got, err := st.Read(j.ID)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.Status != job.StatusDead {
		t.Fatalf("expected record transitioned to dead, got %s", got.Status)
	}
}

func TestHeartbeatIdempotentExtendsLease(t *testing.T) {
	m, _, now := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetAny})
	claimed, err := m.Claim(auth.RoleLeftClaw, j.ID)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	firstLease := *claimed.LeaseUntil

	*now = now.Add(10 * time.Second)
	hb1, err := m.Heartbeat(auth.RoleLeftClaw, j.ID, "50%")
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	hb2, err := m.Heartbeat(auth.RoleLeftClaw, j.ID, nil)
	if err != nil {
		t.Fatalf("second Heartbeat failed: %v", err)
	}

	if hb2.Status != job.StatusRunning || hb2.Attempts != claimed.Attempts ||
		*hb2.ClaimedBy != *claimed.ClaimedBy {
		t.Fatalf("heartbeat mutated status/attempts/claimedBy")
	}
	if !hb1.LeaseUntil.After(firstLease.Time) {
		t.Fatalf("expected lease to advance: %v -> %v", firstLease, hb1.LeaseUntil)
	}
	if hb2.Progress != "50%" {
		t.Fatalf("expected progress preserved, got %v", hb2.Progress)
	}
}

func TestHeartbeatNotRunning(t *testing.T) {
	m, _, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetAny})
	if _, err := m.Heartbeat(auth.RoleLeftClaw, j.ID, nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestReleaseKeepsAttempts(t *testing.T) {
	m, _, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetAny})
	if _, err := m.Claim(auth.RoleLeftClaw, j.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	released, err := m.Release(auth.RoleLeftClaw, j.ID, "preempted")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	checkInvariants(t, released)
	if released.Status != job.StatusQueued || released.Attempts != 1 {
		t.Fatalf("expected queued with attempts 1, got %s/%d", released.Status, released.Attempts)
	}
	if released.ReleaseReason != "preempted" {
		t.Fatalf("expected release reason recorded, got %q", released.ReleaseReason)
	}
}

func TestCommentAppendsOnly(t *testing.T) {
	m, _, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetRightClaw, Spec: "s"})

	before, err := m.Get(auth.RoleHead, j.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	commented, err := m.Comment(auth.RoleRightClaw, j.ID, "on it")
	if err != nil {
		t.Fatalf("Comment failed: %v", err)
	}
	if len(commented.Comments) != 1 || commented.Comments[0].By != "right-claw" ||
		commented.Comments[0].Text != "on it" {
		t.Fatalf("unexpected comments: %v", commented.Comments)
	}
	// nothing but updatedAt and comments changed
	if commented.Status != before.Status || commented.Attempts != before.Attempts ||
		commented.Spec != before.Spec {
		t.Fatalf("comment mutated unrelated fields")
	}

	if _, err := m.Comment(auth.RoleLeftClaw, j.ID, "nope"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for left-claw comment, got %v", err)
	}
}

func TestTerminalStatusesAreSticky(t *testing.T) {
	m, _, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetAny})
	if _, err := m.Claim(auth.RoleLeftClaw, j.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := m.Complete(auth.RoleLeftClaw, j.ID, "done"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if _, err := m.Heartbeat(auth.RoleHead, j.ID, nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if _, err := m.Fail(auth.RoleHead, j.ID, nil, nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if _, err := m.Release(auth.RoleHead, j.ID, ""); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if _, err := m.Claim(auth.RoleLeftClaw, j.ID); !errors.Is(err, ErrTerminalStatus) {
		t.Fatalf("expected ErrTerminalStatus, got %v", err)
	}

	// repeated gets of a terminal job are stable
	a, err := m.Get(auth.RoleHead, j.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	b, err := m.Get(auth.RoleHead, j.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.UpdatedAt != b.UpdatedAt || a.Status != b.Status || a.Result != b.Result {
		t.Fatalf("terminal job not stable across gets")
	}
}

func TestGetVisibility(t *testing.T) {
	m, _, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetLeftClaw})

	if _, err := m.Get(auth.RoleRightClaw, j.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := m.Get(auth.RoleHead, "nonexistent-id-0000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	m, _, _ := newTestManager(t)
	left := mustCreate(t, m, CreateParams{Target: job.TargetLeftClaw})
	mustCreate(t, m, CreateParams{Target: job.TargetRightClaw})
	anyJob := mustCreate(t, m, CreateParams{Target: job.TargetAny})

	visible, err := m.List(auth.RoleLeftClaw, ListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(visible) != 2 {
		t.Fatalf("expected left-claw to see 2 jobs, got %d", len(visible))
	}

	all, err := m.List(auth.RoleHead, ListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected head to see 3 jobs, got %d", len(all))
	}

	byTarget, err := m.List(auth.RoleHead, ListFilter{Target: job.TargetLeftClaw})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(byTarget) != 1 || byTarget[0].ID != left.ID {
		t.Fatalf("unexpected target filter result: %v", byTarget)
	}

	if _, err := m.Claim(auth.RoleRightClaw, anyJob.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	running, err := m.List(auth.RoleHead, ListFilter{Status: job.StatusRunning})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(running) != 1 || running[0].ID != anyJob.ID {
		t.Fatalf("unexpected status filter result: %v", running)
	}
}

// At most one concurrent caller observes a successful claim.
func TestConcurrentClaimSingleWinner(t *testing.T) {
	m, _, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetAny, MaxAttempts: 10})

	const callers = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range callers {
		wg.Add(1)
		role := auth.RoleLeftClaw
		if i%2 == 1 {
			role = auth.RoleRightClaw
		}
		go func() {
			defer wg.Done()
			_, err := m.Claim(role, j.ID)
			switch {
			case err == nil:
				mu.Lock()
				wins++
				mu.Unlock()
			case errors.Is(err, ErrLocked), errors.Is(err, ErrAlreadyClaimed):
				// expected for the losers
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins)
	}
	got, err := m.Get(auth.RoleHead, j.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempts 1 after race, got %d", got.Attempts)
	}
}

func TestOperationsFailWhileLocked(t *testing.T) {
	m, st, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetAny})

	if err := st.Lock(j.ID); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer st.Unlock(j.ID)

	if _, err := m.Claim(auth.RoleLeftClaw, j.ID); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := m.Comment(auth.RoleHead, j.ID, "hi"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestEventTrail(t *testing.T) {
	m, _, _ := newTestManager(t)
	j := mustCreate(t, m, CreateParams{Target: job.TargetAny})
	if _, err := m.Claim(auth.RoleLeftClaw, j.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := m.Heartbeat(auth.RoleLeftClaw, j.ID, nil); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if _, err := m.Complete(auth.RoleLeftClaw, j.ID, nil); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	evs, err := m.Events(auth.RoleHead, j.ID)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	want := []job.EventType{job.EventCreated, job.EventClaimed, job.EventHeartbeat, job.EventCompleted}
	if len(evs) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(evs))
	}
	for i, w := range want {
		if evs[i].Type != w {
			t.Fatalf("event %d: expected %s, got %s", i, w, evs[i].Type)
		}
	}
}
