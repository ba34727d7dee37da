package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arnavshah/ecs-timetable/pkg/apperrors"
	"github.com/arnavshah/ecs-timetable/pkg/database"
	"github.com/arnavshah/ecs-timetable/pkg/lock"
	"github.com/arnavshah/ecs-timetable/pkg/models"
	"github.com/arnavshah/ecs-timetable/pkg/timetable"
)

var meetingStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeStore serves a fixed agenda of n entries. With block set, every load
// after the first waits for its context. With applyGate set, ApplyOrder
// signals applying and waits for the gate to close.
type fakeStore struct {
	n         int
	block     bool
	applying  chan struct{}
	applyGate chan struct{}

	mu      sync.Mutex
	loads   int
	applied [][]uint
	set     []string
	current string
}

func (f *fakeStore) LoadTimetable(ctx context.Context, meetingID uint) (*timetable.Timetable, *database.Meeting, error) {
	f.mu.Lock()
	f.loads++
	wait := f.block && f.loads > 1
	f.mu.Unlock()
	if wait {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}

	users := []string{"alice", "bob", "carol"}
	entries := make([]*timetable.Entry, f.n)
	for i := range entries {
		idx := i
		entries[i] = &timetable.Entry{
			ID:       uint(i + 1),
			Index:    &idx,
			Duration: time.Duration(10*(i+1)) * time.Minute,
			IsOpen:   true,
			Participations: []timetable.Participation{
				{UserID: users[i%len(users)]},
			},
		}
	}
	tt, err := timetable.New(meetingStart, entries, nil)
	if err != nil {
		return nil, nil, err
	}
	return tt, &database.Meeting{ID: meetingID, Start: meetingStart}, nil
}

func (f *fakeStore) ApplyOrder(_ context.Context, _ uint, order []uint) error {
	if f.applyGate != nil {
		select {
		case f.applying <- struct{}{}:
		default:
		}
		<-f.applyGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, order)
	return nil
}

func (f *fakeStore) SetOptimizationTask(_ context.Context, _ uint, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = append(f.set, taskID)
	f.current = taskID
	return nil
}

func (f *fakeStore) ClearOptimizationTask(_ context.Context, _ uint, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == taskID {
		f.current = ""
	}
	return nil
}

func (f *fakeStore) snapshot() (applied [][]uint, set []string, current string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]uint(nil), f.applied...), append([]string(nil), f.set...), f.current
}

func newRunner(store Store, timeout time.Duration) *Runner {
	return NewRunner(store, lock.NewMemoryLocker(), zap.NewNop(), Options{
		Timeout:        timeout,
		PopulationSize: 20,
		Generations:    10,
	})
}

func waitFinished(t *testing.T, r *Runner, id string) Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if task, ok := r.Get(id); ok && task.Status.Finished() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return Task{}
}

func appCode(err error) apperrors.Code {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func TestSubmitAppliesOrder(t *testing.T) {
	store := &fakeStore{n: 5}
	r := newRunner(store, time.Minute)

	task, err := r.Submit(context.Background(), 1, "genetic", models.AlgorithmParameters{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitFinished(t, r, task.ID)
	if done.Status != StatusSucceeded {
		t.Fatalf("Expected success, got %s (%s)", done.Status, done.Error)
	}
	if len(done.Order) != 5 || done.Before == nil || done.After == nil {
		t.Errorf("Incomplete result: %+v", done)
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	applied, set, current := store.snapshot()
	if len(applied) != 1 {
		t.Fatalf("Expected one applied order, got %d", len(applied))
	}
	if len(set) != 1 || set[0] != task.ID || current != "" {
		t.Errorf("Expected the task id to be set then cleared, got %v (current %q)", set, current)
	}
}

func TestSubmitRejectsConcurrentRun(t *testing.T) {
	store := &fakeStore{n: 3}
	locker := lock.NewMemoryLocker()
	lease, err := locker.Acquire(context.Background(), lock.MeetingKey(7), time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()
	r := NewRunner(store, locker, zap.NewNop(), Options{Timeout: time.Minute})

	_, err = r.Submit(context.Background(), 7, "random", models.AlgorithmParameters{})
	if appCode(err) != apperrors.CodeAlreadyRunning {
		t.Errorf("Expected ALREADY_RUNNING, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	r := newRunner(&fakeStore{n: 9}, time.Minute)

	if _, err := r.Submit(context.Background(), 1, "annealing", models.AlgorithmParameters{}); appCode(err) != apperrors.CodeInvalidArgument {
		t.Errorf("Expected INVALID_ARGUMENT for an unknown algorithm, got %v", err)
	}
	if _, err := r.Submit(context.Background(), 1, "brute_force", models.AlgorithmParameters{}); appCode(err) != apperrors.CodeTooLarge {
		t.Errorf("Expected TOO_LARGE for 9 entries, got %v", err)
	}
	huge := models.AlgorithmParameters{PopulationSize: 1_000_000}
	if _, err := r.Submit(context.Background(), 1, "genetic", huge); appCode(err) != apperrors.CodeInvalidArgument {
		t.Errorf("Expected INVALID_ARGUMENT for an oversized population, got %v", err)
	}
}

func TestCancelAppliesNothing(t *testing.T) {
	store := &fakeStore{n: 4, block: true}
	r := newRunner(store, time.Minute)

	task, err := r.Submit(context.Background(), 1, "genetic", models.AlgorithmParameters{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := r.Cancel(task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	done := waitFinished(t, r, task.ID)
	if done.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", done.Status)
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	applied, _, current := store.snapshot()
	if len(applied) != 0 {
		t.Errorf("Expected nothing applied, got %v", applied)
	}
	if current != "" {
		t.Errorf("Expected the task id to be cleared, got %q", current)
	}

	if err := r.Cancel("missing"); appCode(err) != apperrors.CodeNotFound {
		t.Errorf("Expected NOT_FOUND for an unknown task, got %v", err)
	}
}

func TestLockReleasedAfterRun(t *testing.T) {
	store := &fakeStore{n: 3}
	r := newRunner(store, time.Minute)

	first, err := r.Submit(context.Background(), 1, "random", models.AlgorithmParameters{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFinished(t, r, first.ID)
	// the lock is released after the task is marked finished
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	r2 := NewRunner(store, r.locker, zap.NewNop(), Options{Timeout: time.Minute})
	second, err := r2.Submit(context.Background(), 1, "brute_force", models.AlgorithmParameters{})
	if err != nil {
		t.Fatalf("Expected a second run to start, got %v", err)
	}
	if done := waitFinished(t, r2, second.ID); done.Status != StatusSucceeded {
		t.Errorf("Expected success, got %s (%s)", done.Status, done.Error)
	}
	_ = r2.Shutdown(context.Background())
}

func TestPrune(t *testing.T) {
	r := newRunner(&fakeStore{n: 1}, time.Minute)
	defer r.Shutdown(context.Background())

	old := time.Now().Add(-2 * time.Hour)
	r.tasks["old"] = &Task{ID: "old", Status: StatusSucceeded, FinishedAt: &old}
	r.tasks["live"] = &Task{ID: "live", Status: StatusRunning}
	r.prune(time.Now())

	if _, ok := r.Get("old"); ok {
		t.Error("Expected the old task to be pruned")
	}
	if _, ok := r.Get("live"); !ok {
		t.Error("Expected the running task to be kept")
	}
}

func TestLockHeldUntilRunEnds(t *testing.T) {
	store := &fakeStore{n: 4, applying: make(chan struct{}, 1), applyGate: make(chan struct{})}
	r := NewRunner(store, lock.NewMemoryLocker(), zap.NewNop(), Options{
		Timeout:        20 * time.Millisecond,
		LockTTL:        60 * time.Millisecond,
		PopulationSize: 20,
		Generations:    10,
	})

	first, err := r.Submit(context.Background(), 1, "genetic", models.AlgorithmParameters{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-store.applying:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached ApplyOrder")
	}

	// past the run timeout and several lock TTLs, the run is still applying
	time.Sleep(250 * time.Millisecond)
	if _, err := r.Submit(context.Background(), 1, "random", models.AlgorithmParameters{}); appCode(err) != apperrors.CodeAlreadyRunning {
		t.Errorf("Expected ALREADY_RUNNING while the first run applies, got %v", err)
	}

	close(store.applyGate)
	if done := waitFinished(t, r, first.ID); done.Status != StatusSucceeded {
		t.Errorf("Expected success, got %s (%s)", done.Status, done.Error)
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, set, current := store.snapshot()
	if len(set) != 1 || current != "" {
		t.Errorf("Expected only the first task to be recorded and cleared, got %v (current %q)", set, current)
	}
}

func TestClearKeepsNewerTaskID(t *testing.T) {
	store := &fakeStore{n: 3, applying: make(chan struct{}, 1), applyGate: make(chan struct{})}
	r := newRunner(store, time.Minute)

	task, err := r.Submit(context.Background(), 1, "random", models.AlgorithmParameters{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-store.applying
	// another instance records its own run before this one finishes
	_ = store.SetOptimizationTask(context.Background(), 1, "other")
	close(store.applyGate)

	waitFinished(t, r, task.ID)
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, _, current := store.snapshot(); current != "other" {
		t.Errorf("Expected the newer task id to survive, got %q", current)
	}
}

func TestTimedOutRunAppliesBestSoFar(t *testing.T) {
	store := &fakeStore{n: 30}
	r := NewRunner(store, lock.NewMemoryLocker(), zap.NewNop(), Options{
		Timeout:        50 * time.Millisecond,
		PopulationSize: 50,
		Generations:    1_000_000,
	})

	task, err := r.Submit(context.Background(), 1, "genetic", models.AlgorithmParameters{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitFinished(t, r, task.ID)
	if done.Status != StatusSucceeded || !done.TimedOut {
		t.Fatalf("Expected a timed out success, got %s timed_out=%v (%s)", done.Status, done.TimedOut, done.Error)
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	applied, _, _ := store.snapshot()
	if len(applied) != 1 {
		t.Fatalf("Expected the best order to be applied once, got %d", len(applied))
	}
	seen := make(map[uint]bool)
	for _, id := range applied[0] {
		seen[id] = true
	}
	if len(applied[0]) != 30 || len(seen) != 30 {
		t.Errorf("Expected a permutation of the 30 entries, got %v", applied[0])
	}
	if done.After.WaitingTimeTotal > done.Before.WaitingTimeTotal {
		t.Errorf("Expected no more waiting time, got %d > %d", done.After.WaitingTimeTotal, done.Before.WaitingTimeTotal)
	}
}
