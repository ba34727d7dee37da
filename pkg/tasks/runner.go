// Package tasks runs timetable optimizations in the background. A run holds
// the meeting's lock from submission until it finishes, extending it while
// it works, and the meeting's optimization_task_id is cleared however the
// run ends.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arnavshah/ecs-timetable/pkg/apperrors"
	"github.com/arnavshah/ecs-timetable/pkg/database"
	"github.com/arnavshah/ecs-timetable/pkg/lock"
	"github.com/arnavshah/ecs-timetable/pkg/models"
	"github.com/arnavshah/ecs-timetable/pkg/scheduler"
	"github.com/arnavshah/ecs-timetable/pkg/timetable"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Finished reports whether the status is final
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Task is the state of one optimization run
type Task struct {
	ID         string                `json:"id"`
	MeetingID  uint                  `json:"meeting_id"`
	Algorithm  scheduler.Algorithm   `json:"algorithm"`
	Status     Status                `json:"status"`
	Error      string                `json:"error,omitempty"`
	TimedOut   bool                  `json:"timed_out,omitempty"`
	Order      []uint                `json:"order,omitempty"`
	Before     *models.MetricsReport `json:"before,omitempty"`
	After      *models.MetricsReport `json:"after,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
}

// Store is the persistence the runner needs
type Store interface {
	LoadTimetable(ctx context.Context, meetingID uint) (*timetable.Timetable, *database.Meeting, error)
	ApplyOrder(ctx context.Context, meetingID uint, order []uint) error
	SetOptimizationTask(ctx context.Context, meetingID uint, taskID string) error
	ClearOptimizationTask(ctx context.Context, meetingID uint, taskID string) error
}

type Options struct {
	// Timeout bounds every run; the best ordering found so far is applied
	// when it expires.
	Timeout        time.Duration
	// LockTTL is the expiry of the meeting lock. A running task extends it
	// every third of the TTL, so it only bounds how long a crashed process
	// keeps the meeting blocked.
	LockTTL        time.Duration
	PopulationSize int
	Generations    int
	// Retention is how long finished tasks stay queryable
	Retention      time.Duration
}

// Runner starts and tracks optimization tasks
type Runner struct {
	store  Store
	locker lock.Locker
	log    *zap.Logger
	opts   Options

	mu      sync.RWMutex
	tasks   map[string]*Task
	cancels map[string]context.CancelFunc

	wg   sync.WaitGroup
	base context.Context
	stop context.CancelFunc
}

// NewRunner starts the runner's cleanup of finished tasks; stop it with
// Shutdown
func NewRunner(store Store, locker lock.Locker, log *zap.Logger, opts Options) *Runner {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	base, stop := context.WithCancel(context.Background())
	r := &Runner{
		store:   store,
		locker:  locker,
		log:     log,
		opts:    opts,
		tasks:   make(map[string]*Task),
		cancels: make(map[string]context.CancelFunc),
		base:    base,
		stop:    stop,
	}
	go r.cleanupFinished()
	return r
}

// Submit validates the request, takes the meeting's lock and starts the run
// in the background.
func (r *Runner) Submit(ctx context.Context, meetingID uint, algorithm string, params models.AlgorithmParameters) (*Task, error) {
	alg, err := scheduler.ParseAlgorithm(algorithm)
	if err != nil {
		return nil, apperrors.InvalidArgument(err)
	}
	if err := params.Validate(); err != nil {
		return nil, apperrors.InvalidArgument(err)
	}
	tt, _, err := r.store.LoadTimetable(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if err := checkSize(tt, alg); err != nil {
		return nil, err
	}

	lease, err := r.locker.Acquire(ctx, lock.MeetingKey(meetingID), r.opts.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, apperrors.AlreadyRunning(meetingID)
		}
		return nil, apperrors.Internal(err)
	}

	task := &Task{
		ID:        uuid.NewString(),
		MeetingID: meetingID,
		Algorithm: alg,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.SetOptimizationTask(ctx, meetingID, task.ID); err != nil {
		lease.Release()
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(r.base, r.opts.Timeout)
	r.mu.Lock()
	r.tasks[task.ID] = task
	r.cancels[task.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(runCtx, cancel, task, params, lease)

	snapshot := *task
	return &snapshot, nil
}

func (r *Runner) run(ctx context.Context, cancelRun context.CancelFunc, task *Task, params models.AlgorithmParameters, lease lock.Lease) {
	log := r.log.With(
		zap.String("task_id", task.ID),
		zap.Uint("meeting_id", task.MeetingID),
		zap.String("algorithm", string(task.Algorithm)),
	)
	defer r.wg.Done()
	defer lease.Release()
	defer func() {
		// the run context may be done by now
		clearCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.ClearOptimizationTask(clearCtx, task.MeetingID, task.ID); err != nil {
			log.Error("failed to clear optimization task", zap.Error(err))
		}
	}()

	var lost atomic.Bool
	stopKeepAlive := make(chan struct{})
	keepAliveDone := make(chan struct{})
	go func() {
		defer close(keepAliveDone)
		r.keepAlive(lease, stopKeepAlive, func() {
			lost.Store(true)
			cancelRun()
		}, log)
	}()
	defer func() {
		close(stopKeepAlive)
		<-keepAliveDone
	}()

	r.update(task.ID, func(t *Task) { t.Status = StatusRunning })
	log.Info("optimizing timetable")
	started := time.Now()

	res, err := r.OptimizeMeeting(ctx, task.MeetingID, task.Algorithm, params)

	switch {
	case lost.Load():
		log.Error("meeting lock lost, discarding result")
		r.finish(task.ID, StatusFailed, nil, lock.ErrLost)
		return
	case errors.Is(ctx.Err(), context.Canceled):
		log.Info("optimization cancelled")
		r.finish(task.ID, StatusCancelled, nil, nil)
		return
	case err != nil:
		log.Error("optimization failed", zap.Error(err))
		r.finish(task.ID, StatusFailed, nil, err)
		return
	}

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	applyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.store.ApplyOrder(applyCtx, task.MeetingID, res.Order); err != nil {
		log.Error("failed to apply optimized order", zap.Error(err))
		r.finish(task.ID, StatusFailed, nil, err)
		return
	}

	log.Info("optimization applied",
		zap.Duration("took", time.Since(started)),
		zap.Bool("timed_out", timedOut),
		zap.Int64("waiting_time_before", res.Before.WaitingTimeTotal),
		zap.Int64("waiting_time_after", res.After.WaitingTimeTotal),
	)
	r.finish(task.ID, StatusSucceeded, func(t *Task) {
		t.Order = res.Order
		t.Before = &res.Before
		t.After = &res.After
		t.TimedOut = timedOut
	}, nil)
}

// keepAlive extends the lease until stop is closed. onLost is called once
// when the lease turns out to be held by someone else.
func (r *Runner) keepAlive(lease lock.Lease, stop <-chan struct{}, onLost func(), log *zap.Logger) {
	interval := r.opts.LockTTL / 3
	if interval <= 0 {
		interval = r.opts.LockTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := lease.Extend(ctx, r.opts.LockTTL)
			cancel()
			if errors.Is(err, lock.ErrLost) {
				onLost()
				return
			}
			if err != nil {
				log.Warn("failed to extend meeting lock", zap.Error(err))
			}
		}
	}
}

// Result is the outcome of optimizing a meeting's agenda
type Result struct {
	Order  []uint
	Before models.MetricsReport
	After  models.MetricsReport
}

// OptimizeMeeting computes a better agenda order for the meeting without
// storing it. Batch processed entries keep their place after the others.
func (r *Runner) OptimizeMeeting(ctx context.Context, meetingID uint, alg scheduler.Algorithm, params models.AlgorithmParameters) (*Result, error) {
	tt, _, err := r.store.LoadTimetable(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if err := checkSize(tt, alg); err != nil {
		return nil, err
	}

	entries, constraints := tt.Schedule()
	p := scheduler.Params{
		PopulationSize: r.opts.PopulationSize,
		Generations:    r.opts.Generations,
	}
	if params.PopulationSize > 0 {
		p.PopulationSize = params.PopulationSize
	}

	out, err := scheduler.Optimize(ctx, entries, constraints, alg, p)
	if err != nil {
		if errors.Is(err, scheduler.ErrTooLargeForBruteForce) {
			return nil, apperrors.TooLarge(err)
		}
		return nil, apperrors.Internal(err)
	}

	order := make([]uint, len(out))
	for i, e := range out {
		id, err := timetable.ParseEntryKey(e.ID)
		if err != nil {
			return nil, apperrors.Internal(fmt.Errorf("entry key %q: %w", e.ID, err))
		}
		order[i] = id
	}
	return &Result{
		Order:  order,
		Before: scheduler.ComputeMetrics(entries, constraints).Report(),
		After:  scheduler.ComputeMetrics(out, constraints).Report(),
	}, nil
}

func checkSize(tt *timetable.Timetable, alg scheduler.Algorithm) error {
	if alg != scheduler.BruteForce {
		return nil
	}
	entries, _ := tt.Schedule()
	regular, _ := scheduler.SplitBatch(entries)
	if len(regular) > scheduler.MaxBruteForceEntries {
		return apperrors.TooLarge(fmt.Errorf("%w: %d entries", scheduler.ErrTooLargeForBruteForce, len(regular)))
	}
	return nil
}

func (r *Runner) update(id string, fn func(t *Task)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		fn(t)
	}
}

func (r *Runner) finish(id string, status Status, fn func(t *Task), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return
	}
	if fn != nil {
		fn(t)
	}
	t.Status = status
	if err != nil {
		t.Error = err.Error()
	}
	now := time.Now().UTC()
	t.FinishedAt = &now
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
}

// Get returns a copy of the task
func (r *Runner) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Cancel stops a running task. Cancelling a finished task does nothing.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return apperrors.NotFound("task")
	}
	if cancel, ok := r.cancels[id]; ok {
		cancel()
	}
	return nil
}

// Shutdown waits for running tasks. When ctx expires first the remaining
// tasks are cancelled, which leaves their meetings unchanged.
func (r *Runner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.stop()
		return nil
	case <-ctx.Done():
		r.stop()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) cleanupFinished() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.base.Done():
			return
		case <-ticker.C:
			r.prune(time.Now())
		}
	}
}

func (r *Runner) prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tasks {
		if t.FinishedAt != nil && now.Sub(*t.FinishedAt) > r.opts.Retention {
			delete(r.tasks, id)
		}
	}
}
