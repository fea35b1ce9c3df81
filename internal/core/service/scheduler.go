package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/keywarden/keywarden/internal/core/domain"
	"github.com/keywarden/keywarden/internal/core/store"
)

// TaskScope selects how a maintenance task fans out over the registry.
type TaskScope int

const (
	// ScopeGlobal runs the task once per tick with an empty target.
	ScopeGlobal TaskScope = iota

	// ScopePerApp runs the task once per registered app per tick. Tenants
	// of the same app collapse into one target.
	ScopePerApp

	// ScopePerStorage runs the task once per distinct storage instance per
	// tick. Tenants sharing a backend collapse, so a sweep never hits the
	// same database twice in one pass.
	ScopePerStorage
)

// Target is what a task invocation operates on. Store and Keys are nil for
// global tasks; Keys is nil for per-storage tasks.
type Target struct {
	Key   domain.TenantKey
	Store store.Store
	Keys  *Keyring
}

// Task is a recurring maintenance job.
type Task struct {
	Name        string
	Interval    time.Duration
	InitialWait time.Duration
	Scope       TaskScope
	Run         func(ctx context.Context, t Target) error
}

type taskState struct {
	task    Task
	running atomic.Bool
}

// Scheduler drives recurring maintenance tasks over the tenant registry.
// Each task gets its own goroutine and ticker. A tick that fires while the
// previous run is still going is dropped, never queued, so a slow backend
// can't pile up overlapping sweeps. The registry is re-enumerated at every
// tick, so tenants added or removed at runtime are picked up without
// re-registration.
type Scheduler struct {
	registry *Registry
	log      *slog.Logger

	// limiter optionally paces target fan-out inside a tick so sweeps over
	// many tenants don't stampede a shared backend. Nil means unpaced.
	limiter *rate.Limiter

	mu      sync.Mutex
	tasks   map[string]*taskState
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(registry *Registry, log *slog.Logger, limiter *rate.Limiter) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		registry: registry,
		log:      log,
		limiter:  limiter,
		tasks:    make(map[string]*taskState),
		stop:     make(chan struct{}),
	}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" || task.Run == nil {
		return fmt.Errorf("service: task needs a name and a run function")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("service: task %s needs a positive interval", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service: scheduler already started")
	}
	if _, ok := s.tasks[task.Name]; ok {
		return fmt.Errorf("service: task %s already registered", task.Name)
	}
	s.tasks[task.Name] = &taskState{task: task}
	return nil
}

// Override replaces a registered task's timing. Must be called before Start;
// tests use it to shrink intervals without rebuilding the task set.
func (s *Scheduler) Override(name string, interval, initialWait time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service: scheduler already started")
	}
	st, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("service: unknown task %s", name)
	}
	if interval > 0 {
		st.task.Interval = interval
	}
	st.task.InitialWait = initialWait
	return nil
}

// Start launches one goroutine per registered task.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, st := range s.tasks {
		s.wg.Add(1)
		go s.loop(st)
	}
	s.log.Info("scheduler started", "tasks", len(s.tasks))
}

// Stop signals all task loops and blocks until in-flight runs finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// ForceRun executes one pass of a task synchronously, subject to the same
// skip-if-running guard as ticks.
func (s *Scheduler) ForceRun(ctx context.Context, name string) error {
	s.mu.Lock()
	st, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("service: unknown task %s", name)
	}
	s.runTask(ctx, st)
	return nil
}

func (s *Scheduler) loop(st *taskState) {
	defer s.wg.Done()

	if st.task.InitialWait > 0 {
		select {
		case <-time.After(st.task.InitialWait):
		case <-s.stop:
			return
		}
	}

	s.runTask(context.Background(), st)

	ticker := time.NewTicker(st.task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runTask(context.Background(), st)
		case <-s.stop:
			return
		}
	}
}

// runTask fans one task pass out over its targets. Per-target failures are
// logged and counted but never abort the pass or the scheduler.
func (s *Scheduler) runTask(ctx context.Context, st *taskState) {
	if !st.running.CompareAndSwap(false, true) {
		s.log.Debug("task tick skipped, previous run still going", "task", st.task.Name)
		return
	}
	defer st.running.Store(false)

	started := time.Now()
	var failures int
	targets := s.targets(st.task.Scope)
	for _, target := range targets {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if err := st.task.Run(ctx, target); err != nil {
			failures++
			s.log.Error("task run failed",
				"task", st.task.Name, "tenant", target.Key.String(), "error", err)
		}
	}

	s.log.Debug("task pass completed",
		"task", st.task.Name, "targets", len(targets),
		"failures", failures, "elapsed", time.Since(started))
}

// targets enumerates the registry according to the task's scope.
func (s *Scheduler) targets(scope TaskScope) []Target {
	if scope == ScopeGlobal {
		return []Target{{}}
	}

	bundles := s.registry.Bundles()
	switch scope {
	case ScopePerApp:
		seen := make(map[domain.TenantKey]struct{}, len(bundles))
		var out []Target
		for _, b := range bundles {
			appKey := b.Key.App()
			if _, ok := seen[appKey]; ok {
				continue
			}
			seen[appKey] = struct{}{}
			out = append(out, Target{Key: appKey, Store: b.Store, Keys: b.Keys})
		}
		return out

	case ScopePerStorage:
		seen := make(map[store.Store]struct{}, len(bundles))
		var out []Target
		for _, b := range bundles {
			if _, ok := seen[b.Store]; ok {
				continue
			}
			seen[b.Store] = struct{}{}
			out = append(out, Target{Key: b.Key, Store: b.Store})
		}
		return out
	}
	return nil
}
