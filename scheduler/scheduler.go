package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFn is invoked on every tick. The context is cancelled when the task
// is removed, replaced or the scheduler stops.
type TaskFn func(ctx context.Context)

// TaskInfo is a point-in-time view of a registered task.
type TaskInfo struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Runs     int64         `json:"runs"`
	Panics   int64         `json:"panics"`
	LastRun  time.Time     `json:"last_run"`
}

type task struct {
	info   TaskInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs named periodic tasks on their own goroutines.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
	logger  *zap.Logger
}

// New creates a Scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]*task),
		logger: logger,
	}
}

// Every registers fn to run at the given interval. A task already
// registered under name is cancelled and replaced. Calls after Stop are
// ignored.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFn) {
	if interval <= 0 {
		s.logger.Warn("scheduler: ignoring non-positive interval", zap.String("task", name))
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	old := s.tasks[name]
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		info:   TaskInfo{Name: name, Interval: interval},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.tasks[name] = t
	s.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}
	go s.loop(ctx, t, fn)
}

func (s *Scheduler) loop(ctx context.Context, t *task, fn TaskFn) {
	defer close(t.done)
	ticker := time.NewTicker(t.info.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, t, fn)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t *task, fn TaskFn) {
	panicked := true
	defer func() {
		s.mu.Lock()
		t.info.Runs++
		t.info.LastRun = time.Now()
		if panicked {
			t.info.Panics++
		}
		s.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: task panic",
				zap.String("task", t.info.Name), zap.Any("panic", r))
		}
	}()
	fn(ctx)
	panicked = false
}

// Remove cancels the named task and waits for an in-flight run to return.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	delete(s.tasks, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

// Stop cancels every task. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	tasks := s.tasks
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

// Tasks returns the registered tasks sorted by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
