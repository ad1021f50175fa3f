package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/metrics"

	"github.com/rs/zerolog/log"
)

type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
}

// Scheduler 以固定间隔独立运行每个已注册的任务，测试可通过 RunOnce 同步触发单个任务。
type Scheduler struct {
	mu      sync.Mutex
	tasks   []task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New() *Scheduler { return &Scheduler{} }

// Register 必须在 Start 之前调用。
func (s *Scheduler) Register(name string, interval time.Duration, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	log.Info().Int("tasks", len(s.tasks)).Msg("scheduler started")
}

// Stop 取消所有任务并等待正在执行的任务结束，可重复调用。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

// RunOnce 同步执行指定任务一次。
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	var found *task
	for i := range s.tasks {
		if s.tasks[i].name == name {
			found = &s.tasks[i]
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("unknown task %q", name)
	}
	return run(ctx, *found)
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = run(ctx, t)
		}
	}
}

func run(ctx context.Context, t task) error {
	start := time.Now()
	err := t.fn(ctx)
	metrics.SweepDuration.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SweepRuns.WithLabelValues(t.name, "error").Inc()
		log.Error().Err(err).Str("task", t.name).Msg("scheduled task failed")
		return err
	}
	metrics.SweepRuns.WithLabelValues(t.name, "ok").Inc()
	log.Debug().Str("task", t.name).Dur("took", time.Since(start)).Msg("scheduled task done")
	return nil
}
