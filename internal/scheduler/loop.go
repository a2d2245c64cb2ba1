package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"agentflow/internal/domain"
	"agentflow/internal/store"
)

type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	Workers        int
	HandlerTimeout time.Duration
	DispatchRate   float64 // dispatches per second, 0 = unlimited
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = time.Minute
	}
	return c
}

// Loop polls the store for due tasks, claims them, and dispatches each claimed
// task to its handler on a bounded worker pool. Multiple loops may run against
// the same store (separate processes included); the atomic claim is the only
// coordination between them.
type Loop struct {
	store    *store.Store
	registry Registry
	cfg      Config
	sem      chan struct{}
	limiter  *rate.Limiter
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(st *store.Store, reg Registry, cfg Config) *Loop {
	cfg = cfg.withDefaults()
	var limiter *rate.Limiter
	if cfg.DispatchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}
	return &Loop{
		store:    st,
		registry: reg,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Workers),
		limiter:  limiter,
		stop:     make(chan struct{}),
	}
}

// Run blocks until ctx is canceled or Stop is called, then waits for in-flight
// handlers to finish.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	log.Info().
		Dur("poll_interval", l.cfg.PollInterval).
		Int("workers", l.cfg.Workers).
		Msg("scheduler loop started")

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return
		case <-l.stop:
			l.wg.Wait()
			return
		case <-ticker.C:
			l.runCycle(ctx)
		}
	}
}

func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// runCycle is one pass of find -> claim -> dispatch. A failed poll skips the
// cycle; a failed claim or dispatch of one task never aborts the rest of the
// batch.
func (l *Loop) runCycle(ctx context.Context) {
	tasks, err := l.store.FindDueTasks(ctx, l.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("due-task poll failed, skipping cycle")
		return
	}
	for _, t := range tasks {
		claimed, err := l.store.Claim(ctx, t.ID)
		if err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("claim failed")
			continue
		}
		if !claimed {
			// Another worker won the race. Expected under concurrent pollers.
			log.Debug().Str("task_id", t.ID).Msg("claim lost")
			continue
		}
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				l.release(t)
				return
			}
		}
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			l.release(t)
			return
		}
		l.wg.Add(1)
		go func(task domain.Task) {
			defer l.wg.Done()
			defer func() { <-l.sem }()
			l.dispatch(ctx, task)
		}(t)
	}
}

func (l *Loop) dispatch(ctx context.Context, task domain.Task) {
	h, ok := l.registry.Resolve(task.HandlerName)
	if !ok {
		log.Error().Str("task_id", task.ID).Str("handler", task.HandlerName).Msg("no handler registered")
		l.finalize(task, fmt.Errorf("no handler %q", task.HandlerName))
		return
	}
	hctx, cancel := context.WithTimeout(ctx, l.cfg.HandlerTimeout)
	defer cancel()
	l.finalize(task, invoke(hctx, h, task.Payload))
}

// finalize applies the outcome of a run: success re-evaluates recurrence,
// failure is terminal for this task. A failed recurring task does not resume
// on its own; recurrence only continues through the success path.
func (l *Loop) finalize(task domain.Task, herr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if herr != nil {
		log.Warn().Err(herr).Str("task_id", task.ID).Str("handler", task.HandlerName).Msg("task failed")
		if err := l.store.MarkCompleted(ctx, task.ID, true); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("mark failed did not persist")
		}
		return
	}
	if err := l.store.RescheduleIfRecurring(ctx, task); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("reschedule did not persist")
		return
	}
	log.Info().Str("task_id", task.ID).Str("handler", task.HandlerName).Bool("recurring", task.Recurring()).Msg("task completed")
}

// release gives a claimed-but-undispatched task back to the pending pool,
// keeping its original due time. Used when shutdown lands between claim and
// dispatch.
func (l *Loop) release(task domain.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.store.UpdateNextRun(ctx, task.ID, task.NextRunAt); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("release did not persist")
	}
}

// invoke shields the loop from a panicking handler.
func invoke(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, payload)
}
