// Package tasksrunner implements a small supervised background task
// group: a registry of goroutines (cmd/corepipe-worker's per-job run
// loops and local executor, worker.Job's per-message tasks) whose
// panics and returned errors are logged
// rather than silently lost, mirroring the original's
// TasksGroupRunner (tasks_runner.py) in the idiomatic Go shape already
// used by the teacher's queue/worker goroutine+WaitGroup pairing
// (src/queue/redis_queue.go's RedisJobQueue.wg).
package tasksrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Task is a supervised unit of work: it runs until ctx is cancelled or
// it returns on its own, at which point its error (if any) is
// reported to the Group's ErrorHandler; the Group's own cancellation
// error, returned after Stop, is not reported.
type Task func(ctx context.Context) error

// Group supervises a set of Tasks started together and stopped
// together.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	errs         []error
	errorHandler func(err error)
}

// New returns a Group deriving its lifetime from parent.
// errorHandler, if nil, logs via the ambient logger.
func New(parent context.Context, errorHandler func(err error)) *Group {
	ctx, cancel := context.WithCancel(parent)
	if errorHandler == nil {
		errorHandler = func(err error) {
			log.Ctx(ctx).Error().Err(err).Msg("supervised task failed")
		}
	}
	return &Group{ctx: ctx, cancel: cancel, errorHandler: errorHandler}
}

// Go starts a supervised Task. Panics are recovered and reported
// alongside returned errors so one failing task never crashes the
// worker process.
func (g *Group) Go(name string, task Task) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.report(fmt.Errorf("tasksrunner: %s panicked: %v", name, r))
			}
		}()
		if err := task(g.ctx); err != nil && (g.ctx.Err() == nil || !errors.Is(err, g.ctx.Err())) {
			g.report(fmt.Errorf("tasksrunner: %s: %w", name, err))
		}
	}()
}

func (g *Group) report(err error) {
	g.mu.Lock()
	g.errs = append(g.errs, err)
	g.mu.Unlock()
	g.errorHandler(err)
}

// Stop cancels every supervised task and blocks until they've all
// returned.
func (g *Group) Stop() {
	g.cancel()
	g.wg.Wait()
}

// Errors returns every error reported so far, in report order.
func (g *Group) Errors() []error {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]error, len(g.errs))
	copy(out, g.errs)
	return out
}
