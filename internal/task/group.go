// Package task is a small supervision primitive modeled on
// go.gazette.dev/core/task, as used by the teacher's consumer/service.go
// (tasks.Queue("service.Watch", ...), tasks.Context().Done(), wg.Wait()).
// It lets the daemon queue a named goroutine per long-lived component
// (acceptor, checkpoint timer, per-connection receivers) and wait for all
// of them to finish, aggregating errors.
package task

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Group supervises a set of named goroutines sharing one cancellation
// context. The first task to return a non-nil error cancels the group's
// context, so sibling tasks observe cancellation at their next I/O or
// condvar boundary (spec §5's "cooperative and coarse-grained"
// cancellation model).
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	mu   sync.Mutex
	errs *multierror.Error
}

// NewGroup returns a Group deriving its context from parent.
func NewGroup(parent context.Context) *Group {
	var ctx, cancel = context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Context returns the group's shared, cancellable context.
func (g *Group) Context() context.Context { return g.ctx }

// Queue runs fn in a new goroutine under name. If fn returns a non-nil
// error, it is recorded and the group's context is cancelled, prompting
// sibling tasks to unwind.
func (g *Group) Queue(name string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		var err = fn()
		if err != nil {
			log.WithFields(log.Fields{"task": name, "err": err}).Error("task exited with error")
			g.mu.Lock()
			g.errs = multierror.Append(g.errs, err)
			g.mu.Unlock()
			g.cancel()
		} else {
			log.WithField("task", name).Debug("task exited cleanly")
		}
	}()
}

// Cancel cancels the group's context without recording an error, for
// orderly (non-error) shutdown initiation.
func (g *Group) Cancel() { g.cancel() }

// Wait blocks until every queued task has returned, then returns the
// aggregate error (nil if every task exited cleanly).
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.errs == nil {
		return nil
	}
	return g.errs.ErrorOrNil()
}
