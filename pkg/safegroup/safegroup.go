// Package safegroup runs goroutines on an errgroup and turns their panics
// into errors.
package safegroup

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/pageforge/pageforge/pkg/logger"
)

// Group wraps errgroup.Group with panic recovery so a panicking
// goroutine becomes an error instead of taking the process down.
type Group struct {
	group  *errgroup.Group
	logger logger.Logger
}

// WithContext creates a group whose context is cancelled when the first
// goroutine returns an error
func WithContext(ctx context.Context, log logger.Logger) (*Group, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	return &Group{group: g, logger: orDiscard(log)}, ctx
}

// New creates a group without a derived context: a failing goroutine
// never cancels its siblings
func New(log logger.Logger) *Group {
	return &Group{group: &errgroup.Group{}, logger: orDiscard(log)}
}

func orDiscard(log logger.Logger) logger.Logger {
	if log == nil {
		return logger.Discard()
	}
	return log
}

// Go runs fn in a new goroutine. A panic is converted to an error and
// logged with its stack trace.
func (g *Group) Go(fn func() error) {
	g.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("Goroutine panic recovered",
					logger.WithField("panic", r),
					logger.WithField("stack_trace", string(debug.Stack())))
				err = fmt.Errorf("goroutine panic: %v", r)
			}
		}()
		return fn()
	})
}

// SetLimit sets the maximum number of concurrent goroutines. It must be
// called before the first Go.
func (g *Group) SetLimit(n int) {
	g.group.SetLimit(n)
}

// Wait blocks until all goroutines have returned and reports the first error
func (g *Group) Wait() error {
	return g.group.Wait()
}
