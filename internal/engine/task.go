package engine

import (
	"context"
	"fmt"

	"github.com/pageforge/pageforge/pkg/reload"
	"github.com/pageforge/pageforge/pkg/types"
)

// Action is the work a leaf task performs
type Action func(ctx context.Context) error

// PlanFunc lists the absolute paths a leaf task writes. A directory entry
// covers everything below it.
type PlanFunc func() ([]string, error)

// Task is a named unit of work: a Leaf wrapping one Action, or a Sequence
// or Parallel over child tasks. Tasks hold no state between runs and are
// not modified after construction.
type Task struct {
	Name     string
	Kind     types.TaskKind
	Action   Action
	Children []*Task

	// Reload is notified after every successful run of a leaf
	Reload *reload.Scope
	// Plan reports the leaf's write set
	Plan PlanFunc
}

// TaskOption configures a leaf task at construction
type TaskOption func(*Task)

// WithReload notifies scope after each successful run
func WithReload(scope reload.Scope) TaskOption {
	return func(t *Task) {
		s := scope
		t.Reload = &s
	}
}

// WithPlan attaches a write-set planner
func WithPlan(plan PlanFunc) TaskOption {
	return func(t *Task) {
		t.Plan = plan
	}
}

// Leaf creates a task running a single action
func Leaf(name string, action Action, opts ...TaskOption) *Task {
	t := &Task{Name: name, Kind: types.TaskKindLeaf, Action: action}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Sequence creates a task running children one at a time, in order,
// stopping at the first failure
func Sequence(name string, children ...*Task) *Task {
	return &Task{Name: name, Kind: types.TaskKindSequence, Children: children}
}

// Parallel creates a task running all children concurrently and joining
// on all of them
func Parallel(name string, children ...*Task) *Task {
	return &Task{Name: name, Kind: types.TaskKindParallel, Children: children}
}

// Validate checks the shape of the whole graph: leaves have an action and
// no children, combinators have children and no action.
func (t *Task) Validate() error {
	return t.Walk(func(n *Task, _ int) error {
		if n == nil {
			return fmt.Errorf("%w: nil task", ErrInvalidTask)
		}
		if n.Name == "" {
			return fmt.Errorf("%w: task without a name", ErrInvalidTask)
		}
		switch n.Kind {
		case types.TaskKindLeaf:
			if n.Action == nil {
				return fmt.Errorf("%w: leaf '%s' has no action", ErrInvalidTask, n.Name)
			}
			if len(n.Children) > 0 {
				return fmt.Errorf("%w: leaf '%s' has children", ErrInvalidTask, n.Name)
			}
		case types.TaskKindSequence, types.TaskKindParallel:
			if len(n.Children) == 0 {
				return fmt.Errorf("%w: %s '%s' has no children", ErrInvalidTask, n.Kind, n.Name)
			}
			if n.Action != nil {
				return fmt.Errorf("%w: %s '%s' has an action", ErrInvalidTask, n.Kind, n.Name)
			}
		default:
			return fmt.Errorf("%w: '%s' has unknown kind %q", ErrInvalidTask, n.Name, n.Kind)
		}
		return nil
	})
}

// Walk visits the graph depth-first, parents before children. Returning
// an error from fn stops the walk.
func (t *Task) Walk(fn func(t *Task, depth int) error) error {
	return t.walk(fn, 0)
}

func (t *Task) walk(fn func(t *Task, depth int) error, depth int) error {
	if err := fn(t, depth); err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	for _, child := range t.Children {
		if err := child.walk(fn, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the first task named name, or nil
func (t *Task) Find(name string) *Task {
	var found *Task
	_ = t.Walk(func(n *Task, _ int) error {
		if n != nil && n.Name == name && found == nil {
			found = n
		}
		return nil
	})
	return found
}

// Leaves returns the leaf tasks in declaration order
func (t *Task) Leaves() []*Task {
	var leaves []*Task
	_ = t.Walk(func(n *Task, _ int) error {
		if n != nil && n.Kind == types.TaskKindLeaf {
			leaves = append(leaves, n)
		}
		return nil
	})
	return leaves
}
