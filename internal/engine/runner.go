package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	pcontext "github.com/pageforge/pageforge/pkg/context"
	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/notifier"
	"github.com/pageforge/pageforge/pkg/reload"
	"github.com/pageforge/pageforge/pkg/safegroup"
	"github.com/pageforge/pageforge/pkg/types"
)

// RunResult is the outcome of one task run. Combinator results hold the
// results of the children that actually ran, in declared order.
type RunResult struct {
	TaskName string
	Kind     types.TaskKind
	Status   types.RunStatus
	Err      error
	Duration time.Duration
	Children []*RunResult
}

// Failed reports whether the run failed
func (r *RunResult) Failed() bool {
	return r.Status == types.RunStatusFailure
}

// Find returns the result for the named task, or nil if it did not run
func (r *RunResult) Find(name string) *RunResult {
	if r == nil {
		return nil
	}
	if r.TaskName == name {
		return r
	}
	for _, child := range r.Children {
		if found := child.Find(name); found != nil {
			return found
		}
	}
	return nil
}

// Runner executes task graphs
type Runner struct {
	logger    logger.Logger
	notifier  reload.Notifier
	observers []types.Observer
}

// NewRunner creates a runner. notifier may be nil.
func NewRunner(log logger.Logger, n reload.Notifier, observers ...types.Observer) *Runner {
	if log == nil {
		log = logger.Discard()
	}
	if n == nil {
		n = reload.Nop{}
	}
	return &Runner{logger: log, notifier: n, observers: observers}
}

// Start runs task in the background. The channel receives exactly one
// result and is then closed.
func (r *Runner) Start(ctx context.Context, task *Task) <-chan *RunResult {
	done := make(chan *RunResult, 1)
	go func() {
		defer close(done)
		done <- r.Run(ctx, task)
	}()
	return done
}

// Run executes task and blocks until it completes
func (r *Runner) Run(ctx context.Context, task *Task) *RunResult {
	if err := task.Validate(); err != nil {
		name := ""
		if task != nil {
			name = task.Name
		}
		return &RunResult{TaskName: name, Status: types.RunStatusFailure, Err: err}
	}
	return r.run(pcontext.EnrichContext(ctx), task)
}

func (r *Runner) run(ctx context.Context, task *Task) *RunResult {
	start := time.Now()
	ctx = pcontext.WithStartTime(pcontext.WithTask(ctx, task.Name), start)
	log := logger.WithContext(ctx, r.logger.WithTask(task.Name))

	log.Info(fmt.Sprintf("Starting '%s'...", task.Name))
	for _, o := range r.observers {
		o.TaskStarted(ctx, task.Name, task.Kind)
	}

	var result *RunResult
	switch task.Kind {
	case types.TaskKindSequence:
		result = r.runSequence(ctx, task)
	case types.TaskKindParallel:
		result = r.runParallel(ctx, task, log)
	default:
		result = r.runLeaf(ctx, task)
	}
	result.TaskName = task.Name
	result.Kind = task.Kind
	result.Duration = pcontext.GetDuration(ctx)

	elapsed := notifier.FormatDuration(result.Duration)
	if result.Failed() {
		if task.Kind == types.TaskKindLeaf {
			log.Error(fmt.Sprintf("'%s' errored after %s", task.Name, elapsed), logger.WithError(result.Err))
		} else {
			log.Debug(fmt.Sprintf("'%s' failed after %s", task.Name, elapsed))
		}
	} else {
		log.Info(fmt.Sprintf("Finished '%s' after %s", task.Name, elapsed))
	}

	report := types.TaskReport{
		Name:      task.Name,
		Kind:      task.Kind,
		Status:    result.Status,
		StartedAt: start,
		Duration:  result.Duration,
		RunID:     pcontext.GetRunID(ctx),
	}
	if result.Err != nil {
		report.Error = result.Err.Error()
	}
	for _, o := range r.observers {
		o.TaskFinished(ctx, report)
	}

	return result
}

func (r *Runner) runLeaf(ctx context.Context, task *Task) *RunResult {
	if err := r.invoke(ctx, task); err != nil {
		return &RunResult{Status: types.RunStatusFailure, Err: &TaskError{Task: task.Name, Err: err}}
	}
	if task.Reload != nil {
		r.notifier.Notify(*task.Reload)
	}
	return &RunResult{Status: types.RunStatusSuccess}
}

func (r *Runner) invoke(ctx context.Context, task *Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Debug("Task panic recovered",
				logger.WithField("task", task.Name),
				logger.WithField("stack_trace", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return task.Action(ctx)
}

// runSequence stops at the first failing child; later children never start
func (r *Runner) runSequence(ctx context.Context, task *Task) *RunResult {
	result := &RunResult{Status: types.RunStatusSuccess}
	for _, child := range task.Children {
		if err := ctx.Err(); err != nil {
			result.Status = types.RunStatusFailure
			result.Err = &TaskError{Task: child.Name, Err: err}
			return result
		}

		res := r.run(ctx, child)
		result.Children = append(result.Children, res)
		if res.Failed() {
			result.Status = types.RunStatusFailure
			result.Err = res.Err
			return result
		}
	}
	return result
}

// runParallel starts every child and joins on all of them. A failing child
// does not cancel its siblings; the reported error is the first failure in
// declared order.
func (r *Runner) runParallel(ctx context.Context, task *Task, log logger.Logger) *RunResult {
	results := make([]*RunResult, len(task.Children))
	group := safegroup.New(log)

	for i, child := range task.Children {
		i, child := i, child
		group.Go(func() error {
			results[i] = r.run(ctx, child)
			return nil
		})
	}
	groupErr := group.Wait()

	result := &RunResult{Status: types.RunStatusSuccess}
	for i, res := range results {
		if res == nil {
			res = &RunResult{
				TaskName: task.Children[i].Name,
				Kind:     task.Children[i].Kind,
				Status:   types.RunStatusFailure,
				Err:      &TaskError{Task: task.Children[i].Name, Err: groupErr},
			}
		}
		result.Children = append(result.Children, res)
		if res.Failed() && result.Err == nil {
			result.Status = types.RunStatusFailure
			result.Err = res.Err
		}
	}
	return result
}
