package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTask is returned for a task graph that breaks the
	// leaf/combinator shape rules
	ErrInvalidTask = errors.New("invalid task")
	// ErrUnknownPipeline is returned when a pipeline name is not defined
	ErrUnknownPipeline = errors.New("unknown pipeline")
	// ErrOverlappingWrites is returned when two concurrently scheduled
	// tasks would write the same path
	ErrOverlappingWrites = errors.New("overlapping write sets")
)

// TaskError carries the leaf task a failure originated from
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("'%s' errored: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// OverlapError reports two tasks of one Parallel group whose planned
// outputs overlap. It matches ErrOverlappingWrites.
type OverlapError struct {
	Group string
	Tasks [2]string
	Paths [2]string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("%v in '%s': '%s' writes %s, '%s' writes %s",
		ErrOverlappingWrites, e.Group, e.Tasks[0], e.Paths[0], e.Tasks[1], e.Paths[1])
}

func (e *OverlapError) Unwrap() error {
	return ErrOverlappingWrites
}

// Path returns the more specific of the two overlapping paths
func (e *OverlapError) Path() string {
	if len(e.Paths[1]) > len(e.Paths[0]) {
		return e.Paths[1]
	}
	return e.Paths[0]
}
