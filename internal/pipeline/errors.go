package pipeline

import "fmt"

// ParseError indicates the pipeline source could not be parsed or decoded.
// It is fatal: no submission happens after a ParseError.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse pipeline source %q: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// CyclicDependencyError indicates the task graph contains a dependency cycle.
type CyclicDependencyError struct {
	// Task is one task participating in the detected cycle.
	Task string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency detected involving task %q", e.Task)
}

// UnknownDependencyError indicates a depends_on entry references a task that
// is not defined anywhere in the pipeline.
type UnknownDependencyError struct {
	Task       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.Task, e.Dependency)
}
