// Package execution is the boundary to the batch layer that runs jobs.
package execution

import (
	"context"
	"fmt"

	"github.com/gridqueue/gridqueue/pkg/element"
)

// Handle identifies a submitted job in the execution layer.
type Handle string

type JobState int

const (
	JobPending JobState = iota
	JobRunning
	JobSucceeded
	JobFailed
	JobKilled
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	case JobKilled:
		return "killed"
	default:
		return fmt.Sprintf("JobState(%d)", s)
	}
}

func (s JobState) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobKilled
}

// JobStatus is the state of one submitted job.
type JobStatus struct {
	Handle         Handle
	State          JobState
	EventsWritten  uint64
	FilesProcessed int
}

// Executor submits jobs and reports their eventual terminal status.
type Executor interface {
	// Submit returns one handle per job, in order.
	Submit(ctx context.Context, site string, jobs []element.Job) ([]Handle, error)
	// Poll returns one status per handle, in order.
	Poll(ctx context.Context, handles []Handle) ([]JobStatus, error)
	Kill(ctx context.Context, handles []Handle) error
}
