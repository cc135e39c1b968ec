package repository

import (
	"fmt"

	"github.com/i-dream-of-ai/aegra/internal/orchestrator/domain"
)

// ErrJobTerminal is returned when an update targets a job that already reached a terminal
// status. Terminal jobs are never modified.
type ErrJobTerminal struct {
	JobId  string
	Status domain.JobStatus
}

func (err *ErrJobTerminal) Error() string {
	return fmt.Sprintf("job %q is already %s", err.JobId, err.Status)
}

// ErrAlreadyExists is returned when creating a job whose id is taken.
type ErrAlreadyExists struct {
	JobId string
}

func (err *ErrAlreadyExists) Error() string {
	return fmt.Sprintf("job %q already exists", err.JobId)
}
