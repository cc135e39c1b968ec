// Package usage accounts for the compute each backtest consumes. Records are used for
// billing, quota enforcement and for detecting engine processes orphaned by a crash.
package usage

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusAborted   Status = "aborted"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusAborted
}

type Record struct {
	Id      string
	JobId   string
	Owner   string
	JobType string
	// WorkerId is the orchestrator process that ran the engine.
	WorkerId string
	Status   Status
	// ProcessHandle names the engine process or container so it can be inspected later.
	ProcessHandle   string
	CpuCores        float64
	MemoryBytes     int64
	ComputeSeconds  float64
	PeakMemoryBytes int64
	DataPoints      int64
	Reason          string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Age is how long the record has been running, or pending if it never started.
func (r *Record) Age(now time.Time) time.Duration {
	if r.StartedAt != nil {
		return now.Sub(*r.StartedAt)
	}
	return now.Sub(r.CreatedAt)
}

type Entry struct {
	JobId       string
	Owner       string
	JobType     string
	WorkerId    string
	CpuCores    float64
	MemoryBytes int64
}

type Completion struct {
	ComputeSeconds  float64
	PeakMemoryBytes int64
	DataPoints      int64
	Status          Status
	Reason          string
}

type QuotaDecision struct {
	Allowed                 bool
	Reason                  string
	RemainingComputeSeconds float64
	ConcurrentCount         int
}

type Summary struct {
	Owner          string         `json:"owner"`
	Since          time.Time      `json:"since"`
	Jobs           int            `json:"jobs"`
	ComputeSeconds float64        `json:"computeSeconds"`
	DataPoints     int64          `json:"dataPoints"`
	ByStatus       map[Status]int `json:"byStatus"`
}
