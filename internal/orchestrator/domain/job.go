package domain

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/marketdata"
)

type JobStatus string

const (
	JobQueued    JobStatus = "Queued"
	JobRunning   JobStatus = "Running"
	JobCompleted JobStatus = "Completed"
	JobError     JobStatus = "Error"
	JobAborted   JobStatus = "Aborted"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError || s == JobAborted
}

const DefaultMainFile = "main.py"

type AlgorithmFile struct {
	Name    string `json:"name" validate:"required"`
	Content string `json:"content"`
}

// JobSpec is what a client submits. Dates, cash and symbols are optional: unset values
// are taken from the algorithm source, then from configured defaults.
type JobSpec struct {
	Owner      string            `json:"owner" validate:"required"`
	ProjectId  string            `json:"projectId"`
	Name       string            `json:"name"`
	JobType    string            `json:"jobType"`
	Files      []AlgorithmFile   `json:"files" validate:"required,min=1,dive"`
	MainFile   string            `json:"mainFile"`
	StartDate  *time.Time        `json:"startDate,omitempty"`
	EndDate    *time.Time        `json:"endDate,omitempty"`
	Cash       float64           `json:"cash,omitempty" validate:"gte=0"`
	Symbols    []string          `json:"symbols,omitempty" validate:"dive,symbol"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Streaming  bool              `json:"streaming"`
	CpuCores   float64           `json:"cpuCores,omitempty" validate:"gte=0,lte=64"`
	// Memory limit in bytes.
	MemoryBytes int64 `json:"memoryBytes,omitempty" validate:"gte=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// symbols become cache file names
	_ = v.RegisterValidation("symbol", func(fl validator.FieldLevel) bool {
		return marketdata.ValidSymbol(fl.Field().String())
	})
	return v
}

// Validate checks the structure of the spec. It never looks at the algorithm's semantics.
func (s *JobSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			first := fieldErrors[0]
			return &backtesterrors.ErrValidation{
				Field:   first.Namespace(),
				Value:   first.Value(),
				Message: "failed " + first.Tag() + " check",
			}
		}
		return &backtesterrors.ErrValidation{Message: err.Error()}
	}
	if s.MainFileContent() == nil {
		return &backtesterrors.ErrValidation{Field: "mainFile", Value: s.mainFile(), Message: "no file with that name"}
	}
	if s.StartDate != nil && s.EndDate != nil && s.EndDate.Before(*s.StartDate) {
		return &backtesterrors.ErrValidation{Field: "endDate", Value: s.EndDate.Format("2006-01-02"), Message: "before startDate"}
	}
	return nil
}

func (s *JobSpec) mainFile() string {
	if s.MainFile == "" {
		return DefaultMainFile
	}
	return s.MainFile
}

// MainFileContent returns the source of the entry point, or nil if it is not among Files.
func (s *JobSpec) MainFileContent() *string {
	name := s.mainFile()
	for i := range s.Files {
		if s.Files[i].Name == name {
			return &s.Files[i].Content
		}
	}
	return nil
}

// Language is derived from the main file's extension.
func (s *JobSpec) Language() string {
	if name := s.mainFile(); len(name) > 3 && name[len(name)-3:] == ".cs" {
		return "CSharp"
	}
	return "Python"
}

func (s *JobSpec) EntryPoint() string {
	return s.mainFile()
}

type Resources struct {
	CpuCores    float64 `json:"cpuCores"`
	MemoryBytes int64   `json:"memoryBytes"`
}

type SeriesPoint struct {
	X int64   `json:"x"`
	Y float64 `json:"y"`
}

type ChartSeries struct {
	Chart  string        `json:"chart"`
	Series string        `json:"series"`
	Points []SeriesPoint `json:"points"`
}

// Result is extracted from the engine's result artifact. Orders and insights are kept in
// the engine's own representation.
type Result struct {
	Statistics        map[string]string `json:"statistics"`
	RuntimeStatistics map[string]string `json:"runtimeStatistics,omitempty"`
	Charts            []ChartSeries     `json:"charts,omitempty"`
	Orders            []json.RawMessage `json:"orders,omitempty"`
	Insights          []json.RawMessage `json:"insights,omitempty"`
}

type Job struct {
	Id          string     `json:"id"`
	Owner       string     `json:"owner"`
	ProjectId   string     `json:"projectId,omitempty"`
	Name        string     `json:"name,omitempty"`
	JobType     string     `json:"jobType"`
	Status      JobStatus  `json:"status"`
	Progress    float64    `json:"progress"`
	QueuedAt    time.Time  `json:"queuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Resources   Resources  `json:"resources"`
	Spec        JobSpec    `json:"spec"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"errorKind,omitempty"`
	Attempts    int        `json:"attempts"`
	// Engine wall time of finished attempts that were retried.
	EngineSeconds float64 `json:"engineSeconds,omitempty"`
	// Port the engine streams on while running, zero when not streaming.
	StreamingPort int `json:"streamingPort,omitempty"`
}
