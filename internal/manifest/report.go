package manifest

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// Report captures one operation run (recovery, verification, DR test,
// replication) step by step, for audits and postmortems.
type Report struct {
	SchemaVersion int                    `json:"schema_version"`
	Operation     string                 `json:"operation"`
	RunID         string                 `json:"run_id"`
	Host          string                 `json:"host"`
	DryRun        bool                   `json:"dry_run,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	FinishedAt    time.Time              `json:"finished_at"`
	Outcome       string                 `json:"outcome"`
	Steps         []Step                 `json:"steps,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Errors        []string               `json:"errors,omitempty"`
}

type Step struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Message    string `json:"message,omitempty"`
}

const (
	StepOK      = "ok"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// NewReport starts a report for an operation beginning now.
func NewReport(operation string) *Report {
	hostname, _ := os.Hostname()
	return &Report{
		SchemaVersion: SchemaVersion,
		Operation:     operation,
		RunID:         uuid.NewString(),
		Host:          hostname,
		StartedAt:     time.Now().UTC(),
		Details:       map[string]interface{}{},
	}
}

// AddStep appends a step result.
func (r *Report) AddStep(name, status string, d time.Duration, message string) {
	r.Steps = append(r.Steps, Step{
		Name:       name,
		Status:     status,
		DurationMS: d.Milliseconds(),
		Message:    message,
	})
}

// AddError records a failure message.
func (r *Report) AddError(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// Finish stamps the end time and outcome.
func (r *Report) Finish(outcome string) {
	r.FinishedAt = time.Now().UTC()
	r.Outcome = outcome
}

// Write persists the report to path atomically. An empty path is a
// no-op so callers can make report files optional.
func (r *Report) Write(path string) error {
	if path == "" {
		return nil
	}
	return WriteJSONAtomic(path, r)
}
