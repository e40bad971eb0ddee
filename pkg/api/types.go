package api

import "time"

// Outcome is what happened to one stage during a run.
type Outcome string

const (
	OutcomeSkipped     Outcome = "skipped"
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeFailedSoft  Outcome = "failed-soft"
	OutcomeFailedFatal Outcome = "failed-fatal"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	// RunDegraded means every fatal stage passed but at least one soft stage failed.
	RunDegraded RunStatus = "degraded"
	RunFailed   RunStatus = "failed"
)

// StageRecord is the ledger row for one stage of a run.
type StageRecord struct {
	RunID    string        `json:"run_id" yaml:"run_id"`
	Seq      int           `json:"seq" yaml:"seq"`
	Name     string        `json:"name" yaml:"name"`
	Outcome  Outcome       `json:"outcome" yaml:"outcome"`
	ExitCode int           `json:"exit_code" yaml:"exit_code"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Message  string        `json:"message,omitempty" yaml:"message,omitempty"`
}

// RunRecord summarizes one pipeline invocation.
type RunRecord struct {
	ID         string    `json:"id" yaml:"id"`
	RunName    string    `json:"run_name" yaml:"run_name"`
	ModelTag   string    `json:"model_tag" yaml:"model_tag"`
	Depth      int       `json:"depth" yaml:"depth"`
	ResumeStep int       `json:"resume_step" yaml:"resume_step"`
	Status     RunStatus `json:"status" yaml:"status"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Report     string    `json:"report,omitempty" yaml:"report,omitempty"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}
