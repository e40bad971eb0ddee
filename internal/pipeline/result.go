package pipeline

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/nanorun/pkg/api"
)

// StageResult records what one stage did.
type StageResult struct {
	Name     string
	Outcome  api.Outcome
	ExitCode int
	Duration time.Duration
	Reason   string
	Err      error
}

// RunResult accumulates stage outcomes for end-of-run reporting.
type RunResult struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Stages     []StageResult
	// Report is the finalized report path, empty when none was produced.
	Report string
	// Err is the fatal failure that aborted the normal stages, if any.
	Err error
}

// Stage returns the result recorded for name.
func (r *RunResult) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// Status folds stage outcomes into a run status.
func (r *RunResult) Status() api.RunStatus {
	if r.Err != nil {
		return api.RunFailed
	}
	for _, s := range r.Stages {
		if s.Outcome == api.OutcomeFailedSoft {
			return api.RunDegraded
		}
	}
	return api.RunSucceeded
}

// Records converts the stage results into ledger rows.
func (r *RunResult) Records() []api.StageRecord {
	out := make([]api.StageRecord, 0, len(r.Stages))
	for i, s := range r.Stages {
		msg := s.Reason
		if s.Err != nil {
			msg = s.Err.Error()
		}
		out = append(out, api.StageRecord{
			RunID:    r.RunID,
			Seq:      i + 1,
			Name:     s.Name,
			Outcome:  s.Outcome,
			ExitCode: s.ExitCode,
			Duration: s.Duration,
			Message:  msg,
		})
	}
	return out
}

// Log writes the end-of-run summary, one line per stage.
func (r *RunResult) Log(logger zerolog.Logger) {
	for _, s := range r.Stages {
		ev := logger.Info()
		switch s.Outcome {
		case api.OutcomeFailedSoft:
			ev = logger.Warn()
		case api.OutcomeFailedFatal:
			ev = logger.Error()
		}
		ev = ev.Str("stage", s.Name).Str("outcome", string(s.Outcome))
		if s.Duration > 0 {
			ev = ev.Dur("took", s.Duration)
		}
		if s.Reason != "" {
			ev = ev.Str("reason", s.Reason)
		}
		if s.Err != nil {
			ev = ev.Err(s.Err)
		}
		ev.Msg("Stage summary")
	}
	logger.Info().
		Str("status", string(r.Status())).
		Dur("took", r.FinishedAt.Sub(r.StartedAt)).
		Str("report", r.Report).
		Msg("Pipeline finished")
}
