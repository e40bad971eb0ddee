package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/nanorun/internal/config"
	"github.com/3cpo-dev/nanorun/internal/runner"
	"github.com/3cpo-dev/nanorun/internal/telemetry"
	"github.com/3cpo-dev/nanorun/pkg/api"
)

// Executor runs external jobs. *runner.Runner is the production implementation.
type Executor interface {
	Run(ctx context.Context, job runner.Job) (int, error)
	Start(ctx context.Context, job runner.Job) (*runner.BackgroundTask, error)
	Join(task *runner.BackgroundTask) (int, error)
	Abandon(task *runner.BackgroundTask) error
}

// Fetcher downloads a URL to a local file.
type Fetcher interface {
	Download(ctx context.Context, url, dest string) (int64, error)
}

// Finalizer copies the generated report to its run-indexed location and
// returns that location.
type Finalizer interface {
	Finalize(ctx context.Context, reportPath string) (string, error)
}

// Options wires the pipeline's collaborators.
type Options struct {
	Executor    Executor
	Fetcher     Fetcher
	Finalizer   Finalizer
	Commands    Commands
	IdentityURL string
	RunID       string
	// Stages overrides the fixed definition; nil means Stages().
	Stages []Stage
}

// Pipeline drives one run over the fixed stage list.
type Pipeline struct {
	cfg         *config.RunConfig
	exec        Executor
	fetcher     Fetcher
	finalizer   Finalizer
	builder     JobBuilder
	identityURL string
	runID       string
	stages      []Stage
	logger      zerolog.Logger

	bulk   *runner.BackgroundTask
	report string
}

// New builds a pipeline for cfg.
func New(cfg *config.RunConfig, opts Options) *Pipeline {
	stages := opts.Stages
	if stages == nil {
		stages = Stages()
	}
	cmds := opts.Commands
	if cmds.Python == "" || cmds.Torchrun == "" {
		def := DefaultCommands()
		if cmds.Python == "" {
			cmds.Python = def.Python
		}
		if cmds.Torchrun == "" {
			cmds.Torchrun = def.Torchrun
		}
	}
	url := opts.IdentityURL
	if url == "" {
		url = config.DefaultIdentityURL
	}
	return &Pipeline{
		cfg:         cfg,
		exec:        opts.Executor,
		fetcher:     opts.Fetcher,
		finalizer:   opts.Finalizer,
		builder:     JobBuilder{Cfg: cfg, Commands: cmds},
		identityURL: url,
		runID:       opts.RunID,
		stages:      stages,
		logger:      log.With().Str("run_id", opts.RunID).Logger(),
	}
}

// skipError marks a stage that decided at run time it has nothing to do.
type skipError struct{ reason string }

func (e *skipError) Error() string { return e.reason }

// Run executes the normal stages until the first fatal failure, then always
// runs the finalizing stages. The returned error is that fatal failure.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	res := &RunResult{RunID: p.runID, StartedAt: time.Now()}
	p.logger.Info().
		Int("depth", p.cfg.Depth).
		Str("model_tag", p.cfg.ModelTag).
		Int("nproc", p.cfg.NProcPerNode).
		Int("resume_step", p.cfg.ResumeStep).
		Msg("Pipeline starting")

	if p.cfg.Resuming() {
		checkResume(p.logger, p.cfg)
	}

	var fatal error
	var aborted string
	for _, st := range p.stages {
		if st.Region != RegionNormal {
			continue
		}
		if fatal == nil {
			if err := ctx.Err(); err != nil {
				fatal = fmt.Errorf("interrupted before stage %s: %w", st.Name, err)
				aborted = "aborted after interrupt"
			}
		}
		if fatal != nil {
			res.Stages = append(res.Stages, StageResult{
				Name:    st.Name,
				Outcome: api.OutcomeSkipped,
				Reason:  aborted,
			})
			continue
		}
		sr := p.attempt(ctx, st, RegionNormal)
		res.Stages = append(res.Stages, sr)
		if sr.Outcome == api.OutcomeFailedFatal {
			fatal = sr.Err
			aborted = fmt.Sprintf("aborted after %s failure", st.Name)
		}
	}

	if p.bulk != nil && !p.bulk.Consumed() {
		if err := p.exec.Abandon(p.bulk); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to stop background download")
		}
	}

	// Finalizers are best-effort and must not be cut short by the interrupt
	// that may have aborted the normal stages.
	fctx := context.WithoutCancel(ctx)
	for _, st := range p.stages {
		if st.Region != RegionFinalizing {
			continue
		}
		res.Stages = append(res.Stages, p.attempt(fctx, st, RegionFinalizing))
	}

	res.Report = p.report
	res.FinishedAt = time.Now()
	res.Err = fatal
	telemetry.TimerGlobal("nanorun_run_duration", res.FinishedAt.Sub(res.StartedAt), map[string]string{"status": string(res.Status())})
	return res, fatal
}

// attempt evaluates a stage's predicate, executes it and classifies the outcome.
func (p *Pipeline) attempt(ctx context.Context, st Stage, region Region) StageResult {
	logger := p.logger.With().Str("stage", st.Name).Logger()
	if !st.Active(p.cfg) {
		reason := inactiveReason(st, p.cfg)
		logger.Info().Str("reason", reason).Msg("Skipping stage")
		return StageResult{Name: st.Name, Outcome: api.OutcomeSkipped, Reason: reason}
	}

	logger.Info().Str("policy", st.Policy.String()).Str("region", region.String()).Msg("Starting stage")
	start := time.Now()
	err := p.execute(ctx, st)
	sr := StageResult{Name: st.Name, Duration: time.Since(start)}

	var skip *skipError
	switch {
	case err == nil:
		sr.Outcome = api.OutcomeSucceeded
		logger.Info().Dur("took", sr.Duration).Msg("Stage succeeded")
	case errors.As(err, &skip):
		sr.Outcome = api.OutcomeSkipped
		sr.Reason = skip.reason
		logger.Warn().Str("reason", skip.reason).Msg("Skipping stage")
	default:
		sr.Err = err
		sr.ExitCode = -1
		var jerr *runner.ExternalJobError
		if errors.As(err, &jerr) {
			sr.ExitCode = jerr.Code
		}
		sr.Outcome = failureOutcome(st.Policy, region)
		ev := logger.Warn()
		msg := "Stage failed; continuing"
		if sr.Outcome == api.OutcomeFailedFatal {
			ev = logger.Error()
			msg = "Stage failed; aborting remaining stages"
		}
		ev = ev.Err(err).Int("exit_code", sr.ExitCode)
		if st.Hint != "" {
			ev = ev.Str("hint", st.Hint)
		}
		ev.Msg(msg)
	}

	telemetry.TimerGlobal("nanorun_stage_duration", sr.Duration, map[string]string{"stage": st.Name})
	telemetry.CounterGlobal("nanorun_stage_outcome", 1, map[string]string{"stage": st.Name, "outcome": string(sr.Outcome)})
	return sr
}

func (p *Pipeline) execute(ctx context.Context, st Stage) error {
	switch st.Kind {
	case KindJobs:
		for _, job := range st.Jobs(p.builder) {
			if err := p.runJob(ctx, st, job); err != nil {
				return err
			}
		}
		return nil
	case KindBackground:
		jobs := st.Jobs(p.builder)
		if len(jobs) != 1 {
			return fmt.Errorf("stage %s: background stage needs exactly one job, got %d", st.Name, len(jobs))
		}
		task, err := p.exec.Start(ctx, jobs[0])
		if err != nil {
			return &runner.ExternalJobError{Stage: st.Name, Job: jobs[0].Name, Code: -1, Err: err}
		}
		p.bulk = task
		return nil
	case KindJoin:
		task := p.bulk
		if task == nil {
			return &runner.InvalidHandleError{ID: -1, Reason: "no background download was started"}
		}
		code, err := p.exec.Join(task)
		if err != nil {
			var herr *runner.InvalidHandleError
			if errors.As(err, &herr) {
				return err
			}
			return &runner.ExternalJobError{Stage: st.Name, Job: task.Job.Name, Code: code, Hint: st.Hint, Err: err}
		}
		if code != 0 {
			return &runner.ExternalJobError{Stage: st.Name, Job: task.Job.Name, Code: code, Hint: st.Hint}
		}
		return nil
	case KindFetch:
		if p.fetcher == nil {
			return errors.New("no fetcher configured")
		}
		if _, err := p.fetcher.Download(ctx, p.identityURL, IdentityPath(p.cfg)); err != nil {
			return fmt.Errorf("fetch identity conversations: %w", err)
		}
		return nil
	case KindFinalize:
		report := ReportPath(p.cfg)
		if _, err := os.Stat(report); err != nil {
			return &skipError{reason: "report not found at " + report}
		}
		if p.finalizer == nil {
			return &skipError{reason: "no finalizer configured"}
		}
		dest, err := p.finalizer.Finalize(ctx, report)
		if dest != "" {
			p.report = dest
		}
		if err != nil {
			return fmt.Errorf("finalize report: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("stage %s: unknown kind %d", st.Name, st.Kind)
	}
}

func (p *Pipeline) runJob(ctx context.Context, st Stage, job runner.Job) error {
	code, err := p.exec.Run(ctx, job)
	if err != nil {
		return &runner.ExternalJobError{Stage: st.Name, Job: job.Name, Code: code, Hint: st.Hint, Err: err}
	}
	if code != 0 {
		return &runner.ExternalJobError{Stage: st.Name, Job: job.Name, Code: code, Hint: st.Hint}
	}
	return nil
}
