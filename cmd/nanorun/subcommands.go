package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/nanorun/internal/artifact"
	"github.com/3cpo-dev/nanorun/internal/config"
	"github.com/3cpo-dev/nanorun/internal/fetch"
	"github.com/3cpo-dev/nanorun/internal/pipeline"
	"github.com/3cpo-dev/nanorun/internal/runner"
	"github.com/3cpo-dev/nanorun/internal/store"
	"github.com/3cpo-dev/nanorun/internal/telemetry"
	"github.com/3cpo-dev/nanorun/pkg/api"
)

// Resolve the file config and the run config derived from it
func loadRunConfig(cmd *cobra.Command) (*config.RunConfig, config.File, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	file, err := config.LoadFile(cfgPath)
	if err != nil {
		return nil, file, err
	}
	cfg, err := config.Resolve(config.EnvOverrides(os.Environ()), file.Defaults)
	if err != nil {
		return nil, file, err
	}
	return cfg, file, nil
}

func commandsFrom(file config.File) pipeline.Commands {
	return pipeline.Commands{Python: file.Commands.Python, Torchrun: file.Commands.Torchrun}
}

func ledgerPath(file config.File, cfg *config.RunConfig) string {
	if file.Store.Path != "" {
		return file.Store.Path
	}
	return filepath.Join(cfg.BaseDir, "nanorun.db")
}

// Run the pipeline
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the training pipeline",
		Long: "Resolve the configuration (environment over config file over built-in defaults), " +
			"run every active stage, finalize the report and optionally start the chat server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			noChat, _ := cmd.Flags().GetBool("no-chat")
			cfg, file, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			telemetry.InitGlobal(file.Telemetry.Enabled)
			ctx := cmd.Context()
			runID := uuid.NewString()
			logger := log.With().Str("run_id", runID).Logger()

			pubs, err := artifact.Publishers(file.Publish)
			if err != nil {
				logger.Warn().Err(err).Msg("Report publishing disabled")
				pubs = nil
			}
			retry := fetch.DefaultRetryConfig()
			retry.MaxRetries = file.Fetch.Retries
			fetcher := fetch.NewClient(time.Duration(file.Fetch.TimeoutSeconds)*time.Second, retry)
			jobs := runner.New()
			cmds := commandsFrom(file)

			p := pipeline.New(cfg, pipeline.Options{
				Executor:    jobs,
				Fetcher:     fetcher,
				Finalizer:   artifact.NewFinalizer(cfg, pubs...),
				Commands:    cmds,
				IdentityURL: file.IdentityURL,
				RunID:       runID,
			})

			ledger := openLedger(ctx, file, cfg)
			if ledger != nil {
				defer ledger.Close()
			}
			started := time.Now()
			if ledger != nil {
				rec := api.RunRecord{
					ID:         runID,
					RunName:    cfg.RunName,
					ModelTag:   cfg.ModelTag,
					Depth:      cfg.Depth,
					ResumeStep: cfg.ResumeStep,
					Status:     api.RunRunning,
					StartedAt:  started,
				}
				if err := ledger.BeginRun(ctx, rec); err != nil {
					logger.Warn().Err(err).Msg("Failed to record run start")
				}
			}

			res, runErr := p.Run(ctx)
			res.Log(logger)
			if ledger != nil {
				recordRun(context.WithoutCancel(ctx), ledger, cfg, res)
			}
			telemetry.GetGlobal().Flush()

			if runErr != nil {
				return fmt.Errorf("pipeline aborted: %w", runErr)
			}
			if cfg.ServeChat && !noChat {
				serveChat(ctx, jobs, pipeline.JobBuilder{Cfg: cfg, Commands: cmds})
			}
			return nil
		},
	}
	cmd.Flags().Bool("no-chat", false, "do not start the chat server after the pipeline")
	return cmd
}

func openLedger(ctx context.Context, file config.File, cfg *config.RunConfig) *store.Store {
	if file.Store.Disabled {
		return nil
	}
	path := ledgerPath(file, cfg)
	s, err := store.NewStore(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Run ledger unavailable")
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Ping(pctx); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Run ledger unhealthy")
		s.Close()
		return nil
	}
	return s
}

func recordRun(ctx context.Context, ledger *store.Store, cfg *config.RunConfig, res *pipeline.RunResult) {
	rec := api.RunRecord{
		ID:         res.RunID,
		RunName:    cfg.RunName,
		ModelTag:   cfg.ModelTag,
		Depth:      cfg.Depth,
		ResumeStep: cfg.ResumeStep,
		Status:     res.Status(),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Report:     res.Report,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := ledger.FinishRun(ctx, rec, res.Records()); err != nil {
		log.Warn().Err(err).Str("run_id", res.RunID).Msg("Failed to record run outcome")
	}
}

// serveChat starts the web chat when someone is at the terminal to use it.
// Its exit status does not affect the run.
func serveChat(ctx context.Context, jobs *runner.Runner, b pipeline.JobBuilder) {
	fd := os.Stdin.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		log.Info().Msg("Not attached to a terminal; skipping chat server")
		return
	}
	job := pipeline.ChatServerJob(b)
	log.Info().Str("cmd", job.String()).Msg("Starting chat server; press Ctrl-C to stop")
	code, err := jobs.Run(ctx, job)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("Chat server failed to start")
		return
	}
	log.Info().Int("exit_code", code).Msg("Chat server stopped")
}

// Dry run
func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show which stages would run and the jobs they would launch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, file, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), cfg, pipeline.Plan(cfg, commandsFrom(file), file.IdentityURL))
			return nil
		},
	}
}

func printPlan(w io.Writer, cfg *config.RunConfig, entries []pipeline.PlanEntry) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("nanorun plan: depth %d, model tag %s", cfg.Depth, cfg.ModelTag)))
	fmt.Fprintf(w, "  base dir       %s\n", cfg.BaseDir)
	fmt.Fprintf(w, "  shards         %d (seed %d)\n", cfg.NumShards, cfg.SeedShards)
	fmt.Fprintf(w, "  split tokens   %s\n", humanize.Comma(int64(cfg.SplitTokens())))
	fmt.Fprintf(w, "  eval batch     %d\n", cfg.EvalBatchSize())
	if cfg.Resuming() {
		st := pipeline.InspectArtifacts(cfg)
		fmt.Fprintf(w, "  resume step    %d (found %d shards, tokenizer %v)\n", cfg.ResumeStep, st.Shards, st.Tokenizer)
	}
	fmt.Fprintln(w)
	for i, e := range entries {
		line := fmt.Sprintf("%2d %s %-18s %s", i+1, styleActive(e.Active), e.Stage.Name, subtleStyle.Render(e.Stage.Policy.String()+"/"+e.Stage.Region.String()))
		if !e.Active {
			line += "  " + subtleStyle.Render(e.Reason)
		}
		fmt.Fprintln(w, line)
		if !e.Active {
			continue
		}
		for _, j := range e.Jobs {
			fmt.Fprintf(w, "       $ %s\n", j.String())
		}
		if e.Detail != "" {
			fmt.Fprintf(w, "       %s\n", subtleStyle.Render(e.Detail))
		}
	}
}

// Print the resolved configuration
func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved run configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	}
}

// Inspect the run ledger
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or the stages of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, file, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			path := ledgerPath(file, cfg)
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no run ledger at %s: %w", path, err)
			}
			ledger, err := store.NewStore(path)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer ledger.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				runs, err := ledger.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				printRuns(out, runs)
				return nil
			}
			run, err := ledger.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			stages, err := ledger.ListStages(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			printRun(out, run, stages)
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "maximum number of runs to list (0 for all)")
	return cmd
}

func printRuns(w io.Writer, runs []api.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-8s  %-10s  %-16s  %-10s  %s", "RUN", "STATUS", "STARTED", "TOOK", "MODEL")))
	for _, r := range runs {
		took := "-"
		if !r.FinishedAt.IsZero() {
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%-8s  %s  %-16s  %-10s  %s\n", shortID(r.ID), styleStatus(r.Status), humanize.Time(r.StartedAt), took, r.ModelTag)
	}
}

func printRun(w io.Writer, run api.RunRecord, stages []api.StageRecord) {
	fmt.Fprintln(w, headerStyle.Render("run "+run.ID))
	fmt.Fprintf(w, "  status     %s\n", styleStatus(run.Status))
	fmt.Fprintf(w, "  model      %s (depth %d, run %s)\n", run.ModelTag, run.Depth, run.RunName)
	if run.ResumeStep != config.NoResume {
		fmt.Fprintf(w, "  resumed    step %d\n", run.ResumeStep)
	}
	fmt.Fprintf(w, "  started    %s (%s)\n", run.StartedAt.Local().Format(time.RFC3339), humanize.Time(run.StartedAt))
	if run.Report != "" {
		fmt.Fprintf(w, "  report     %s\n", run.Report)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  error      %s\n", run.Error)
	}
	fmt.Fprintln(w)
	for _, s := range stages {
		took := ""
		if s.Duration > 0 {
			took = s.Duration.Round(time.Second).String()
		}
		line := fmt.Sprintf("%2d %-18s %s %8s", s.Seq, s.Name, styleOutcome(s.Outcome), took)
		if s.Message != "" {
			line += "  " + subtleStyle.Render(strings.TrimSpace(s.Message))
		}
		fmt.Fprintln(w, line)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
