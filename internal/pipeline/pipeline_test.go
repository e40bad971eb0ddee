package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/3cpo-dev/nanorun/internal/config"
	"github.com/3cpo-dev/nanorun/internal/runner"
	"github.com/3cpo-dev/nanorun/pkg/api"
)

// fakeExec records every job instead of spawning processes.
type fakeExec struct {
	mu        sync.Mutex
	events    []string
	jobs      map[string]runner.Job
	codes     map[string]int
	bulkCode  int
	joined    int
	abandoned int
	killed    int
	onRun     func(job runner.Job)
}

func newFakeExec() *fakeExec {
	return &fakeExec{jobs: map[string]runner.Job{}, codes: map[string]int{}}
}

func (f *fakeExec) Run(ctx context.Context, job runner.Job) (int, error) {
	f.mu.Lock()
	f.events = append(f.events, "run:"+job.Name)
	f.jobs[job.Name] = job
	hook := f.onRun
	code := f.codes[job.Name]
	f.mu.Unlock()
	if hook != nil {
		hook(job)
	}
	return code, nil
}

func (f *fakeExec) Start(ctx context.Context, job runner.Job) (*runner.BackgroundTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "start:"+job.Name)
	f.jobs[job.Name] = job
	wait := func() (int, error) { return f.bulkCode, nil }
	kill := func() error {
		f.mu.Lock()
		f.killed++
		f.mu.Unlock()
		return nil
	}
	return runner.NewBackgroundTask(1, job, 4242, wait, kill), nil
}

func (f *fakeExec) Join(task *runner.BackgroundTask) (int, error) {
	f.mu.Lock()
	f.events = append(f.events, "join:"+task.Job.Name)
	f.joined++
	f.mu.Unlock()
	return task.Wait()
}

func (f *fakeExec) Abandon(task *runner.BackgroundTask) error {
	f.mu.Lock()
	f.events = append(f.events, "abandon:"+task.Job.Name)
	f.abandoned++
	f.mu.Unlock()
	return task.Kill()
}

func (f *fakeExec) count(event string) int {
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

func (f *fakeExec) index(event string) int {
	for i, e := range f.events {
		if e == event {
			return i
		}
	}
	return -1
}

type fakeFetcher struct {
	calls []string
	err   error
}

func (f *fakeFetcher) Download(ctx context.Context, url, dest string) (int64, error) {
	f.calls = append(f.calls, dest)
	if f.err != nil {
		return 0, f.err
	}
	return 42, nil
}

type fakeFinalizer struct {
	calls []string
	err   error
}

func (f *fakeFinalizer) Finalize(ctx context.Context, reportPath string) (string, error) {
	f.calls = append(f.calls, reportPath)
	if f.err != nil {
		return "", f.err
	}
	return "/work/report_final.md", nil
}

func testConfig(t *testing.T, overrides map[string]string) *config.RunConfig {
	t.Helper()
	defaults := config.BuiltinDefaults()
	defaults.BaseDir = t.TempDir()
	defaults.WorkDir = t.TempDir()
	cfg, err := config.Resolve(overrides, defaults)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return cfg
}

type harness struct {
	exec      *fakeExec
	fetcher   *fakeFetcher
	finalizer *fakeFinalizer
	p         *Pipeline
}

func newHarness(cfg *config.RunConfig) *harness {
	h := &harness{exec: newFakeExec(), fetcher: &fakeFetcher{}, finalizer: &fakeFinalizer{}}
	h.p = New(cfg, Options{
		Executor:  h.exec,
		Fetcher:   h.fetcher,
		Finalizer: h.finalizer,
		RunID:     "test-run",
	})
	return h
}

func writeReport(t *testing.T, cfg *config.RunConfig) func(runner.Job) {
	return func(job runner.Job) {
		if job.Name != "report-generate" {
			return
		}
		path := ReportPath(cfg)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Errorf("mkdir: %v", err)
			return
		}
		if err := os.WriteFile(path, []byte("# report\n"), 0o644); err != nil {
			t.Errorf("write report: %v", err)
		}
	}
}

func mustStage(t *testing.T, res *RunResult, name string) StageResult {
	t.Helper()
	sr, ok := res.Stage(name)
	if !ok {
		t.Fatalf("no result recorded for stage %s", name)
	}
	return sr
}

// TestFreshRunWithoutMidtraining covers a fresh run with midtraining disabled.
func TestFreshRunWithoutMidtraining(t *testing.T) {
	cfg := testConfig(t, map[string]string{config.KeyDoMidtraining: "0"})
	h := newHarness(cfg)

	res, err := h.p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Stages) != len(Stages()) {
		t.Fatalf("expected %d stage results, got %d", len(Stages()), len(res.Stages))
	}

	want := []string{
		"run:report-reset", "run:seed-download", "start:bulk-download",
		"run:tokenizer-train", "run:tokenizer-eval", "join:bulk-download",
		"run:base-train", "run:base-loss", "run:base-eval",
		"run:sft-train", "run:sft-eval", "run:report-generate",
	}
	if strings.Join(h.exec.events, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected job sequence:\n got %v\nwant %v", h.exec.events, want)
	}

	for _, name := range []string{StageIdentityFetch, StageMidtrain, StageRL} {
		if sr := mustStage(t, res, name); sr.Outcome != api.OutcomeSkipped {
			t.Fatalf("stage %s: expected skipped, got %s", name, sr.Outcome)
		}
	}
	if len(h.fetcher.calls) != 0 {
		t.Fatalf("identity fetch must not run without midtraining")
	}
	if sr := mustStage(t, res, StageSFT); sr.Outcome != api.OutcomeSucceeded {
		t.Fatalf("sft must always run, got %s", sr.Outcome)
	}
	if res.Status() != api.RunSucceeded {
		t.Fatalf("expected succeeded run, got %s", res.Status())
	}
}

// TestResumeSkipsEarlyStages covers restarting pretraining from a checkpoint step.
func TestResumeSkipsEarlyStages(t *testing.T) {
	cfg := testConfig(t, map[string]string{config.KeyResumeStep: "3000"})
	h := newHarness(cfg)

	res, err := h.p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range []string{StageReportReset, StageSeedDownload, StageBulkDownload, StageTokenizer, StageBulkJoin} {
		sr := mustStage(t, res, name)
		if sr.Outcome != api.OutcomeSkipped {
			t.Fatalf("stage %s: expected skipped, got %s", name, sr.Outcome)
		}
		if sr.Reason != "resuming from step 3000" {
			t.Fatalf("stage %s: unexpected reason %q", name, sr.Reason)
		}
	}
	for _, job := range []string{"report-reset", "seed-download", "bulk-download", "tokenizer-train"} {
		if _, ok := h.exec.jobs[job]; ok {
			t.Fatalf("job %s must not run when resuming", job)
		}
	}
	if h.exec.joined != 0 || h.exec.abandoned != 0 {
		t.Fatalf("no background task should exist, joined=%d abandoned=%d", h.exec.joined, h.exec.abandoned)
	}

	train, ok := h.exec.jobs["base-train"]
	if !ok {
		t.Fatalf("base-train did not run")
	}
	if !containsArg(train.Args, "--resume_from_step=3000") {
		t.Fatalf("resume step not passed through: %v", train.Args)
	}
	if len(h.fetcher.calls) != 1 || h.fetcher.calls[0] != IdentityPath(cfg) {
		t.Fatalf("identity fetch should run once to %s, got %v", IdentityPath(cfg), h.fetcher.calls)
	}
	for _, job := range []string{"mid-train", "sft-train", "report-generate"} {
		if _, ok := h.exec.jobs[job]; !ok {
			t.Fatalf("downstream job %s did not run", job)
		}
	}
}

// TestMissingReportIsNotFatal covers finalization when no report was generated.
func TestMissingReportIsNotFatal(t *testing.T) {
	cfg := testConfig(t, nil)
	h := newHarness(cfg)

	res, err := h.p.Run(context.Background())
	if err != nil {
		t.Fatalf("missing report must not fail the run: %v", err)
	}
	sr := mustStage(t, res, StageFinalize)
	if sr.Outcome != api.OutcomeSkipped {
		t.Fatalf("expected finalize to be skipped, got %s", sr.Outcome)
	}
	if !strings.Contains(sr.Reason, "report not found") {
		t.Fatalf("unexpected reason %q", sr.Reason)
	}
	if len(h.finalizer.calls) != 0 {
		t.Fatalf("finalizer must not be called without a report")
	}
	if res.Report != "" {
		t.Fatalf("expected no report path, got %q", res.Report)
	}
}

func TestReportIsFinalized(t *testing.T) {
	cfg := testConfig(t, nil)
	h := newHarness(cfg)
	h.exec.onRun = writeReport(t, cfg)

	res, err := h.p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.finalizer.calls) != 1 || h.finalizer.calls[0] != ReportPath(cfg) {
		t.Fatalf("expected one finalize call for %s, got %v", ReportPath(cfg), h.finalizer.calls)
	}
	if res.Report != "/work/report_final.md" {
		t.Fatalf("unexpected report path %q", res.Report)
	}
}

func TestFinalizeFailureIsSoft(t *testing.T) {
	cfg := testConfig(t, nil)
	h := newHarness(cfg)
	h.exec.onRun = writeReport(t, cfg)
	h.finalizer.err = errors.New("disk full")

	res, err := h.p.Run(context.Background())
	if err != nil {
		t.Fatalf("finalize failure must not fail the run: %v", err)
	}
	if sr := mustStage(t, res, StageFinalize); sr.Outcome != api.OutcomeFailedSoft {
		t.Fatalf("expected failed-soft, got %s", sr.Outcome)
	}
	if res.Status() != api.RunDegraded {
		t.Fatalf("expected degraded run, got %s", res.Status())
	}
}

func TestBulkJoinFailureIsSoft(t *testing.T) {
	cfg := testConfig(t, nil)
	h := newHarness(cfg)
	h.exec.bulkCode = 1

	res, err := h.p.Run(context.Background())
	if err != nil {
		t.Fatalf("bulk download failure must not abort: %v", err)
	}
	sr := mustStage(t, res, StageBulkJoin)
	if sr.Outcome != api.OutcomeFailedSoft || sr.ExitCode != 1 {
		t.Fatalf("expected failed-soft with code 1, got %s code=%d", sr.Outcome, sr.ExitCode)
	}
	var jerr *runner.ExternalJobError
	if !errors.As(sr.Err, &jerr) || jerr.Hint == "" {
		t.Fatalf("expected an ExternalJobError with a hint, got %v", sr.Err)
	}
	if _, ok := h.exec.jobs["base-train"]; !ok {
		t.Fatalf("pretraining should proceed after a soft failure")
	}
	if res.Status() != api.RunDegraded {
		t.Fatalf("expected degraded run, got %s", res.Status())
	}
}

// TestFatalFailureStillFinalizes checks that a fatal stage stops the normal
// stages while the finalizing stages run exactly once.
func TestFatalFailureStillFinalizes(t *testing.T) {
	cfg := testConfig(t, nil)
	h := newHarness(cfg)
	h.exec.codes["base-train"] = 2
	h.exec.onRun = writeReport(t, cfg)

	res, err := h.p.Run(context.Background())
	var jerr *runner.ExternalJobError
	if !errors.As(err, &jerr) {
		t.Fatalf("expected ExternalJobError, got %v", err)
	}
	if jerr.Stage != StageBaseTrain || jerr.Code != 2 {
		t.Fatalf("unexpected error details: %+v", jerr)
	}
	if sr := mustStage(t, res, StageBaseTrain); sr.Outcome != api.OutcomeFailedFatal {
		t.Fatalf("expected failed-fatal, got %s", sr.Outcome)
	}
	for _, name := range []string{StageBaseEval, StageMidtrain, StageSFT, StageRL} {
		sr := mustStage(t, res, name)
		if sr.Outcome != api.OutcomeSkipped || sr.Reason != "aborted after base-train failure" {
			t.Fatalf("stage %s: expected abort skip, got %s %q", name, sr.Outcome, sr.Reason)
		}
	}
	if _, ok := h.exec.jobs["base-loss"]; ok {
		t.Fatalf("base-eval must not run after a fatal failure")
	}
	if n := h.exec.count("run:report-generate"); n != 1 {
		t.Fatalf("report-generate should run exactly once, ran %d times", n)
	}
	if len(h.finalizer.calls) != 1 {
		t.Fatalf("finalize should run exactly once, ran %d times", len(h.finalizer.calls))
	}
	if res.Status() != api.RunFailed {
		t.Fatalf("expected failed run, got %s", res.Status())
	}
}

func TestFatalTokenizerAbandonsBulkDownload(t *testing.T) {
	cfg := testConfig(t, nil)
	h := newHarness(cfg)
	h.exec.codes["tokenizer-train"] = 1

	res, err := h.p.Run(context.Background())
	if err == nil {
		t.Fatalf("expected tokenizer failure to be fatal")
	}
	if h.exec.joined != 0 {
		t.Fatalf("bulk-join must not run after the tokenizer failed")
	}
	if h.exec.abandoned != 1 || h.exec.killed != 1 {
		t.Fatalf("expected the bulk download to be killed once, abandoned=%d killed=%d", h.exec.abandoned, h.exec.killed)
	}
	if h.exec.index("abandon:bulk-download") > h.exec.index("run:report-generate") {
		t.Fatalf("bulk download should be stopped before finalizing: %v", h.exec.events)
	}
	if _, ok := h.exec.jobs["tokenizer-eval"]; ok {
		t.Fatalf("tokenizer-eval must not run after tokenizer-train failed")
	}
	if sr := mustStage(t, res, StageBulkJoin); sr.Outcome != api.OutcomeSkipped {
		t.Fatalf("expected bulk-join skipped, got %s", sr.Outcome)
	}
}

func TestReportGenerateFailureIsSoft(t *testing.T) {
	cfg := testConfig(t, nil)
	h := newHarness(cfg)
	h.exec.codes["report-generate"] = 1

	res, err := h.p.Run(context.Background())
	if err != nil {
		t.Fatalf("report failure must not fail the run: %v", err)
	}
	if sr := mustStage(t, res, StageReportGenerate); sr.Outcome != api.OutcomeFailedSoft {
		t.Fatalf("expected failed-soft, got %s", sr.Outcome)
	}
}

func TestIdentityFetchFailureIsFatal(t *testing.T) {
	cfg := testConfig(t, nil)
	h := newHarness(cfg)
	h.fetcher.err = errors.New("connection refused")

	res, err := h.p.Run(context.Background())
	if err == nil {
		t.Fatalf("expected identity fetch failure to abort the run")
	}
	if sr := mustStage(t, res, StageIdentityFetch); sr.Outcome != api.OutcomeFailedFatal {
		t.Fatalf("expected failed-fatal, got %s", sr.Outcome)
	}
	if _, ok := h.exec.jobs["base-train"]; ok {
		t.Fatalf("base-train must not run after a fatal fetch failure")
	}
	if h.exec.count("run:report-generate") != 1 {
		t.Fatalf("report-generate should still run")
	}
}

func TestInterruptedRunStillFinalizes(t *testing.T) {
	cfg := testConfig(t, nil)
	h := newHarness(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.p.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	sr := mustStage(t, res, StageReportReset)
	if sr.Outcome != api.OutcomeSkipped || sr.Reason != "aborted after interrupt" {
		t.Fatalf("unexpected first stage result: %s %q", sr.Outcome, sr.Reason)
	}
	if h.exec.count("run:report-generate") != 1 {
		t.Fatalf("report-generate should run after an interrupt, events=%v", h.exec.events)
	}
}

func TestJobArguments(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		config.KeyDeviceBatchSize: "15",
		config.KeyTotalBatchSize:  "524288",
		config.KeyNProcPerNode:    "4",
	})
	b := JobBuilder{Cfg: cfg, Commands: DefaultCommands()}

	jobs := baseEvalJobs(b)
	if len(jobs) != 2 {
		t.Fatalf("expected two base-eval jobs, got %d", len(jobs))
	}
	loss := jobs[0]
	if loss.Command != "torchrun" {
		t.Fatalf("expected torchrun launcher, got %s", loss.Command)
	}
	for _, arg := range []string{"--nproc_per_node=4", "--device_batch_size=7", "--split_tokens=10485760", "--model_tag=d20"} {
		if !containsArg(loss.Args, arg) {
			t.Fatalf("missing %s in %v", arg, loss.Args)
		}
	}
	if !containsArg(loss.Env, "NANOCHAT_BASE_DIR="+cfg.BaseDir) {
		t.Fatalf("job env missing base dir: %v", loss.Env)
	}
	if loss.Dir != cfg.WorkDir {
		t.Fatalf("expected job dir %s, got %s", cfg.WorkDir, loss.Dir)
	}

	train := baseTrainJobs(b)[0]
	for _, arg := range train.Args {
		if strings.HasPrefix(arg, "--resume_from_step") {
			t.Fatalf("fresh run must not pass a resume step: %v", train.Args)
		}
	}

	seed := seedDownloadJobs(b)[0]
	if seed.Command != "python" || !containsArg(seed.Args, "nanochat.dataset") || !containsArg(seed.Args, "8") {
		t.Fatalf("unexpected seed download job: %s", seed)
	}
}

func TestPlan(t *testing.T) {
	cfg := testConfig(t, map[string]string{config.KeyResumeStep: "100", config.KeyDoRL: "1"})
	entries := Plan(cfg, DefaultCommands(), config.DefaultIdentityURL)
	if len(entries) != len(Stages()) {
		t.Fatalf("expected %d entries, got %d", len(Stages()), len(entries))
	}
	byName := map[string]PlanEntry{}
	for _, e := range entries {
		byName[e.Stage.Name] = e
	}
	if e := byName[StageTokenizer]; e.Active || e.Reason != "resuming from step 100" {
		t.Fatalf("tokenizer should be inactive while resuming, got %+v", e)
	}
	if e := byName[StageRL]; !e.Active || len(e.Jobs) != 2 {
		t.Fatalf("rl should be active with two jobs, got active=%v jobs=%d", e.Active, len(e.Jobs))
	}
	if e := byName[StageIdentityFetch]; !strings.Contains(e.Detail, IdentityPath(cfg)) {
		t.Fatalf("fetch detail should name the destination, got %q", e.Detail)
	}
}

func TestResultRecords(t *testing.T) {
	res := &RunResult{
		RunID: "r1",
		Stages: []StageResult{
			{Name: StageSFT, Outcome: api.OutcomeSucceeded},
			{Name: StageRL, Outcome: api.OutcomeSkipped, Reason: "DO_RL=0"},
			{Name: StageReportGenerate, Outcome: api.OutcomeFailedSoft, ExitCode: 1, Err: errors.New("boom")},
		},
	}
	recs := res.Records()
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[1].Seq != 2 || recs[1].Message != "DO_RL=0" || recs[1].RunID != "r1" {
		t.Fatalf("unexpected record: %+v", recs[1])
	}
	if recs[2].Message != "boom" || recs[2].ExitCode != 1 {
		t.Fatalf("unexpected record: %+v", recs[2])
	}
	if res.Status() != api.RunDegraded {
		t.Fatalf("expected degraded, got %s", res.Status())
	}
}

func TestFailureOutcome(t *testing.T) {
	cases := []struct {
		policy Policy
		region Region
		want   api.Outcome
	}{
		{Fatal, RegionNormal, api.OutcomeFailedFatal},
		{Soft, RegionNormal, api.OutcomeFailedSoft},
		{Fatal, RegionFinalizing, api.OutcomeFailedSoft},
		{Soft, RegionFinalizing, api.OutcomeFailedSoft},
	}
	for _, c := range cases {
		if got := failureOutcome(c.policy, c.region); got != c.want {
			t.Fatalf("failureOutcome(%s, %s) = %s, want %s", c.policy, c.region, got, c.want)
		}
	}
}

func TestInspectArtifacts(t *testing.T) {
	cfg := testConfig(t, map[string]string{config.KeyResumeStep: "5"})
	if st := InspectArtifacts(cfg); st.Shards != 0 || st.Tokenizer {
		t.Fatalf("expected empty state, got %+v", st)
	}
	if err := os.MkdirAll(DataDir(cfg), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"shard_00000.parquet", "shard_00001.parquet", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(DataDir(cfg), name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(TokenizerPath(cfg)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(TokenizerPath(cfg), []byte("tok"), 0o644); err != nil {
		t.Fatal(err)
	}
	st := InspectArtifacts(cfg)
	if st.Shards != 2 || !st.Tokenizer {
		t.Fatalf("expected 2 shards and a tokenizer, got %+v", st)
	}
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
