package pipeline

import (
	"github.com/3cpo-dev/nanorun/internal/config"
	"github.com/3cpo-dev/nanorun/internal/runner"
)

// Stage names, in pipeline order.
const (
	StageReportReset    = "report-reset"
	StageSeedDownload   = "seed-download"
	StageBulkDownload   = "bulk-download"
	StageTokenizer      = "tokenizer"
	StageBulkJoin       = "bulk-join"
	StageIdentityFetch  = "identity-fetch"
	StageBaseTrain      = "base-train"
	StageBaseEval       = "base-eval"
	StageMidtrain       = "midtrain"
	StageSFT            = "sft"
	StageRL             = "rl"
	StageReportGenerate = "report-generate"
	StageFinalize       = "finalize-artifact"
)

// Kind selects how the driver executes a stage.
type Kind int

const (
	// KindJobs runs the stage's jobs one after another and waits for each.
	KindJobs Kind = iota
	// KindBackground starts the stage's single job and keeps the handle.
	KindBackground
	// KindJoin waits for the handle kept by the KindBackground stage.
	KindJoin
	// KindFetch downloads the identity conversations file.
	KindFetch
	// KindFinalize copies and publishes the generated report.
	KindFinalize
)

// Predicate decides from the configuration whether a stage runs.
type Predicate func(cfg *config.RunConfig) bool

// Stage is one fixed step of the pipeline.
type Stage struct {
	Name   string
	Kind   Kind
	Active Predicate
	Policy Policy
	Region Region
	// Jobs builds the external invocations for KindJobs and KindBackground.
	Jobs func(b JobBuilder) []runner.Job
	// Off explains a false predicate in plans and logs.
	Off string
	// ResumeSkips marks stages a resumed run trusts from a prior run.
	ResumeSkips bool
	// Hint is attached to failures to tell the user what it means.
	Hint string
}

func always(*config.RunConfig) bool { return true }

func freshStart(c *config.RunConfig) bool { return c.FreshStart() }

func pretraining(c *config.RunConfig) bool { return c.DoPretraining }

func midtraining(c *config.RunConfig) bool { return c.DoMidtraining }

func reinforcement(c *config.RunConfig) bool { return c.DoRL }

// Stages returns the fixed pipeline definition.
func Stages() []Stage {
	const freshOff = "needs DO_TOKENIZER=1 and DO_PRETRAINING=1"
	return []Stage{
		{Name: StageReportReset, Kind: KindJobs, Active: freshStart, Policy: Fatal, Jobs: reportResetJobs, Off: freshOff, ResumeSkips: true},
		{Name: StageSeedDownload, Kind: KindJobs, Active: freshStart, Policy: Fatal, Jobs: seedDownloadJobs, Off: freshOff, ResumeSkips: true},
		{Name: StageBulkDownload, Kind: KindBackground, Active: freshStart, Policy: Fatal, Jobs: bulkDownloadJobs, Off: freshOff, ResumeSkips: true},
		{Name: StageTokenizer, Kind: KindJobs, Active: freshStart, Policy: Fatal, Jobs: tokenizerJobs, Off: freshOff, ResumeSkips: true},
		{Name: StageBulkJoin, Kind: KindJoin, Active: freshStart, Policy: Soft, Off: freshOff, ResumeSkips: true,
			Hint: "training may iterate over fewer shards than requested"},
		{Name: StageIdentityFetch, Kind: KindFetch, Active: midtraining, Policy: Fatal, Off: "DO_MIDTRAINING=0"},
		{Name: StageBaseTrain, Kind: KindJobs, Active: pretraining, Policy: Fatal, Jobs: baseTrainJobs, Off: "DO_PRETRAINING=0"},
		{Name: StageBaseEval, Kind: KindJobs, Active: pretraining, Policy: Fatal, Jobs: baseEvalJobs, Off: "DO_PRETRAINING=0"},
		{Name: StageMidtrain, Kind: KindJobs, Active: midtraining, Policy: Fatal, Jobs: midtrainJobs, Off: "DO_MIDTRAINING=0"},
		{Name: StageSFT, Kind: KindJobs, Active: always, Policy: Fatal, Jobs: sftJobs},
		{Name: StageRL, Kind: KindJobs, Active: reinforcement, Policy: Fatal, Jobs: rlJobs, Off: "DO_RL=0"},
		{Name: StageReportGenerate, Kind: KindJobs, Active: always, Policy: Soft, Region: RegionFinalizing, Jobs: reportGenerateJobs,
			Hint: "the trained model is still usable"},
		{Name: StageFinalize, Kind: KindFinalize, Active: always, Policy: Soft, Region: RegionFinalizing},
	}
}
