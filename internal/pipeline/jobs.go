package pipeline

import (
	"fmt"
	"strconv"

	"github.com/3cpo-dev/nanorun/internal/config"
	"github.com/3cpo-dev/nanorun/internal/runner"
)

// Commands names the launchers used for external jobs.
type Commands struct {
	Python   string
	Torchrun string
}

// DefaultCommands uses whatever python and torchrun are on PATH.
func DefaultCommands() Commands {
	return Commands{Python: "python", Torchrun: "torchrun"}
}

// JobBuilder turns a RunConfig into concrete job invocations. Only the fields a
// job needs end up in its arguments; JobEnv carries the shared environment.
type JobBuilder struct {
	Cfg      *config.RunConfig
	Commands Commands
}

// Python builds `python -m <module> <args>`.
func (b JobBuilder) Python(stage, name, module string, args ...string) runner.Job {
	return runner.Job{
		Stage:   stage,
		Name:    name,
		Command: b.Commands.Python,
		Args:    append([]string{"-m", module}, args...),
		Env:     b.Cfg.JobEnv(),
		Dir:     b.Cfg.WorkDir,
	}
}

// Torchrun builds a single-node distributed launch of <module>.
func (b JobBuilder) Torchrun(stage, name, module string, args ...string) runner.Job {
	launch := []string{
		"--standalone",
		"--nproc_per_node=" + strconv.Itoa(b.Cfg.NProcPerNode),
		"-m", module,
		"--",
	}
	return runner.Job{
		Stage:   stage,
		Name:    name,
		Command: b.Commands.Torchrun,
		Args:    append(launch, args...),
		Env:     b.Cfg.JobEnv(),
		Dir:     b.Cfg.WorkDir,
	}
}

func flag(name string, v any) string {
	return fmt.Sprintf("--%s=%v", name, v)
}

func reportResetJobs(b JobBuilder) []runner.Job {
	return []runner.Job{b.Python(StageReportReset, "report-reset", "nanochat.report", "reset")}
}

func seedDownloadJobs(b JobBuilder) []runner.Job {
	return []runner.Job{b.Python(StageSeedDownload, "seed-download", "nanochat.dataset", "-n", strconv.Itoa(b.Cfg.SeedShards))}
}

func bulkDownloadJobs(b JobBuilder) []runner.Job {
	return []runner.Job{b.Python(StageBulkDownload, "bulk-download", "nanochat.dataset", "-n", strconv.Itoa(b.Cfg.NumShards))}
}

func tokenizerJobs(b JobBuilder) []runner.Job {
	return []runner.Job{
		b.Python(StageTokenizer, "tokenizer-train", "scripts.tok_train", flag("max_chars", 2000000000)),
		b.Python(StageTokenizer, "tokenizer-eval", "scripts.tok_eval"),
	}
}

func baseTrainJobs(b JobBuilder) []runner.Job {
	c := b.Cfg
	args := []string{
		flag("depth", c.Depth),
		flag("device_batch_size", c.DeviceBatchSize),
		flag("total_batch_size", c.TotalBatchSize),
		flag("max_seq_len", c.MaxSeqLen),
		flag("run", c.RunName),
		flag("model_tag", c.ModelTag),
	}
	if c.Resuming() {
		args = append(args, flag("resume_from_step", c.ResumeStep))
	}
	return []runner.Job{b.Torchrun(StageBaseTrain, "base-train", "scripts.base_train", args...)}
}

func baseEvalJobs(b JobBuilder) []runner.Job {
	c := b.Cfg
	return []runner.Job{
		b.Torchrun(StageBaseEval, "base-loss", "scripts.base_loss",
			flag("device_batch_size", c.EvalBatchSize()),
			flag("split_tokens", c.SplitTokens()),
			flag("model_tag", c.ModelTag),
		),
		b.Torchrun(StageBaseEval, "base-eval", "scripts.base_eval", flag("model_tag", c.ModelTag)),
	}
}

func midtrainJobs(b JobBuilder) []runner.Job {
	c := b.Cfg
	return []runner.Job{
		b.Torchrun(StageMidtrain, "mid-train", "scripts.mid_train",
			flag("device_batch_size", c.DeviceBatchSize),
			flag("total_batch_size", c.TotalBatchSize),
			flag("max_seq_len", c.MaxSeqLen),
			flag("run", c.RunName),
			flag("model_tag", c.ModelTag),
		),
		b.Torchrun(StageMidtrain, "mid-eval", "scripts.chat_eval", "-i", "mid", flag("model_tag", c.ModelTag)),
	}
}

func sftJobs(b JobBuilder) []runner.Job {
	c := b.Cfg
	return []runner.Job{
		b.Torchrun(StageSFT, "sft-train", "scripts.chat_sft",
			flag("device_batch_size", c.SFTDeviceBatchSize),
			flag("target_examples_per_step", c.SFTTotalBatchSize),
			flag("run", c.RunName),
			flag("model_tag", c.ModelTag),
		),
		b.Torchrun(StageSFT, "sft-eval", "scripts.chat_eval", "-i", "sft", flag("model_tag", c.ModelTag)),
	}
}

func rlJobs(b JobBuilder) []runner.Job {
	c := b.Cfg
	return []runner.Job{
		b.Torchrun(StageRL, "rl-train", "scripts.chat_rl", flag("run", c.RunName), flag("model_tag", c.ModelTag)),
		b.Torchrun(StageRL, "rl-eval", "scripts.chat_eval", "-i", "rl", "-a", "GSM8K", flag("model_tag", c.ModelTag)),
	}
}

func reportGenerateJobs(b JobBuilder) []runner.Job {
	return []runner.Job{b.Python(StageReportGenerate, "report-generate", "nanochat.report", "generate")}
}

// ChatServerJob is the interactive web chat started after the pipeline.
func ChatServerJob(b JobBuilder) runner.Job {
	return b.Python("chat", "chat-web", "scripts.chat_web")
}
