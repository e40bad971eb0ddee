package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// NoResume marks a run that starts from scratch instead of a checkpoint step.
const NoResume = -1

// Recognized override keys.
const (
	KeyNProcPerNode       = "NPROC_PER_NODE"
	KeyDepth              = "DEPTH"
	KeyDeviceBatchSize    = "DEVICE_BATCH_SIZE"
	KeyTotalBatchSize     = "TOTAL_BATCH_SIZE"
	KeyMaxSeqLen          = "MAX_SEQ_LEN"
	KeySFTDeviceBatchSize = "SFT_DEVICE_BATCH_SIZE"
	KeySFTTotalBatchSize  = "SFT_TOTAL_BATCH_SIZE"
	KeyNumShards          = "NUM_SHARDS"
	KeySeedShards         = "SEED_SHARDS"
	KeyModelTag           = "MODEL_TAG"
	KeyDoTokenizer        = "DO_TOKENIZER"
	KeyDoPretraining      = "DO_PRETRAINING"
	KeyDoMidtraining      = "DO_MIDTRAINING"
	KeyDoRL               = "DO_RL"
	KeyServeChat          = "SERVE_CHAT"
	KeyResumeStep         = "RESUME_STEP"
	KeyRunName            = "WANDB_RUN"
	KeyOMPThreads         = "OMP_NUM_THREADS"
	KeyBaseDir            = "NANOCHAT_BASE_DIR"
)

// Keys lists every override the resolver understands.
var Keys = []string{
	KeyNProcPerNode, KeyDepth, KeyDeviceBatchSize, KeyTotalBatchSize, KeyMaxSeqLen,
	KeySFTDeviceBatchSize, KeySFTTotalBatchSize, KeyNumShards, KeySeedShards,
	KeyModelTag, KeyDoTokenizer, KeyDoPretraining, KeyDoMidtraining, KeyDoRL,
	KeyServeChat, KeyResumeStep, KeyRunName, KeyOMPThreads, KeyBaseDir,
}

// ConfigError reports an override that could not be used.
type ConfigError struct {
	Key    string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("config error: %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s=%q: %s", e.Key, e.Value, e.Reason)
}

// Defaults is the table of fallback values used when an override is absent.
type Defaults struct {
	NProcPerNode       int    `yaml:"nproc_per_node"`
	Depth              int    `yaml:"depth"`
	DeviceBatchSize    int    `yaml:"device_batch_size"`
	TotalBatchSize     int    `yaml:"total_batch_size"`
	MaxSeqLen          int    `yaml:"max_seq_len"`
	SFTDeviceBatchSize int    `yaml:"sft_device_batch_size"`
	SFTTotalBatchSize  int    `yaml:"sft_total_batch_size"`
	NumShards          int    `yaml:"num_shards"`
	SeedShards         int    `yaml:"seed_shards"`
	ModelTag           string `yaml:"model_tag"`
	DoTokenizer        bool   `yaml:"do_tokenizer"`
	DoPretraining      bool   `yaml:"do_pretraining"`
	DoMidtraining      bool   `yaml:"do_midtraining"`
	DoRL               bool   `yaml:"do_rl"`
	ServeChat          bool   `yaml:"serve_chat"`
	RunName            string `yaml:"run_name"`
	OMPThreads         int    `yaml:"omp_threads"`
	BaseDir            string `yaml:"base_dir"`
	WorkDir            string `yaml:"work_dir"`
}

// BuiltinDefaults returns the documented defaults for a speedrun-sized model.
func BuiltinDefaults() Defaults {
	return Defaults{
		NProcPerNode:       8,
		Depth:              20,
		DeviceBatchSize:    32,
		TotalBatchSize:     524288,
		MaxSeqLen:          2048,
		SFTDeviceBatchSize: 4,
		SFTTotalBatchSize:  32,
		NumShards:          240,
		SeedShards:         8,
		DoTokenizer:        true,
		DoPretraining:      true,
		DoMidtraining:      true,
		DoRL:               false,
		ServeChat:          true,
		RunName:            "dummy",
		OMPThreads:         1,
		BaseDir:            defaultBaseDir(),
		WorkDir:            ".",
	}
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cache", "nanochat")
	}
	return filepath.Join(home, ".cache", "nanochat")
}

// RunConfig is the immutable set of tunables for one pipeline run.
// Resolve builds it; nothing writes to it afterwards.
type RunConfig struct {
	NProcPerNode       int    `yaml:"nproc_per_node"`
	Depth              int    `yaml:"depth"`
	DeviceBatchSize    int    `yaml:"device_batch_size"`
	TotalBatchSize     int    `yaml:"total_batch_size"`
	MaxSeqLen          int    `yaml:"max_seq_len"`
	SFTDeviceBatchSize int    `yaml:"sft_device_batch_size"`
	SFTTotalBatchSize  int    `yaml:"sft_total_batch_size"`
	NumShards          int    `yaml:"num_shards"`
	SeedShards         int    `yaml:"seed_shards"`
	ModelTag           string `yaml:"model_tag"`
	DoTokenizer        bool   `yaml:"do_tokenizer"`
	DoPretraining      bool   `yaml:"do_pretraining"`
	DoMidtraining      bool   `yaml:"do_midtraining"`
	DoRL               bool   `yaml:"do_rl"`
	ServeChat          bool   `yaml:"serve_chat"`
	ResumeStep         int    `yaml:"resume_step"`
	RunName            string `yaml:"run_name"`
	OMPThreads         int    `yaml:"omp_threads"`
	BaseDir            string `yaml:"base_dir"`
	WorkDir            string `yaml:"work_dir"`
}

// Resuming reports whether the run restarts from a checkpoint step.
func (c *RunConfig) Resuming() bool { return c.ResumeStep != NoResume }

// SplitTokens is the token budget of the base-loss evaluation split.
func (c *RunConfig) SplitTokens() int { return 20 * c.TotalBatchSize }

// EvalBatchSize halves the training batch with integer division.
func (c *RunConfig) EvalBatchSize() int { return c.DeviceBatchSize / 2 }

// FreshStart is true when the early data and tokenizer stages must run.
func (c *RunConfig) FreshStart() bool {
	return c.DoTokenizer && c.DoPretraining && !c.Resuming()
}

// Resolve merges overrides onto defaults. It does not touch the process
// environment. Empty override values count as absent.
func Resolve(overrides map[string]string, defaults Defaults) (*RunConfig, error) {
	r := resolver{overrides: overrides}
	cfg := &RunConfig{
		NProcPerNode:       r.count(KeyNProcPerNode, defaults.NProcPerNode),
		Depth:              r.count(KeyDepth, defaults.Depth),
		DeviceBatchSize:    r.count(KeyDeviceBatchSize, defaults.DeviceBatchSize),
		TotalBatchSize:     r.count(KeyTotalBatchSize, defaults.TotalBatchSize),
		MaxSeqLen:          r.count(KeyMaxSeqLen, defaults.MaxSeqLen),
		SFTDeviceBatchSize: r.count(KeySFTDeviceBatchSize, defaults.SFTDeviceBatchSize),
		SFTTotalBatchSize:  r.count(KeySFTTotalBatchSize, defaults.SFTTotalBatchSize),
		NumShards:          r.count(KeyNumShards, defaults.NumShards),
		SeedShards:         r.count(KeySeedShards, defaults.SeedShards),
		ModelTag:           r.str(KeyModelTag, defaults.ModelTag),
		DoTokenizer:        r.toggle(KeyDoTokenizer, defaults.DoTokenizer),
		DoPretraining:      r.toggle(KeyDoPretraining, defaults.DoPretraining),
		DoMidtraining:      r.toggle(KeyDoMidtraining, defaults.DoMidtraining),
		DoRL:               r.toggle(KeyDoRL, defaults.DoRL),
		ServeChat:          r.toggle(KeyServeChat, defaults.ServeChat),
		ResumeStep:         r.resume(KeyResumeStep),
		RunName:            r.str(KeyRunName, defaults.RunName),
		OMPThreads:         r.count(KeyOMPThreads, defaults.OMPThreads),
		BaseDir:            r.str(KeyBaseDir, defaults.BaseDir),
		WorkDir:            defaults.WorkDir,
	}
	if r.err != nil {
		return nil, r.err
	}
	if cfg.ModelTag == "" {
		cfg.ModelTag = fmt.Sprintf("d%d", cfg.Depth)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the preconditions the pipeline relies on.
func (c *RunConfig) Validate() error {
	if c.DeviceBatchSize < 2 {
		return &ConfigError{Key: KeyDeviceBatchSize, Value: strconv.Itoa(c.DeviceBatchSize), Reason: "must be at least 2 so the evaluation batch is non-empty"}
	}
	if c.NProcPerNode < 1 {
		return &ConfigError{Key: KeyNProcPerNode, Value: strconv.Itoa(c.NProcPerNode), Reason: "must be at least 1"}
	}
	if c.SeedShards > c.NumShards {
		return &ConfigError{Key: KeySeedShards, Value: strconv.Itoa(c.SeedShards), Reason: fmt.Sprintf("exceeds %s=%d", KeyNumShards, c.NumShards)}
	}
	if !c.DoTokenizer && c.DoPretraining && !c.Resuming() {
		return &ConfigError{Key: KeyDoTokenizer, Value: "0", Reason: "pretraining from scratch needs the tokenizer stage; enable it or set " + KeyResumeStep}
	}
	if strings.TrimSpace(c.BaseDir) == "" {
		return &ConfigError{Key: KeyBaseDir, Reason: "base directory is required"}
	}
	return nil
}

// resolver records the first parse failure and keeps returning zero values after it.
type resolver struct {
	overrides map[string]string
	err       error
}

func (r *resolver) lookup(key string) (string, bool) {
	v, ok := r.overrides[key]
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *resolver) fail(key, value, reason string) {
	if r.err == nil {
		r.err = &ConfigError{Key: key, Value: value, Reason: reason}
	}
}

func (r *resolver) integer(key string, def int) (int, string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return def, "", true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, "not an integer")
		return 0, v, false
	}
	return n, v, true
}

func (r *resolver) count(key string, def int) int {
	n, raw, ok := r.integer(key, def)
	if ok && n < 0 {
		r.fail(key, raw, "must not be negative")
	}
	return n
}

func (r *resolver) toggle(key string, def bool) bool {
	d := 0
	if def {
		d = 1
	}
	n, _, _ := r.integer(key, d)
	return n != 0
}

func (r *resolver) resume(key string) int {
	v, ok := r.lookup(key)
	if !ok {
		return NoResume
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, "not an integer")
		return NoResume
	}
	if n < 0 {
		r.fail(key, v, "resume step must not be negative")
		return NoResume
	}
	return n
}

func (r *resolver) str(key, def string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return def
}
