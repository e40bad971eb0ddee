package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func testDefaults() Defaults {
	d := BuiltinDefaults()
	d.BaseDir = "/tmp/nanochat"
	return d
}

func TestResolveDefaults(t *testing.T) {
	cfg, err := Resolve(nil, testDefaults())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Depth != 20 || cfg.NProcPerNode != 8 || cfg.DeviceBatchSize != 32 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.TotalBatchSize != 524288 || cfg.NumShards != 240 || cfg.MaxSeqLen != 2048 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ModelTag != "d20" {
		t.Errorf("expected model tag d20, got %q", cfg.ModelTag)
	}
	if cfg.Resuming() {
		t.Errorf("expected no resume step")
	}
	if !cfg.FreshStart() {
		t.Errorf("expected a fresh start with default toggles")
	}
}

func TestResolveOverrides(t *testing.T) {
	overrides := map[string]string{
		KeyNProcPerNode:       "4",
		KeyDepth:              "26",
		KeyDeviceBatchSize:    "16",
		KeyTotalBatchSize:     "262144",
		KeyMaxSeqLen:          "1024",
		KeySFTDeviceBatchSize: "2",
		KeySFTTotalBatchSize:  "64",
		KeyNumShards:          "450",
		KeyModelTag:           "big",
		KeyDoMidtraining:      "0",
		KeyDoRL:               "1",
		KeyRunName:            "speedrun",
		KeyOMPThreads:         "2",
	}
	cfg, err := Resolve(overrides, testDefaults())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	checks := map[string][2]int{
		KeyNProcPerNode:       {cfg.NProcPerNode, 4},
		KeyDepth:              {cfg.Depth, 26},
		KeyDeviceBatchSize:    {cfg.DeviceBatchSize, 16},
		KeyTotalBatchSize:     {cfg.TotalBatchSize, 262144},
		KeyMaxSeqLen:          {cfg.MaxSeqLen, 1024},
		KeySFTDeviceBatchSize: {cfg.SFTDeviceBatchSize, 2},
		KeySFTTotalBatchSize:  {cfg.SFTTotalBatchSize, 64},
		KeyNumShards:          {cfg.NumShards, 450},
		KeyOMPThreads:         {cfg.OMPThreads, 2},
	}
	for key, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s: got %d, want %d", key, c[0], c[1])
		}
	}
	if cfg.ModelTag != "big" || cfg.RunName != "speedrun" {
		t.Errorf("string overrides not applied: %+v", cfg)
	}
	if cfg.DoMidtraining || !cfg.DoRL {
		t.Errorf("toggle overrides not applied: %+v", cfg)
	}
}

func TestResolveEmptyOverrideUsesDefault(t *testing.T) {
	cfg, err := Resolve(map[string]string{KeyDepth: "", KeyModelTag: "  "}, testDefaults())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Depth != 20 {
		t.Errorf("expected default depth, got %d", cfg.Depth)
	}
	if cfg.ModelTag != "d20" {
		t.Errorf("expected derived tag, got %q", cfg.ModelTag)
	}
}

func TestResolveRejectsNonInteger(t *testing.T) {
	for _, key := range []string{KeyDepth, KeyTotalBatchSize, KeyDoTokenizer, KeyResumeStep} {
		_, err := Resolve(map[string]string{key: "twenty"}, testDefaults())
		var cerr *ConfigError
		if !errors.As(err, &cerr) {
			t.Fatalf("%s: expected ConfigError, got %v", key, err)
		}
		if cerr.Key != key {
			t.Errorf("expected key %s in error, got %s", key, cerr.Key)
		}
	}
}

func TestResolveRejectsNegative(t *testing.T) {
	_, err := Resolve(map[string]string{KeyNumShards: "-3"}, testDefaults())
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	_, err = Resolve(map[string]string{KeyResumeStep: "-1"}, testDefaults())
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigError for negative resume step, got %v", err)
	}
}

func TestResolveResumeStep(t *testing.T) {
	cfg, err := Resolve(map[string]string{KeyResumeStep: "3000"}, testDefaults())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !cfg.Resuming() || cfg.ResumeStep != 3000 {
		t.Fatalf("expected resume step 3000, got %d", cfg.ResumeStep)
	}
	if cfg.FreshStart() {
		t.Errorf("resuming run must not be a fresh start")
	}
}

func TestResolveTokenizerPrecondition(t *testing.T) {
	_, err := Resolve(map[string]string{KeyDoTokenizer: "0"}, testDefaults())
	var cerr *ConfigError
	if !errors.As(err, &cerr) || cerr.Key != KeyDoTokenizer {
		t.Fatalf("expected tokenizer precondition error, got %v", err)
	}

	// Allowed when resuming or when pretraining is off.
	if _, err := Resolve(map[string]string{KeyDoTokenizer: "0", KeyResumeStep: "100"}, testDefaults()); err != nil {
		t.Errorf("resume without tokenizer: %v", err)
	}
	if _, err := Resolve(map[string]string{KeyDoTokenizer: "0", KeyDoPretraining: "0"}, testDefaults()); err != nil {
		t.Errorf("no pretraining without tokenizer: %v", err)
	}
}

func TestDerivedValues(t *testing.T) {
	cases := []struct {
		device, total, eval, split int
	}{
		{32, 524288, 16, 10485760},
		{15, 1000, 7, 20000},
		{3, 1, 1, 20},
	}
	for _, c := range cases {
		cfg, err := Resolve(map[string]string{
			KeyDeviceBatchSize: strconv.Itoa(c.device),
			KeyTotalBatchSize:  strconv.Itoa(c.total),
		}, testDefaults())
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got := cfg.EvalBatchSize(); got != c.eval {
			t.Errorf("EvalBatchSize(%d) = %d, want %d", c.device, got, c.eval)
		}
		if got := cfg.SplitTokens(); got != c.split {
			t.Errorf("SplitTokens(%d) = %d, want %d", c.total, got, c.split)
		}
		if cfg.TotalBatchSize != c.total {
			t.Errorf("derived values must not be stored back")
		}
	}
}

func TestDeviceBatchTooSmall(t *testing.T) {
	if _, err := Resolve(map[string]string{KeyDeviceBatchSize: "1"}, testDefaults()); err == nil {
		t.Fatalf("expected error for device batch size 1")
	}
}

func TestEnvOverrides(t *testing.T) {
	env := []string{"DEPTH=12", "PATH=/usr/bin", "MODEL_TAG=", "garbage", "RESUME_STEP=5=5"}
	got := EnvOverrides(env)
	if got[KeyDepth] != "12" {
		t.Errorf("expected DEPTH override, got %q", got[KeyDepth])
	}
	if _, ok := got["PATH"]; ok {
		t.Errorf("unrecognized keys must be dropped")
	}
	if v, ok := got[KeyModelTag]; !ok || v != "" {
		t.Errorf("expected empty MODEL_TAG entry")
	}
	if got[KeyResumeStep] != "5=5" {
		t.Errorf("value split on first '=' only, got %q", got[KeyResumeStep])
	}
}

func TestJobEnv(t *testing.T) {
	cfg, err := Resolve(map[string]string{KeyOMPThreads: "4", KeyRunName: "r1"}, testDefaults())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	env := strings.Join(cfg.JobEnv(), " ")
	for _, want := range []string{"OMP_NUM_THREADS=4", "NANOCHAT_BASE_DIR=/tmp/nanochat", "WANDB_RUN=r1"} {
		if !strings.Contains(env, want) {
			t.Errorf("job env %q missing %q", env, want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `defaults:
  depth: 26
  num_shards: 450
commands:
  torchrun: /opt/bin/torchrun
publish:
  minio:
    endpoint: localhost:9000
    bucket: reports
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "secrets.env"), []byte("# creds\nMINIO_ACCESS_KEY=abc\nMINIO_SECRET_KEY=\"xyz\"\n"), 0o600); err != nil {
		t.Fatalf("write secrets: %v", err)
	}
	t.Setenv("MINIO_ACCESS_KEY", "")
	t.Setenv("MINIO_SECRET_KEY", "")

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Defaults.Depth != 26 || f.Defaults.NumShards != 450 {
		t.Errorf("file defaults not applied: %+v", f.Defaults)
	}
	if f.Defaults.DeviceBatchSize != 32 {
		t.Errorf("unset defaults must keep built-in values, got %d", f.Defaults.DeviceBatchSize)
	}
	if f.Commands.Torchrun != "/opt/bin/torchrun" || f.Commands.Python != "python" {
		t.Errorf("unexpected commands: %+v", f.Commands)
	}
	if f.Publish.MinIO.AccessKey != "abc" || f.Publish.MinIO.SecretKey != "xyz" {
		t.Errorf("secrets not merged: %+v", f.Publish.MinIO)
	}
	if err := f.Publish.MinIO.Validate(); err != nil {
		t.Errorf("validate minio: %v", err)
	}

	// Env overrides beat file defaults.
	cfg, err := Resolve(map[string]string{KeyDepth: "12"}, f.Defaults)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Depth != 12 || cfg.NumShards != 450 {
		t.Errorf("unexpected precedence: depth=%d shards=%d", cfg.Depth, cfg.NumShards)
	}
}

func TestLoadFileMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	f, err := LoadFile("")
	if err != nil {
		t.Fatalf("missing default config must not fail: %v", err)
	}
	if f.Commands.Python != "python" || f.IdentityURL != DefaultIdentityURL {
		t.Errorf("unexpected default file: %+v", f)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("explicit missing config must fail")
	}
}

func TestLoadFileRejectsNegativeFetchSettings(t *testing.T) {
	t.Setenv("MINIO_ACCESS_KEY", "")
	t.Setenv("MINIO_SECRET_KEY", "")
	for _, tc := range []struct {
		body string
		key  string
	}{
		{"fetch:\n  retries: -1\n", "fetch.retries"},
		{"fetch:\n  timeout_seconds: -5\n", "fetch.timeout_seconds"},
	} {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		_, err := LoadFile(path)
		var cerr *ConfigError
		if !errors.As(err, &cerr) {
			t.Fatalf("%s: expected ConfigError, got %v", tc.key, err)
		}
		if cerr.Key != tc.key {
			t.Errorf("expected key %s, got %s", tc.key, cerr.Key)
		}
	}
}
