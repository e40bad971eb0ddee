package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/nanorun/internal/config"
)

// ArtifactState is what a resumed run finds on disk from an earlier run.
type ArtifactState struct {
	Shards    int
	Tokenizer bool
}

// DataDir holds the downloaded pretraining shards.
func DataDir(cfg *config.RunConfig) string { return filepath.Join(cfg.BaseDir, "base_data") }

// TokenizerPath is the trained tokenizer the resumed stages depend on.
func TokenizerPath(cfg *config.RunConfig) string {
	return filepath.Join(cfg.BaseDir, "tokenizer", "tokenizer.pkl")
}

// ReportPath is where the report generator writes its document.
func ReportPath(cfg *config.RunConfig) string {
	return filepath.Join(cfg.BaseDir, "report", "report.md")
}

// IdentityPath is the destination of the identity conversations fetch.
func IdentityPath(cfg *config.RunConfig) string {
	return filepath.Join(cfg.BaseDir, "identity_conversations.jsonl")
}

// InspectArtifacts counts dataset shards and checks for the tokenizer. It only
// reads directory metadata; checkpoint contents belong to the trainer.
func InspectArtifacts(cfg *config.RunConfig) ArtifactState {
	var st ArtifactState
	if matches, err := filepath.Glob(filepath.Join(DataDir(cfg), "*.parquet")); err == nil {
		st.Shards = len(matches)
	}
	if _, err := os.Stat(TokenizerPath(cfg)); err == nil {
		st.Tokenizer = true
	}
	return st
}

// inactiveReason explains why a stage's predicate is false. Resumption takes
// precedence so the log says why the early stages were trusted.
func inactiveReason(s Stage, cfg *config.RunConfig) string {
	if s.ResumeSkips && cfg.Resuming() {
		return fmt.Sprintf("resuming from step %d", cfg.ResumeStep)
	}
	if s.Off != "" {
		return s.Off
	}
	return "inactive"
}

// checkResume warns about missing artifacts a resumed run relies on. Missing
// shards are tolerated by the trainer, so nothing here fails the run.
func checkResume(logger zerolog.Logger, cfg *config.RunConfig) ArtifactState {
	st := InspectArtifacts(cfg)
	logger.Info().
		Int("resume_step", cfg.ResumeStep).
		Int("shards", st.Shards).
		Bool("tokenizer", st.Tokenizer).
		Msg("Resuming; skipping tokenizer and dataset stages")
	if st.Shards < cfg.NumShards {
		logger.Warn().
			Int("found", st.Shards).
			Int("requested", cfg.NumShards).
			Str("dir", DataDir(cfg)).
			Msg("Fewer dataset shards on disk than requested; training may iterate over fewer shards")
	}
	if !st.Tokenizer {
		logger.Warn().Str("path", TokenizerPath(cfg)).Msg("Tokenizer not found; pretraining will likely fail")
	}
	return st
}
