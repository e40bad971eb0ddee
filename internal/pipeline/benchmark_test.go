package pipeline

import (
	"context"
	"testing"

	"github.com/3cpo-dev/nanorun/internal/config"
)

func benchConfig(b *testing.B, overrides map[string]string) *config.RunConfig {
	defaults := config.BuiltinDefaults()
	defaults.BaseDir = b.TempDir()
	defaults.WorkDir = b.TempDir()
	cfg, err := config.Resolve(overrides, defaults)
	if err != nil {
		b.Fatalf("resolve: %v", err)
	}
	return cfg
}

func BenchmarkPlan(b *testing.B) {
	cfg := benchConfig(b, map[string]string{config.KeyDoRL: "1"})
	cmds := DefaultCommands()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = Plan(cfg, cmds, config.DefaultIdentityURL)
	}
}

// Full driver pass with a recording executor; measures bookkeeping only.
func BenchmarkRun(b *testing.B) {
	cfg := benchConfig(b, nil)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		p := New(cfg, Options{Executor: newFakeExec(), Fetcher: &fakeFetcher{}, Finalizer: &fakeFinalizer{}, RunID: "bench"})
		if _, err := p.Run(context.Background()); err != nil {
			b.Fatalf("run: %v", err)
		}
	}
}
