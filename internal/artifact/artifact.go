// Package artifact finalizes the run report: it copies the generated report
// to a run-indexed name in the working directory and hands that copy to any
// configured publishers.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/nanorun/internal/config"
	"github.com/3cpo-dev/nanorun/internal/telemetry"
)

// Publisher ships a finalized report somewhere outside the working directory.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, localPath string) (string, error)
}

// Finalizer copies a report to report_d<depth>_<tag>_<timestamp>.md.
type Finalizer struct {
	Depth      int
	ModelTag   string
	WorkDir    string
	Publishers []Publisher

	now func() time.Time
}

// NewFinalizer builds a finalizer for cfg.
func NewFinalizer(cfg *config.RunConfig, pubs ...Publisher) *Finalizer {
	return &Finalizer{
		Depth:      cfg.Depth,
		ModelTag:   cfg.ModelTag,
		WorkDir:    cfg.WorkDir,
		Publishers: pubs,
		now:        time.Now,
	}
}

// FinalName is the run-indexed report file name.
func FinalName(depth int, tag string, at time.Time) string {
	return fmt.Sprintf("report_d%d_%s_%s.md", depth, tag, at.Format("20060102-150405"))
}

// Finalize copies reportPath into WorkDir and publishes the copy. Publisher
// failures are logged and do not fail the copy.
func (f *Finalizer) Finalize(ctx context.Context, reportPath string) (string, error) {
	now := time.Now
	if f.now != nil {
		now = f.now
	}
	dest := filepath.Join(f.WorkDir, FinalName(f.Depth, f.ModelTag, now()))
	n, err := copyFile(reportPath, dest)
	if err != nil {
		return "", fmt.Errorf("copy report: %w", err)
	}
	log.Info().Str("src", reportPath).Str("dest", dest).Str("size", humanize.Bytes(uint64(n))).Msg("Report finalized")

	for _, p := range f.Publishers {
		start := time.Now()
		loc, err := p.Publish(ctx, dest)
		if err != nil {
			telemetry.CounterGlobal("nanorun_publish_failed", 1, map[string]string{"publisher": p.Name()})
			log.Warn().Err(err).Str("publisher", p.Name()).Msg("Failed to publish report")
			continue
		}
		telemetry.TimerGlobal("nanorun_publish_duration", time.Since(start), map[string]string{"publisher": p.Name()})
		log.Info().Str("publisher", p.Name()).Str("location", loc).Msg("Report published")
	}
	return dest, nil
}

func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return n, err
	}
	return n, out.Close()
}
