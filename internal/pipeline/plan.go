package pipeline

import (
	"github.com/3cpo-dev/nanorun/internal/config"
	"github.com/3cpo-dev/nanorun/internal/runner"
)

// PlanEntry is a dry-run view of one stage.
type PlanEntry struct {
	Stage  Stage
	Active bool
	Reason string
	Jobs   []runner.Job
	// Detail describes non-job stages (fetch, finalize, join).
	Detail string
}

// Plan evaluates every predicate against cfg without running anything.
func Plan(cfg *config.RunConfig, cmds Commands, identityURL string) []PlanEntry {
	b := JobBuilder{Cfg: cfg, Commands: cmds}
	var out []PlanEntry
	for _, st := range Stages() {
		e := PlanEntry{Stage: st, Active: st.Active(cfg)}
		if !e.Active {
			e.Reason = inactiveReason(st, cfg)
			out = append(out, e)
			continue
		}
		if st.Jobs != nil {
			e.Jobs = st.Jobs(b)
		}
		switch st.Kind {
		case KindBackground:
			e.Detail = "runs in background until bulk-join"
		case KindJoin:
			e.Detail = "waits for bulk-download"
		case KindFetch:
			e.Detail = identityURL + " -> " + IdentityPath(cfg)
		case KindFinalize:
			e.Detail = ReportPath(cfg) + " -> " + cfg.WorkDir
		}
		out = append(out, e)
	}
	return out
}
