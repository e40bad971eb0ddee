package pipeline

import "github.com/3cpo-dev/nanorun/pkg/api"

// Policy says what a stage failure does to the rest of the run.
type Policy int

const (
	// Fatal failures stop every remaining normal stage.
	Fatal Policy = iota
	// Soft failures are logged and the run carries on.
	Soft
)

func (p Policy) String() string {
	if p == Soft {
		return "soft"
	}
	return "fatal"
}

// Region is the control state a stage belongs to. The driver moves from
// RegionNormal to RegionFinalizing exactly once, after every normal stage has
// run or been skipped, whatever happened to them.
type Region int

const (
	RegionNormal Region = iota
	RegionFinalizing
)

func (r Region) String() string {
	if r == RegionFinalizing {
		return "finalizing"
	}
	return "normal"
}

// failureOutcome classifies a failed stage. Everything in the finalizing
// region is downgraded to soft.
func failureOutcome(p Policy, r Region) api.Outcome {
	if p == Soft || r == RegionFinalizing {
		return api.OutcomeFailedSoft
	}
	return api.OutcomeFailedFatal
}
