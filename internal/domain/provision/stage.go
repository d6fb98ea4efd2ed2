package provision

// Stage is a state of the provisioning pipeline.
// Transitions are forward-only; Probing may jump straight to Succeeded.
type Stage int

// Pipeline stages in execution order.
const (
	StageProbing Stage = iota
	StageFetching
	StageExtracting
	StageInstalling
	StageSucceeded
	StageFailed
)

//nolint:gochecknoglobals // Lookup table for String.
var stageNames = [...]string{
	StageProbing:    "probing",
	StageFetching:   "fetching",
	StageExtracting: "extracting",
	StageInstalling: "installing",
	StageSucceeded:  "succeeded",
	StageFailed:     "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}

	return stageNames[s]
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageSucceeded || s == StageFailed
}

// CanAdvance reports whether moving from s to next is a legal transition.
func (s Stage) CanAdvance(next Stage) bool {
	switch {
	case s.Terminal():
		return false
	case next == StageFailed:
		return true
	case s == StageProbing && next == StageSucceeded:
		return true
	default:
		return next == s+1
	}
}
