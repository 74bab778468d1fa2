package monitor

// OutcomeKind classifies how the event loop terminated, per spec.md
// section 3's ExitOutcome.
type OutcomeKind int

const (
	OutcomeNormal OutcomeKind = iota
	OutcomeSignaled
	OutcomeTimedOut
	OutcomeRuntimeFailed
)

// Outcome carries the loop's termination reason plus whichever payload
// applies: ExitCode for OutcomeNormal, Signal for OutcomeSignaled,
// StderrSnippet for OutcomeRuntimeFailed.
type Outcome struct {
	Kind          OutcomeKind
	ExitCode      int
	Signal        int
	StderrSnippet string
}

// ExitFileCode returns the value written to <exit-dir>/<cid>, per
// spec.md section 6: the container's exit code, or -1 for a timeout or
// an outcome with no meaningful exit code.
func (o Outcome) ExitFileCode() int {
	switch o.Kind {
	case OutcomeNormal:
		return o.ExitCode
	case OutcomeSignaled:
		return 128 + o.Signal
	default:
		return -1
	}
}
