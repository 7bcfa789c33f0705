package coordinator

// Stage is the coordinator's position in a mutation's lifecycle. Each
// mutation instance moves strictly Created → Executing → Finalizing →
// Done; different instances interleave freely.
type Stage int32

const (
	StageCreated Stage = iota
	StageExecuting
	StageFinalizing
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageCreated:
		return "created"
	case StageExecuting:
		return "executing"
	case StageFinalizing:
		return "finalizing"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}
