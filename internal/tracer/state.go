package tracer

// State tracks trace-session progress. Transitions are strictly ordered
// except for StateFailed, which is reachable from any non-terminal state.
type State int

const (
	StateIdle State = iota
	StateCleared
	StateConfigured
	StateCapturing
	StateStopped
	StateRetrieved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCleared:
		return "cleared"
	case StateConfigured:
		return "configured"
	case StateCapturing:
		return "capturing"
	case StateStopped:
		return "stopped"
	case StateRetrieved:
		return "retrieved"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
