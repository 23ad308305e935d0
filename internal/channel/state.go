package channel

// State is the worker lifecycle state.
//
// NotSpawned → Spawned → Ready → ShuttingDown → Terminated
//
// The worker spawns on the first context-set update and becomes Ready after
// a successful version handshake. A crash while running returns the channel
// to NotSpawned so a later context set (or force reload) can respawn; only
// host-initiated shutdown reaches Terminated, and nothing leaves Terminated.
type State int

const (
	StateNotSpawned State = iota
	StateSpawned // awaiting version handshake
	StateReady
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotSpawned:
		return "not-spawned"
	case StateSpawned:
		return "spawned"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}
