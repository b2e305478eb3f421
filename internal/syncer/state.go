package syncer

import "sync/atomic"

// State is the phase of the coordinator's current sync round.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateReconciling
	StateCommitting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateReconciling:
		return "reconciling"
	case StateCommitting:
		return "committing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State { return State(b.v.Load()) }

func (b *stateBox) swap(s State) State { return State(b.v.Swap(int32(s))) }
