package scheduler

import (
	"sync"
)

// RoundRobinState tracks the last used subflow.
type RoundRobinState struct {
	LastSentSubflow int
}

// RoundRobin implements SchedulerOps. Subflows whose congestion window is
// full are skipped.
type RoundRobin struct {
	mu      sync.Mutex
	storage map[[16]byte]*RoundRobinState
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{
		storage: make(map[[16]byte]*RoundRobinState),
	}
}

func (rr *RoundRobin) Name() string {
	return "roundrobin"
}

func (rr *RoundRobin) Init(conn ConnectionInfo) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.storage[conn.GetConnectionID()] = &RoundRobinState{
		LastSentSubflow: -1,
	}
}

func (rr *RoundRobin) Release(conn ConnectionInfo) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	delete(rr.storage, conn.GetConnectionID())
}

// SelectSubflow starts after the last subflow used and returns the first one
// with window room, or -1.
func (rr *RoundRobin) SelectSubflow(conn ConnectionInfo) int {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	state, ok := rr.storage[conn.GetConnectionID()]
	subflowCount := conn.GetSubflowCount()
	if !ok || subflowCount == 0 {
		return -1
	}

	for i := 1; i <= subflowCount; i++ {
		next := (state.LastSentSubflow + i) % subflowCount
		if !conn.SubflowAvailable(next) {
			continue
		}
		conn.MarkSubflowScheduled(next)
		state.LastSentSubflow = next
		return next
	}
	return -1
}
