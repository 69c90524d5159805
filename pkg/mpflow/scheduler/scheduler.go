package scheduler

import (
	"fmt"
	"time"
)

// ConnectionInfo exposes only what the scheduler needs, preventing cyclic dependencies.
type ConnectionInfo interface {
	GetConnectionID() [16]byte
	GetSubflowCount() int
	MarkSubflowScheduled(index int)

	// SubflowAvailable reports whether subflow index is active and has
	// room left in its congestion window.
	SubflowAvailable(index int) bool
	SubflowRTT(index int) time.Duration
}

// SchedulerOps mirrors struct mptcp_sched_ops. SelectSubflow returns -1 when
// no subflow can take data right now.
type SchedulerOps interface {
	Name() string
	Init(conn ConnectionInfo)
	Release(conn ConnectionInfo)
	SelectSubflow(conn ConnectionInfo) int
}

// New returns the scheduler registered under name.
func New(name string) (SchedulerOps, error) {
	switch name {
	case "", "roundrobin":
		return NewRoundRobin(), nil
	case "lowrtt", "default":
		return NewLowestRTT(), nil
	default:
		return nil, fmt.Errorf("scheduler: unknown scheduler %q", name)
	}
}
