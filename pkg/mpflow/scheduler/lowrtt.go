package scheduler

// LowestRTT picks the available subflow with the smallest smoothed RTT, the
// way the kernel's default scheduler does. It keeps no per-connection state.
type LowestRTT struct{}

func NewLowestRTT() *LowestRTT { return &LowestRTT{} }

func (*LowestRTT) Name() string { return "lowrtt" }

func (*LowestRTT) Init(ConnectionInfo) {}

func (*LowestRTT) Release(ConnectionInfo) {}

// SelectSubflow breaks ties by the lower index. Subflows without an RTT
// sample yet report zero and are preferred, so each gets probed early.
func (*LowestRTT) SelectSubflow(conn ConnectionInfo) int {
	best := -1
	for i := 0; i < conn.GetSubflowCount(); i++ {
		if !conn.SubflowAvailable(i) {
			continue
		}
		if best == -1 || conn.SubflowRTT(i) < conn.SubflowRTT(best) {
			best = i
		}
	}
	if best >= 0 {
		conn.MarkSubflowScheduled(best)
	}
	return best
}
