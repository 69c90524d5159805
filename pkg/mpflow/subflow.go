package mpflow

import (
	"net"
	"sync"
	"time"

	"github.com/hossein/mpflow/pkg/mptcp"
)

// SubflowState mirrors the subflow life cycle.
type SubflowState uint8

const (
	SubflowConnecting SubflowState = iota
	SubflowActive
	SubflowClosing
	SubflowClosed
)

func (s SubflowState) String() string {
	switch s {
	case SubflowConnecting:
		return "connecting"
	case SubflowActive:
		return "active"
	case SubflowClosing:
		return "closing"
	case SubflowClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subflow represents one TCP connection within a MultipathConn.
// Modelled after the kernel's mptcp_subflow_context.
type Subflow struct {
	Index      uint8
	TCPConn    net.Conn
	Interface  string
	LocalAddr  net.IP
	RemoteAddr net.IP
	State      SubflowState
	BytesSent  uint64
	BytesRecv  uint64
	Scheduled  bool

	// mu guards everything below and serializes writes to TCPConn.
	mu     sync.Mutex
	mp     *mptcp.Subflow
	sndNxt uint64 // next subflow sequence to send
	sndUna uint64 // oldest unacknowledged subflow sequence
	rcvNxt uint64 // next subflow sequence expected from the peer
	srtt   time.Duration
	tsEcr  uint64 // peer timestamp to echo

	// ECN sender state: CWR goes out on the next DATA after a reduction,
	// and further echoes are ignored until sndUna passes ecnRecover.
	sendCWR    bool
	ecnRecover uint64

	// peerDone is set once the peer closed its side; guarded by the
	// connection's mu like State.
	peerDone bool
}

// newSubflow wraps tcpConn. The SYN consumes sequence 0 on both sides, so
// data starts at 1.
func newSubflow(idx uint8, tcpConn net.Conn, mp *mptcp.Subflow) *Subflow {
	sf := &Subflow{
		Index:   idx,
		TCPConn: tcpConn,
		State:   SubflowConnecting,
		mp:      mp,
		sndNxt:  1,
		sndUna:  1,
		rcvNxt:  1,
	}
	if a, ok := tcpConn.LocalAddr().(*net.TCPAddr); ok {
		sf.LocalAddr = a.IP
	}
	if a, ok := tcpConn.RemoteAddr().(*net.TCPAddr); ok {
		sf.RemoteAddr = a.IP
	}
	return sf
}

// RTT returns the smoothed RTT measured from timestamp echoes.
func (sf *Subflow) RTT() time.Duration {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.srtt
}

// Cwnd returns the subflow's congestion window in segments.
func (sf *Subflow) Cwnd() float64 {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.mp.CC.Cwnd()
}

// Stats returns the header statistics of the MPTCP layer.
func (sf *Subflow) Stats() mptcp.SubflowStats {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.mp.Stats()
}

// hasRoom reports whether the bytes in flight are below the congestion
// window. A segment may overshoot the window the way a TCP sender does once
// the window opens. Caller holds sf.mu.
func (sf *Subflow) hasRoom() bool {
	inFlight := sf.sndNxt - sf.sndUna
	return float64(inFlight) < sf.mp.CC.Cwnd()*float64(sf.mp.CC.SegmentSize())
}

// sampleRTT folds one timestamp echo into the smoothed RTT (RFC 6298 gains).
// Caller holds sf.mu.
func (sf *Subflow) sampleRTT(echo uint64, now time.Time) {
	if echo == 0 {
		return
	}
	sample := now.Sub(time.UnixMicro(int64(echo)))
	if sample <= 0 {
		return
	}
	if sf.srtt == 0 {
		sf.srtt = sample
	} else {
		sf.srtt = sf.srtt - sf.srtt/8 + sample/8
	}
	sf.mp.SetRTT(sf.srtt)
}
