package mpflow

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hossein/mpflow/pkg/mptcp"
)

// pendingConnTimeout is how long the listener waits for all NumSubflows to
// arrive before discarding a partially-assembled connection.
const pendingConnTimeout = 30 * time.Second

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("mpflow: listener closed")

// Listener accepts incoming MultipathConn connections.
// It wraps a single TCP listener; all subflows of every client connection
// arrive on the same port and are grouped by ConnectionID.
type Listener struct {
	tcpListener net.Listener
	cfg         Config
	mu          sync.Mutex
	pending     map[[16]byte]*pendingConn // partial connections, keyed by ConnectionID
	acceptCh    chan *MultipathConn
	closed      chan struct{}
	closeOnce   sync.Once
}

// pendingConn collects subflows for one ConnectionID until all NumSubflows
// arrive. The MPTCP connection state exists from the first SYN on, since
// each SYN/ACK is built by a subflow attached to it.
type pendingConn struct {
	mpConn      *mptcp.Connection
	subflows    []*Subflow // slot per SubflowIndex
	numExpected int
	arrived     int
	timer       *time.Timer // cleanup timer if group never completes
}

// Listen starts an mpflow listener on addr (e.g. ":9000").
//
// cfg.Scheduler is shared across all accepted MultipathConns. Because every
// well-formed scheduler stores state per ConnectionID, sharing one instance
// is correct.
func Listen(addr string, cfg Config) (*Listener, error) {
	cfg = cfg.withDefaults()

	tcpL, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mpflow: listening on %q: %w", addr, err)
	}

	slog.Info("listen: started", "addr", tcpL.Addr(), "scheduler", cfg.Scheduler.Name())

	l := &Listener{
		tcpListener: tcpL,
		cfg:         cfg,
		pending:     make(map[[16]byte]*pendingConn),
		acceptCh:    make(chan *MultipathConn, 16),
		closed:      make(chan struct{}),
	}
	go l.acceptLoop()

	return l, nil
}

// Accept blocks until a fully-assembled MultipathConn is ready (all declared
// subflows have completed the handshake) or the listener is closed.
func (l *Listener) Accept() (*MultipathConn, error) {
	select {
	case <-l.closed:
		return nil, ErrListenerClosed
	case conn, ok := <-l.acceptCh:
		if !ok {
			return nil, ErrListenerClosed
		}
		slog.Info("listen: accepted MultipathConn",
			"connID", connIDStr(conn.ConnectionID),
			"numSubflows", len(conn.Subflows),
		)
		return conn, nil
	}
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.tcpListener.Addr()
}

// Close shuts down the listener. Already-accepted MultipathConns are not affected.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		slog.Info("listen: closing listener", "addr", l.tcpListener.Addr())
		close(l.closed)
		err = l.tcpListener.Close()
	})
	return err
}

// acceptLoop accepts raw TCP connections and hands each to a handleSubflow goroutine.
func (l *Listener) acceptLoop() {
	slog.Debug("listen: acceptLoop started", "addr", l.tcpListener.Addr())
	for {
		tcpConn, err := l.tcpListener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				slog.Debug("listen: acceptLoop stopping, listener closed")
				return
			default:
				slog.Warn("listen: accept error (transient)", "err", err)
				continue
			}
		}
		slog.Debug("listen: accepted raw TCP connection", "remote", tcpConn.RemoteAddr())
		go l.handleSubflow(tcpConn)
	}
}

// handleSubflow reads the SYN from one TCP connection, answers with a SYN/ACK
// echoing its MPTCP option, then registers the subflow. If this was the last
// expected subflow for its ConnectionID, a MultipathConn is pushed to
// acceptCh.
func (l *Listener) handleSubflow(tcpConn net.Conn) {
	remote := tcpConn.RemoteAddr()

	// Enforce a deadline so a slow/abusive client cannot hold resources.
	_ = tcpConn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	pkt, err := ReadPacket(tcpConn)
	_ = tcpConn.SetReadDeadline(time.Time{})
	if err != nil {
		slog.Warn("handleSubflow: failed to read SYN", "remote", remote, "err", err)
		_ = tcpConn.Close()
		return
	}

	if err := checkSyn(pkt); err != nil {
		slog.Warn("handleSubflow: rejecting SYN",
			"remote", remote,
			"type", packetTypeName(pkt.Type),
			"flags", pkt.Flags.String(),
			"err", err,
		)
		_ = tcpConn.Close()
		return
	}

	connID := pkt.ConnectionID
	sfIdx := int(pkt.SubflowIndex)
	numExpected := int(pkt.Options.Subflows)

	slog.Debug("handleSubflow: received SYN",
		"remote", remote,
		"connID", connIDStr(connID),
		"sfIdx", sfIdx,
		"numExpected", numExpected,
		"capable", pkt.Options.Capable,
		"join", pkt.Options.Join,
	)

	pc, err := l.pendingGroup(connID, numExpected)
	if err != nil {
		slog.Warn("handleSubflow: SYN does not match its connection group",
			"remote", remote,
			"connID", connIDStr(connID),
			"err", err,
		)
		_ = tcpConn.Close()
		return
	}

	mp := mptcp.NewSubflow(l.cfg.subflowConfig(sfIdx, numExpected), pc.mpConn, 0)
	mp.OnSYN(pkt.Flags, pkt.Options)

	flags := mptcp.FlagSYN | mptcp.FlagACK
	if l.cfg.ECN && mp.ECT() {
		flags |= mptcp.FlagECE
	}
	h, err := mp.BuildHeader(0, pkt.Seq+1, flags, 0, mptcp.ReasonNormal)
	if err != nil {
		slog.Error("handleSubflow: building SYN/ACK", "connID", connIDStr(connID), "err", err)
		_ = tcpConn.Close()
		return
	}

	ackPkt := &Packet{
		Version:      ProtocolVersion,
		Type:         TypeHandshakeAck,
		SubflowIndex: uint8(sfIdx),
		ConnectionID: connID,
		Timestamp:    uint64(time.Now().UnixMicro()),
		TSEcr:        pkt.Timestamp,
	}
	ackPkt.applyHeader(h)
	if err := WritePacket(tcpConn, ackPkt); err != nil {
		slog.Error("handleSubflow: failed to send SYN/ACK",
			"remote", remote,
			"connID", connIDStr(connID),
			"sfIdx", sfIdx,
			"err", err,
		)
		_ = tcpConn.Close()
		return
	}
	slog.Debug("handleSubflow: sent SYN/ACK",
		"remote", remote,
		"connID", connIDStr(connID),
		"sfIdx", sfIdx,
		"flags", ackPkt.Flags.String(),
	)

	sf := newSubflow(uint8(sfIdx), tcpConn, mp)

	// Register and check if the connection group is complete.
	conn := l.registerSubflow(connID, sf)
	if conn != nil {
		select {
		case l.acceptCh <- conn:
		case <-l.closed:
			_ = conn.Close()
		}
	}
}

// checkSyn validates an opening packet: a checksummed HANDSHAKE with the SYN
// flag and MP_CAPABLE on subflow 0 or MP_JOIN on the others.
func checkSyn(pkt *Packet) error {
	switch {
	case pkt.Type != TypeHandshake:
		return fmt.Errorf("expected HANDSHAKE")
	case pkt.Flags&mptcp.FlagSYN == 0 || pkt.Flags&mptcp.FlagACK != 0:
		return fmt.Errorf("expected a bare SYN")
	case !VerifyChecksum(pkt):
		return fmt.Errorf("checksum mismatch")
	case pkt.Options.Subflows < 1 || pkt.SubflowIndex >= pkt.Options.Subflows:
		return fmt.Errorf("subflow %d out of %d", pkt.SubflowIndex, pkt.Options.Subflows)
	case pkt.SubflowIndex == 0 && !pkt.Options.Capable:
		return fmt.Errorf("subflow 0 without MP_CAPABLE")
	case pkt.SubflowIndex != 0 && !pkt.Options.Join:
		return fmt.Errorf("subflow %d without MP_JOIN", pkt.SubflowIndex)
	}
	return nil
}

// pendingGroup returns the pending group for connID, creating it on the
// first SYN.
func (l *Listener) pendingGroup(connID [16]byte, numExpected int) (*pendingConn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pc, exists := l.pending[connID]
	if exists {
		if pc.numExpected != numExpected {
			return nil, fmt.Errorf("group expects %d subflows, SYN announces %d", pc.numExpected, numExpected)
		}
		return pc, nil
	}

	slog.Debug("pendingGroup: new connection group",
		"connID", connIDStr(connID),
		"numExpected", numExpected,
	)
	pc = &pendingConn{
		mpConn:      mptcp.NewConnection(0),
		subflows:    make([]*Subflow, numExpected),
		numExpected: numExpected,
	}
	// If the group does not complete in time, clean up the partial state.
	pc.timer = time.AfterFunc(pendingConnTimeout, func() {
		l.expirePending(connID)
	})
	l.pending[connID] = pc
	return pc, nil
}

// registerSubflow inserts sf into the pending group for connID.
// Returns a fully-assembled MultipathConn when all subflows have arrived,
// or nil if more are still expected.
func (l *Listener) registerSubflow(connID [16]byte, sf *Subflow) *MultipathConn {
	l.mu.Lock()
	defer l.mu.Unlock()

	pc, exists := l.pending[connID]
	if !exists {
		slog.Warn("registerSubflow: connection group expired before the subflow registered",
			"connID", connIDStr(connID),
			"sfIdx", sf.Index,
		)
		_ = sf.TCPConn.Close()
		return nil
	}

	// Guard against a duplicate or out-of-range index from a misbehaving client.
	if int(sf.Index) >= pc.numExpected || pc.subflows[sf.Index] != nil {
		slog.Warn("registerSubflow: duplicate or out-of-range subflow index",
			"connID", connIDStr(connID),
			"sfIdx", sf.Index,
		)
		_ = sf.TCPConn.Close()
		return nil
	}

	pc.subflows[sf.Index] = sf
	pc.arrived++

	slog.Info("registerSubflow: subflow registered",
		"connID", connIDStr(connID),
		"sfIdx", sf.Index,
		"arrived", pc.arrived,
		"expected", pc.numExpected,
	)

	if pc.arrived < pc.numExpected {
		slog.Debug("registerSubflow: waiting for more subflows",
			"connID", connIDStr(connID),
			"arrived", pc.arrived,
			"expected", pc.numExpected,
		)
		return nil
	}

	// All subflows present: stop the timeout and assemble.
	pc.timer.Stop()
	delete(l.pending, connID)

	slog.Info("registerSubflow: all subflows arrived, assembling MultipathConn",
		"connID", connIDStr(connID),
		"numSubflows", pc.numExpected,
	)
	return NewMultipathConn(connID, pc.subflows, pc.mpConn, l.cfg)
}

// expirePending closes the TCP connections belonging to a timed-out partial
// connection and removes it from the pending map.
func (l *Listener) expirePending(connID [16]byte) {
	l.mu.Lock()
	pc, ok := l.pending[connID]
	if ok {
		delete(l.pending, connID)
	}
	l.mu.Unlock()

	if ok {
		slog.Warn("expirePending: connection group timed out, closing partial subflows",
			"connID", connIDStr(connID),
			"arrived", pc.arrived,
			"expected", pc.numExpected,
		)
		for _, sf := range pc.subflows {
			if sf != nil {
				_ = sf.TCPConn.Close()
			}
		}
	}
}
