package mpflow

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hossein/mpflow/pkg/mpflow/scheduler"
	"github.com/hossein/mpflow/pkg/mptcp"
)

const (
	defaultSegmentSize = 16 * 1024       // bytes per DATA packet, also the congestion segment
	defaultRecvWindow  = 4 * 1024 * 1024 // our receive capacity, advertised to the peer
	defaultSendWindow  = 4 * 1024 * 1024 // optimistic initial send window before first ACK

	// lingerTimeout bounds how long a closed subflow waits for the peer's FIN.
	lingerTimeout = 5 * time.Second
)

var (
	ErrNoSubflows = errors.New("mpflow: no active subflows")
	ErrClosed     = errors.New("mpflow: connection closed")
	ErrAborted    = errors.New("mpflow: connection aborted")
)

// Config holds what Dial and Listen need to build a connection.
type Config struct {
	Scheduler  scheduler.SchedulerOps
	Congestion mptcp.CongestionConfig
	ECN        bool
	RecvWindow uint32

	// CEThreshold treats ECN-capable data as congestion experienced while
	// at least this many received bytes are still unread. 0 disables it;
	// CE marks set on the path are honoured either way.
	CEThreshold int64
}

// DefaultConfig returns round-robin scheduling, 16 KB segments and a 4 MB
// receive window.
func DefaultConfig() Config {
	cc := mptcp.DefaultCongestionConfig()
	cc.SegmentSize = defaultSegmentSize
	return Config{
		Scheduler:  scheduler.NewRoundRobin(),
		Congestion: cc,
		RecvWindow: defaultRecvWindow,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Scheduler == nil {
		cfg.Scheduler = def.Scheduler
	}
	if cfg.Congestion.SegmentSize <= 0 {
		cfg.Congestion.SegmentSize = def.Congestion.SegmentSize
	}
	if cfg.Congestion.InitialCwnd <= 0 {
		cfg.Congestion.InitialCwnd = def.Congestion.InitialCwnd
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = def.RecvWindow
	}
	return cfg
}

// subflowConfig is the MPTCP-layer configuration of subflow idx out of n.
func (cfg Config) subflowConfig(idx, n int) mptcp.SubflowConfig {
	return mptcp.SubflowConfig{
		ID:             uint8(idx),
		Primary:        idx == 0,
		Subflows:       uint8(n),
		BaseHeaderSize: HeaderSize - timestampSize,
		TimestampSize:  timestampSize,
		ECN:            cfg.ECN,
		Congestion:     cfg.Congestion,
	}
}

// MultipathConn implements net.Conn over N subflows. Every byte written is
// given a data sequence number (DSN), mapped onto one subflow and acked at
// both the subflow and the connection level through the mptcp package.
// It also implements scheduler.ConnectionInfo so the scheduler can call back
// without creating an import cycle.
type MultipathConn struct {
	ConnectionID [16]byte
	Subflows     []*Subflow
	sched        scheduler.SchedulerOps
	mpConn       *mptcp.Connection
	segmentSize  int
	mu           sync.Mutex // protects Subflows slice and subflow State
	reassembly   *reassemblyBuffer
	closeOnce    sync.Once
	closed       chan struct{}

	errMu    sync.Mutex
	abortErr error

	// wmu serializes Write so DSNs go out in order.
	wmu    sync.Mutex
	sndDSN uint64

	rmu     sync.Mutex
	readBuf []byte

	// Flow control, send side. fcMu protects sendWindow, sentDSN and
	// peerDataAck; bytes in flight are sentDSN - peerDataAck.
	fcMu        sync.Mutex
	fcCond      *sync.Cond // signalled on every ACK and on close
	sendWindow  int64
	sentDSN     uint64
	peerDataAck uint64

	// Flow control, receive side.
	recvWindowBytes uint32
	recvBufBytes    atomic.Int64
	ceThreshold     int64
}

// NewMultipathConn creates a MultipathConn over subflows that completed the
// handshake and starts the receive goroutines. All subflows must share
// mpConn.
func NewMultipathConn(id [16]byte, subflows []*Subflow, mpConn *mptcp.Connection, cfg Config) *MultipathConn {
	cfg = cfg.withDefaults()
	c := &MultipathConn{
		ConnectionID:    id,
		Subflows:        subflows,
		sched:           cfg.Scheduler,
		mpConn:          mpConn,
		segmentSize:     cfg.Congestion.SegmentSize,
		closed:          make(chan struct{}),
		sendWindow:      defaultSendWindow,
		recvWindowBytes: cfg.RecvWindow,
		ceThreshold:     cfg.CEThreshold,
	}
	c.reassembly = newReassemblyBuffer(c.closed)
	c.fcCond = sync.NewCond(&c.fcMu)
	for _, sf := range subflows {
		sf.State = SubflowActive
	}
	c.sched.Init(c)

	slog.Info("conn: MultipathConn created",
		"connID", connIDStr(id),
		"numSubflows", len(subflows),
		"scheduler", c.sched.Name(),
		"segmentSize", c.segmentSize,
		"recvWindow", c.recvWindowBytes,
	)

	for _, sf := range subflows {
		go c.recvLoop(sf)
	}

	return c
}

// ── scheduler.ConnectionInfo interface ───────────────────────────────────────

func (c *MultipathConn) GetConnectionID() [16]byte {
	return c.ConnectionID
}

func (c *MultipathConn) GetSubflowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Subflows)
}

func (c *MultipathConn) MarkSubflowScheduled(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index >= 0 && index < len(c.Subflows) {
		c.Subflows[index].Scheduled = true
	}
}

func (c *MultipathConn) SubflowAvailable(index int) bool {
	sf := c.usableSubflow(index)
	if sf == nil {
		return false
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.hasRoom()
}

func (c *MultipathConn) SubflowRTT(index int) time.Duration {
	sf := c.usableSubflow(index)
	if sf == nil {
		return 0
	}
	return sf.RTT()
}

// usableSubflow returns subflow index if data can still be sent on it.
func (c *MultipathConn) usableSubflow(index int) *Subflow {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.Subflows) {
		return nil
	}
	sf := c.Subflows[index]
	if sf.State != SubflowActive || sf.peerDone {
		return nil
	}
	return sf
}

func (c *MultipathConn) activeSubflows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, sf := range c.Subflows {
		if sf.State == SubflowActive && !sf.peerDone {
			n++
		}
	}
	return n
}

// MPConnection returns the connection-level MPTCP state shared by the
// subflows.
func (c *MultipathConn) MPConnection() *mptcp.Connection {
	return c.mpConn
}

// ── net.Conn: Write (send path) ──────────────────────────────────────────────

// Write splits data into segments, assigns each a DSN and hands it to the
// subflow the scheduler picks. It blocks while the peer's receive window is
// full or no subflow has congestion window room.
func (c *MultipathConn) Write(b []byte) (int, error) {
	if err := c.closeErr(); err != nil {
		return 0, err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	slog.Debug("conn: Write called",
		"connID", connIDStr(c.ConnectionID),
		"bytes", len(b),
	)

	total := 0
	for len(b) > 0 {
		n := min(len(b), c.segmentSize)
		dsn := c.sndDSN

		sf, err := c.waitForRoom(n)
		if err != nil {
			return total, err
		}

		if err := c.sendData(sf, dsn, b[:n]); err != nil {
			// The segment is mapped and counted in flight but never
			// reached the peer, and nothing retransmits it.
			slog.Error("conn: sending DATA failed",
				"connID", connIDStr(c.ConnectionID),
				"dsn", dsn,
				"sfIdx", sf.Index,
				"err", err,
			)
			c.abort(sf, err)
			return total, c.closeErr()
		}

		c.sndDSN += uint64(n)
		b = b[n:]
		total += n
	}

	slog.Debug("conn: Write complete",
		"connID", connIDStr(c.ConnectionID),
		"totalWritten", total,
		"sndDSN", c.sndDSN,
	)
	return total, nil
}

// waitForRoom blocks until the connection-level window admits n more bytes
// and the scheduler finds a subflow, then reserves the bytes. A segment is
// always admitted when nothing is in flight, which probes a closed window.
func (c *MultipathConn) waitForRoom(n int) (*Subflow, error) {
	c.fcMu.Lock()
	defer c.fcMu.Unlock()

	for {
		if err := c.closeErr(); err != nil {
			return nil, err
		}

		inFlight := int64(c.sentDSN - c.peerDataAck)
		if inFlight == 0 || inFlight+int64(n) <= c.sendWindow {
			idx := c.sched.SelectSubflow(c)
			if sf := c.usableSubflow(idx); sf != nil {
				c.mu.Lock()
				sf.Scheduled = false
				c.mu.Unlock()
				c.sentDSN += uint64(n)
				return sf, nil
			}
			if c.activeSubflows() == 0 {
				slog.Error("conn: no active subflows available",
					"connID", connIDStr(c.ConnectionID),
					"sentDSN", c.sentDSN,
				)
				return nil, ErrNoSubflows
			}
		}

		slog.Debug("conn: Write blocking",
			"connID", connIDStr(c.ConnectionID),
			"segment", n,
			"inFlight", inFlight,
			"sendWindow", c.sendWindow,
		)
		c.fcCond.Wait()
	}
}

// sendData maps data onto sf and writes one DATA packet carrying the
// data-sequence option.
func (c *MultipathConn) sendData(sf *Subflow, dsn uint64, data []byte) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	m, err := sf.mp.Mappings.AttachOutbound(dsn, uint32(len(data)))
	if err != nil {
		return fmt.Errorf("mpflow: mapping dsn %d: %w", dsn, err)
	}

	flags := mptcp.FlagACK
	if sf.sendCWR {
		flags |= mptcp.FlagCWR
		sf.sendCWR = false
	}
	h, err := sf.mp.BuildHeader(sf.sndNxt, sf.rcvNxt, flags, len(data), mptcp.ReasonNormal)
	if err != nil {
		return err
	}

	pkt := c.newPacket(TypeData, sf, h)
	pkt.Data = data

	slog.Debug("conn: sending DATA",
		"connID", connIDStr(c.ConnectionID),
		"sfIdx", sf.Index,
		"dsn", m.DataSeq,
		"seq", m.SubflowSeq,
		"size", len(data),
		"cwnd", sf.mp.CC.Cwnd(),
	)
	if err := WritePacket(sf.TCPConn, pkt); err != nil {
		return err
	}

	sf.sndNxt += uint64(len(data))
	sf.BytesSent += uint64(len(data))
	return nil
}

// newPacket fills the common header fields from a header built by the MPTCP
// layer. Caller holds sf.mu.
func (c *MultipathConn) newPacket(typ uint8, sf *Subflow, h mptcp.SegmentHeader) *Packet {
	pkt := &Packet{
		Version:      ProtocolVersion,
		Type:         typ,
		SubflowIndex: sf.Index,
		ConnectionID: c.ConnectionID,
		Timestamp:    uint64(time.Now().UnixMicro()),
		TSEcr:        sf.tsEcr,
		Window:       c.advertisedWindow(),
	}
	pkt.applyHeader(h)
	return pkt
}

func (c *MultipathConn) advertisedWindow() uint32 {
	available := int64(c.recvWindowBytes) - c.recvBufBytes.Load()
	if available < 0 {
		available = 0
	}
	return uint32(available)
}

// ── net.Conn: Read (receive path) ────────────────────────────────────────────

// Read delivers in-order application bytes from the reassembly buffer.
// Consumed bytes reopen the advertised window.
func (c *MultipathConn) Read(b []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if len(c.readBuf) == 0 {
		select {
		case data, ok := <-c.reassembly.output:
			if !ok {
				if err := c.abortError(); err != nil {
					return 0, err
				}
				slog.Debug("conn: Read reached end of stream",
					"connID", connIDStr(c.ConnectionID),
				)
				return 0, io.EOF
			}
			c.readBuf = data
		case <-c.closed:
			if err := c.abortError(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
	}

	n := copy(b, c.readBuf)
	c.readBuf = c.readBuf[n:]
	c.recvBufBytes.Add(-int64(n))
	return n, nil
}

// ── Receive loop (one goroutine per subflow) ─────────────────────────────────

// recvLoop reads packets from one subflow until the peer closes it.
func (c *MultipathConn) recvLoop(sf *Subflow) {
	slog.Info("conn: recvLoop started",
		"connID", connIDStr(c.ConnectionID),
		"sfIdx", sf.Index,
		"local", sf.TCPConn.LocalAddr(),
		"remote", sf.TCPConn.RemoteAddr(),
	)
	defer c.subflowDone(sf)

	for {
		pkt, err := ReadPacket(sf.TCPConn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Warn("conn: recvLoop read error",
					"connID", connIDStr(c.ConnectionID),
					"sfIdx", sf.Index,
					"err", err,
				)
			}
			return
		}

		select {
		case <-c.closed:
			// drain until the peer's FIN
			continue
		default:
		}

		if !VerifyChecksum(pkt) {
			slog.Warn("conn: recvLoop checksum mismatch, dropping packet",
				"connID", connIDStr(c.ConnectionID),
				"sfIdx", sf.Index,
				"seq", pkt.Seq,
				"type", packetTypeName(pkt.Type),
			)
			continue
		}

		switch pkt.Type {
		case TypeData:
			if err := c.handleData(sf, pkt); err != nil {
				c.abort(sf, err)
				return
			}

		case TypeAck:
			c.handleAck(sf, pkt)

		case TypeClose:
			slog.Info("conn: recvLoop received TypeClose",
				"connID", connIDStr(c.ConnectionID),
				"sfIdx", sf.Index,
				"finalDSN", pkt.Seq,
			)
			c.reassembly.setFin(pkt.Seq)

		default:
			slog.Debug("conn: recvLoop received unknown packet type",
				"connID", connIDStr(c.ConnectionID),
				"sfIdx", sf.Index,
				"type", packetTypeName(pkt.Type),
			)
		}
	}
}

// subflowDone runs when the peer closed sf. Once every subflow is done no
// more data can arrive and the stream ends.
func (c *MultipathConn) subflowDone(sf *Subflow) {
	c.mu.Lock()
	sf.peerDone = true
	fullClose := sf.State == SubflowClosing
	if fullClose {
		sf.State = SubflowClosed
	}
	remaining := 0
	for _, s := range c.Subflows {
		if !s.peerDone {
			remaining++
		}
	}
	c.mu.Unlock()

	if fullClose {
		_ = sf.TCPConn.Close()
	}
	slog.Debug("conn: subflow finished by peer",
		"connID", connIDStr(c.ConnectionID),
		"sfIdx", sf.Index,
		"remaining", remaining,
	)
	if remaining == 0 {
		c.reassembly.finish()
	}

	// writers waiting for this subflow must re-check
	c.fcMu.Lock()
	c.fcCond.Broadcast()
	c.fcMu.Unlock()
}

// handleData registers the packet's mapping, queues the payload by DSN and
// answers with an ACK whose data ack comes from the mapping engine. Only a
// missing mapping is returned as an error.
func (c *MultipathConn) handleData(sf *Subflow, pkt *Packet) error {
	sf.mu.Lock()
	sf.BytesRecv += uint64(pkt.DataLength)
	sf.tsEcr = pkt.Timestamp
	if pkt.Options.HasMapping {
		m := pkt.Options.Mapping
		if err := sf.mp.Mappings.RegisterInbound(m.DataSeq, m.SubflowSeq, m.Length); err != nil {
			slog.Warn("conn: ignoring data-sequence option",
				"connID", connIDStr(c.ConnectionID),
				"sfIdx", sf.Index,
				"err", err,
			)
		}
	}
	dsn, mapped := sf.mp.Mappings.InboundDataSeq(pkt.Seq)
	if pkt.Flags&mptcp.FlagCWR != 0 {
		sf.mp.OnCWR()
	}
	if pkt.ECN.ECT && (pkt.ECN.CE || c.congested()) {
		slog.Debug("conn: congestion experienced",
			"connID", connIDStr(c.ConnectionID),
			"sfIdx", sf.Index,
			"seq", pkt.Seq,
			"marked", pkt.ECN.CE,
		)
		sf.mp.OnCE()
	}
	if end := pkt.Seq + uint64(len(pkt.Data)); end > sf.rcvNxt {
		sf.rcvNxt = end
	}
	sf.mu.Unlock()

	c.processAck(sf, pkt)

	if mapped {
		slog.Debug("conn: recvLoop received DATA",
			"connID", connIDStr(c.ConnectionID),
			"sfIdx", sf.Index,
			"seq", pkt.Seq,
			"dsn", dsn,
			"dataLen", pkt.DataLength,
		)
		c.recvBufBytes.Add(int64(len(pkt.Data)))
		c.reassembly.insert(dsn, pkt.Data)
	} else {
		slog.Warn("conn: DATA outside every mapping",
			"connID", connIDStr(c.ConnectionID),
			"sfIdx", sf.Index,
			"seq", pkt.Seq,
		)
	}

	return c.sendAck(sf)
}

// congested reports whether the unread backlog reached the CE threshold.
func (c *MultipathConn) congested() bool {
	return c.ceThreshold > 0 && c.recvBufBytes.Load() >= c.ceThreshold
}

// sendAck sends a TypeAck on sf. BuildHeader resolves the subflow ack into
// the connection-level data ack.
func (c *MultipathConn) sendAck(sf *Subflow) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	h, err := sf.mp.BuildHeader(sf.sndNxt, sf.rcvNxt, mptcp.FlagACK, 0, mptcp.ReasonNormal)
	if err != nil {
		return err
	}
	pkt := c.newPacket(TypeAck, sf, h)

	slog.Debug("conn: sendAck",
		"connID", connIDStr(c.ConnectionID),
		"sfIdx", sf.Index,
		"ack", pkt.Ack,
		"dataAck", pkt.Options.DataAck,
		"advertisedWindow", pkt.Window,
	)
	if err := WritePacket(sf.TCPConn, pkt); err != nil {
		slog.Debug("conn: sendAck write failed",
			"connID", connIDStr(c.ConnectionID),
			"sfIdx", sf.Index,
			"err", err,
		)
	}
	return nil
}

// handleAck processes a TypeAck. It is the only packet type that feeds RTT
// samples, since its timestamp echo is sent without delay.
func (c *MultipathConn) handleAck(sf *Subflow, pkt *Packet) {
	sf.mu.Lock()
	sf.sampleRTT(pkt.TSEcr, time.Now())
	sf.mu.Unlock()
	c.processAck(sf, pkt)
}

// processAck applies the acknowledgment fields every packet carries: the
// subflow ack drives the congestion controller, the data ack retires
// mappings and opens the connection-level window.
func (c *MultipathConn) processAck(sf *Subflow, pkt *Packet) {
	sf.mu.Lock()
	if pkt.Ack > sf.sndUna && pkt.Ack <= sf.sndNxt {
		sf.sndUna = pkt.Ack
		sf.mp.AckReceived(pkt.Ack, mptcp.NoSack{})
	}
	if pkt.Flags&mptcp.FlagECE != 0 && sf.mp.ECT() && sf.sndUna >= sf.ecnRecover {
		// one reduction per window of data
		sf.mp.CC.OnLoss(mptcp.CwndActionECN)
		sf.mp.Connection().UpdateWindow(sf.Index, sf.mp.CC.Cwnd(), sf.srtt)
		sf.sendCWR = true
		sf.ecnRecover = sf.sndNxt + 1
		slog.Debug("conn: ECN echo, window reduced",
			"connID", connIDStr(c.ConnectionID),
			"sfIdx", sf.Index,
			"cwnd", sf.mp.CC.Cwnd(),
		)
	}
	sf.mu.Unlock()

	if pkt.Options.HasDataAck {
		c.dataAcked(pkt.Options.DataAck)
	}

	c.fcMu.Lock()
	if pkt.Options.HasDataAck && pkt.Options.DataAck > c.peerDataAck && pkt.Options.DataAck <= c.sentDSN {
		c.peerDataAck = pkt.Options.DataAck
	}
	c.sendWindow = int64(pkt.Window)
	c.fcCond.Broadcast()
	c.fcMu.Unlock()
}

// dataAcked retires the outbound mappings of every subflow below dataAck.
func (c *MultipathConn) dataAcked(dataAck uint64) {
	c.mu.Lock()
	subflows := slices.Clone(c.Subflows)
	c.mu.Unlock()

	for _, sf := range subflows {
		sf.mu.Lock()
		sf.mp.DataAcked(dataAck)
		sf.mu.Unlock()
	}
}

// ── Abort / Close ────────────────────────────────────────────────────────────

// abort tears the connection down after a fatal mapping error.
func (c *MultipathConn) abort(sf *Subflow, err error) {
	slog.Error("conn: aborting connection",
		"connID", connIDStr(c.ConnectionID),
		"sfIdx", sf.Index,
		"err", err,
	)
	c.errMu.Lock()
	if c.abortErr == nil {
		c.abortErr = fmt.Errorf("%w: %w", ErrAborted, err)
	}
	c.errMu.Unlock()
	_ = c.Close()
}

func (c *MultipathConn) abortError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.abortErr
}

// closeErr returns nil while the connection is open.
func (c *MultipathConn) closeErr() error {
	select {
	case <-c.closed:
	default:
		return nil
	}
	if err := c.abortError(); err != nil {
		return err
	}
	return ErrClosed
}

// Close sends TypeClose carrying the final DSN on every subflow and
// half-closes them. Each TCP connection is released once the peer closes
// its side, or after lingerTimeout.
func (c *MultipathConn) Close() error {
	c.closeOnce.Do(func() {
		slog.Info("conn: closing MultipathConn", "connID", connIDStr(c.ConnectionID))
		close(c.closed)
		c.sched.Release(c)

		c.fcMu.Lock()
		finalDSN := c.sentDSN
		c.fcCond.Broadcast() // unblock any Write() waiting on the send window
		c.fcMu.Unlock()

		c.mu.Lock()
		subflows := slices.Clone(c.Subflows)
		c.mu.Unlock()

		for _, sf := range subflows {
			c.closeSubflow(sf, finalDSN)
		}
		c.reassembly.finish()

		for _, sf := range subflows {
			sf.mu.Lock()
			sf.mp.Close()
			sf.mu.Unlock()
		}
		slog.Info("conn: MultipathConn closed",
			"connID", connIDStr(c.ConnectionID),
			"finalDSN", finalDSN,
		)
	})
	return nil
}

func (c *MultipathConn) closeSubflow(sf *Subflow, finalDSN uint64) {
	c.mu.Lock()
	if sf.State != SubflowActive {
		c.mu.Unlock()
		return
	}
	sf.State = SubflowClosing
	fullClose := sf.peerDone
	if fullClose {
		sf.State = SubflowClosed
	}
	c.mu.Unlock()

	slog.Debug("conn: sending TypeClose to subflow",
		"connID", connIDStr(c.ConnectionID),
		"sfIdx", sf.Index,
		"finalDSN", finalDSN,
	)
	_ = sf.TCPConn.SetWriteDeadline(time.Now().Add(lingerTimeout))

	sf.mu.Lock()
	closePkt := &Packet{
		Version:      ProtocolVersion,
		Type:         TypeClose,
		SubflowIndex: sf.Index,
		ConnectionID: c.ConnectionID,
		Flags:        mptcp.FlagFIN | mptcp.FlagACK,
		Seq:          finalDSN,
		Ack:          sf.rcvNxt,
		Timestamp:    uint64(time.Now().UnixMicro()),
	}
	_ = WritePacket(sf.TCPConn, closePkt)
	sf.mu.Unlock()

	if fullClose {
		_ = sf.TCPConn.Close()
		return
	}
	if hc, ok := sf.TCPConn.(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
	}
	time.AfterFunc(lingerTimeout, func() { _ = sf.TCPConn.Close() })
}

// ── net.Conn: addr / deadline stubs ──────────────────────────────────────────

func (c *MultipathConn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sf := range c.Subflows {
		if sf.State == SubflowActive {
			return sf.TCPConn.LocalAddr()
		}
	}
	return nil
}

func (c *MultipathConn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sf := range c.Subflows {
		if sf.State == SubflowActive {
			return sf.TCPConn.RemoteAddr()
		}
	}
	return nil
}

func (c *MultipathConn) SetDeadline(t time.Time) error {
	return c.eachSubflow(func(conn net.Conn) error { return conn.SetDeadline(t) })
}

func (c *MultipathConn) SetReadDeadline(t time.Time) error {
	return c.eachSubflow(func(conn net.Conn) error { return conn.SetReadDeadline(t) })
}

func (c *MultipathConn) SetWriteDeadline(t time.Time) error {
	return c.eachSubflow(func(conn net.Conn) error { return conn.SetWriteDeadline(t) })
}

func (c *MultipathConn) eachSubflow(fn func(net.Conn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, sf := range c.Subflows {
		if err := fn(sf.TCPConn); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ── Reassembly buffer ────────────────────────────────────────────────────────

// reassemblyBuffer orders received payloads by DSN.
type reassemblyBuffer struct {
	mu           sync.Mutex
	nextExpected uint64
	buffer       map[uint64][]byte
	output       chan []byte
	quit         <-chan struct{}

	fin     uint64
	haveFin bool
	done    bool
}

func newReassemblyBuffer(quit <-chan struct{}) *reassemblyBuffer {
	return &reassemblyBuffer{
		buffer: make(map[uint64][]byte),
		output: make(chan []byte, 1024),
		quit:   quit,
	}
}

func (rb *reassemblyBuffer) insert(dsn uint64, data []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.done || len(data) == 0 {
		return
	}

	switch {
	case dsn == rb.nextExpected:
		if !rb.deliver(data) {
			return
		}
		flushed := 0
		for {
			d, ok := rb.buffer[rb.nextExpected]
			if !ok {
				break
			}
			delete(rb.buffer, rb.nextExpected)
			if !rb.deliver(d) {
				return
			}
			flushed++
		}
		if flushed > 0 {
			slog.Debug("reassembly: flushed buffered segments",
				"flushed", flushed,
				"nextExpected", rb.nextExpected,
			)
		}
	case dsn > rb.nextExpected:
		slog.Debug("reassembly: buffering out-of-order segment",
			"dsn", dsn,
			"nextExpected", rb.nextExpected,
			"bufferLen", len(rb.buffer),
		)
		rb.buffer[dsn] = data
	default:
		slog.Debug("reassembly: dropping duplicate segment",
			"dsn", dsn,
			"nextExpected", rb.nextExpected,
		)
	}
	rb.checkFin()
}

// deliver hands data to the reader. Caller holds rb.mu.
func (rb *reassemblyBuffer) deliver(data []byte) bool {
	select {
	case rb.output <- data:
		rb.nextExpected += uint64(len(data))
		return true
	case <-rb.quit:
		return false
	}
}

// setFin records the peer's final DSN.
func (rb *reassemblyBuffer) setFin(dsn uint64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.fin = dsn
	rb.haveFin = true
	rb.checkFin()
}

// checkFin ends the stream once everything up to the final DSN is
// delivered. Caller holds rb.mu.
func (rb *reassemblyBuffer) checkFin() {
	if rb.haveFin && !rb.done && rb.nextExpected >= rb.fin {
		rb.done = true
		close(rb.output)
	}
}

func (rb *reassemblyBuffer) finish() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if !rb.done {
		rb.done = true
		close(rb.output)
	}
}
