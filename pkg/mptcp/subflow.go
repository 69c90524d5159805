package mptcp

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Flags are the TCP-style control flags of a segment.
type Flags uint8

const (
	FlagFIN Flags = 0x01
	FlagSYN Flags = 0x02
	FlagRST Flags = 0x04
	FlagACK Flags = 0x10
	FlagECE Flags = 0x40
	FlagCWR Flags = 0x80
)

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, x := range []struct {
		flag Flags
		name string
	}{
		{FlagSYN, "SYN"}, {FlagACK, "ACK"}, {FlagFIN, "FIN"},
		{FlagRST, "RST"}, {FlagECE, "ECE"}, {FlagCWR, "CWR"},
	} {
		if f&x.flag != 0 {
			parts = append(parts, x.name)
		}
	}
	return strings.Join(parts, "|")
}

// ECN is the flags sub-header that carries the ECN bits outside the TCP
// flag byte.
type ECN struct {
	ECT        bool // ECN-capable transport
	ECNEcho    bool
	CongAction bool // CWR
	CE         bool // congestion experienced, set on the path
}

// Reason tells BuildHeader why a segment is sent; anything but
// ReasonNormal counts as a retransmission.
type Reason uint8

const (
	ReasonNormal Reason = iota
	ReasonTimeout
	ReasonDupAck
	ReasonSack
)

// SegmentHeader is the header assembled for one outgoing segment.
type SegmentHeader struct {
	Seq       uint64
	Ack       uint64
	Flags     Flags
	ECN       ECN
	Options   Options
	HeaderLen int
	DataLen   int
}

// String formats the header for diagnostics.
func (h SegmentHeader) String() string {
	s := fmt.Sprintf("(hlen:%d, dlen:%d, seq:%d, ack:%d, flags:0x%x (%s)",
		h.HeaderLen, h.DataLen, h.Seq, h.Ack, uint8(h.Flags), h.Flags)
	if h.Options.HasDataAck {
		s += fmt.Sprintf(", dack:%d", h.Options.DataAck)
	}
	if h.Options.HasMapping {
		m := h.Options.Mapping
		s += fmt.Sprintf(", dsn:%d, subseq:%d, dsnlen:%d", m.DataSeq, m.SubflowSeq, m.Length)
	}
	return s + ")"
}

// SubflowConfig configures one subflow.
type SubflowConfig struct {
	ID             uint8
	Primary        bool  // first subflow of the connection, sends MP_CAPABLE
	Subflows       uint8 // announced in MP_CAPABLE / MP_JOIN
	BaseHeaderSize int
	TimestampSize  int // timestamp option bytes, 0 without timestamps
	ECN            bool
	Congestion     CongestionConfig
}

// SubflowStats counts what BuildHeader emitted.
type SubflowStats struct {
	DataPackets    uint64
	AckPackets     uint64
	DataBytes      uint64
	RexmitPackets  uint64
	RexmitBytes    uint64
	LastAckSent    uint64
	LastSendTime   time.Time
	RetiredMapping uint64
}

// Subflow ties one subflow's mapping engine and congestion controller to
// the shared Connection, and assembles the MPTCP part of its headers.
//
// A Subflow is not safe for concurrent use.
type Subflow struct {
	id             uint8
	primary        bool
	subflows       uint8
	baseHeaderSize int
	tsSize         int
	optionSize     int

	// ECN state; ect is set once both ends agreed.
	ecn        bool
	ect        bool
	ecnSyn     bool
	ecnSynNext bool
	recentCE   bool

	// options the peer offered on its SYN, echoed on our SYN/ACK
	mpCapable bool
	mpJoin    bool

	conn     *Connection
	Mappings *MappingEngine
	CC       *Controller
	rtt      time.Duration
	stats    SubflowStats
}

// NewSubflow returns a subflow attached to conn whose subflow sequence space
// starts at isn.
func NewSubflow(cfg SubflowConfig, conn *Connection, isn uint64) *Subflow {
	return &Subflow{
		id:             cfg.ID,
		primary:        cfg.Primary,
		subflows:       cfg.Subflows,
		baseHeaderSize: cfg.BaseHeaderSize,
		tsSize:         cfg.TimestampSize,
		ecn:            cfg.ECN,
		ecnSyn:         cfg.ECN,
		conn:           conn,
		Mappings:       NewMappingEngine(conn, isn),
		CC:             NewController(cfg.Congestion, conn),
	}
}

func (s *Subflow) ID() uint8 { return s.id }
func (s *Subflow) Primary() bool { return s.primary }
func (s *Subflow) Stats() SubflowStats { return s.stats }
func (s *Subflow) RTT() time.Duration { return s.rtt }
func (s *Subflow) ECT() bool { return s.ect }
func (s *Subflow) Connection() *Connection { return s.conn }

// HeaderSize returns the base header size plus the timestamp option and
// the MPTCP options of the last header built. A base size below one byte is
// reported and used as is.
func (s *Subflow) HeaderSize() int {
	total := s.baseHeaderSize
	if total < 1 {
		slog.Warn("mptcp: header size is only a few bytes",
			"sfIdx", s.id,
			"baseHeaderSize", s.baseHeaderSize,
		)
	}
	return total + s.tsSize + s.optionSize
}

// OnSYN records the MPTCP and ECN negotiation carried by the peer's SYN or
// SYN/ACK.
func (s *Subflow) OnSYN(flags Flags, opts Options) {
	s.mpCapable = opts.Capable
	s.mpJoin = opts.Join
	if !s.ecn {
		return
	}
	if flags&FlagACK == 0 {
		// a SYN offering ECN: answer with ECT on the SYN/ACK
		s.ecnSynNext = flags&FlagECE != 0 && flags&FlagCWR != 0
		s.ect = s.ecnSynNext
		return
	}
	s.ect = flags&FlagECE != 0
}

// OnCE records a congestion-experienced mark on a received data segment;
// the next header echoes it.
func (s *Subflow) OnCE() { s.recentCE = true }

// OnCWR clears the echo once the peer reduced its window.
func (s *Subflow) OnCWR() { s.recentCE = false }

// BuildHeader assembles the header of a segment about to be sent:
// ECN bits, MPTCP options and the data-mapping option of the mapping that
// covers seq. The data ack is resolved from ack, so a missing inbound
// mapping is returned as a *MappingNotFoundError.
func (s *Subflow) BuildHeader(seq, ack uint64, flags Flags, dataLen int, reason Reason) (SegmentHeader, error) {
	h := SegmentHeader{
		Seq:     seq,
		Ack:     ack,
		DataLen: dataLen,
	}

	switch {
	case dataLen > 0 && s.ecn:
		h.ECN.ECT = s.ect
	case s.ecn && s.ecnSyn && s.ecnSynNext && flags&FlagSYN != 0 && flags&FlagACK != 0:
		h.ECN.ECT = s.ect
	}
	if s.ecn && s.ect && s.recentCE {
		flags |= FlagECE
	}
	h.ECN.ECNEcho = flags&FlagECE != 0
	h.ECN.CongAction = flags&FlagCWR != 0
	h.Flags = flags

	var opts Options
	if flags&FlagSYN != 0 {
		if flags&FlagACK == 0 {
			if s.primary {
				opts.Capable = true
			} else {
				opts.Join = true
			}
		} else {
			opts.Capable = s.mpCapable
			opts.Join = s.mpJoin
		}
		opts.Subflows = s.subflows
	} else {
		dataAck, err := s.Mappings.ResolveAck(ack)
		if err != nil {
			return SegmentHeader{}, err
		}
		if dataAck != 0 {
			opts.HasDataAck = true
			opts.DataAck = dataAck
		}
	}

	if dataLen > 0 {
		if m, ok := s.Mappings.SelectForSend(seq); ok {
			opts.HasMapping = true
			opts.Mapping = m
		}
	}
	s.optionSize = opts.Size()
	h.Options = opts
	h.HeaderLen = s.HeaderSize()

	if dataLen <= 0 {
		s.stats.AckPackets++
	} else {
		s.stats.DataPackets++
		s.stats.DataBytes += uint64(dataLen)
		s.stats.LastSendTime = time.Now()
	}
	if reason != ReasonNormal {
		s.stats.RexmitPackets++
		s.stats.RexmitBytes += uint64(max(dataLen, 0))
	}
	s.stats.LastAckSent = ack

	return h, nil
}

// AckReceived runs one acknowledgment event through the congestion
// controller and publishes the new window to the connection.
func (s *Subflow) AckReceived(highestAck uint64, sack SackState) {
	s.CC.UpdateByteAcked(highestAck, sack)
	s.CC.GrowWindow()
	s.conn.UpdateWindow(s.id, s.CC.Cwnd(), s.rtt)
}

// DataAcked retires the outbound mappings below the peer's data ack.
func (s *Subflow) DataAcked(dataAck uint64) int {
	n := s.Mappings.RetireOutbound(dataAck)
	s.stats.RetiredMapping += uint64(n)
	return n
}

// SetRTT records a smoothed RTT used for alpha.
func (s *Subflow) SetRTT(rtt time.Duration) { s.rtt = rtt }

// Close removes the subflow from the connection aggregate.
func (s *Subflow) Close() { s.conn.RemoveSubflow(s.id) }
