package mpflow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"

	"github.com/hossein/mpflow/pkg/mptcp"
)

const ProtocolVersion uint8 = 0x02

// Packet Types (Explicit for wire protocol stability)
const (
	TypeData         uint8 = 0x00
	TypeHandshake    uint8 = 0x01
	TypeHandshakeAck uint8 = 0x02
	TypeAck          uint8 = 0x03
	TypeClose        uint8 = 0x04
	TypePing         uint8 = 0x05
	TypePong         uint8 = 0x06
)

// ECN bits, byte 4 of the header. ecnCE may be set by anything on the path
// and is left out of the checksum.
const (
	ecnECT     uint8 = 0x01
	ecnEcho    uint8 = 0x02
	ecnCongAct uint8 = 0x04
	ecnCE      uint8 = 0x08
)

// HeaderSize is the fixed part of the header; MPTCP options follow it.
const HeaderSize = 68

// timestampSize is the timestamp and timestamp echo pair inside the header.
const timestampSize = 16

// maxFrame bounds the length prefix so a corrupt frame cannot make us
// allocate gigabytes.
const maxFrame = HeaderSize + 255 + 1<<20

var (
	errShortPacket = errors.New("mpflow: packet too short")
	errLongPacket  = errors.New("mpflow: packet too long")
)

// packetTypeName returns a human-readable name for a packet type byte.
func packetTypeName(t uint8) string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeHandshakeAck:
		return "HANDSHAKE_ACK"
	case TypeAck:
		return "ACK"
	case TypeClose:
		return "CLOSE"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", t)
	}
}

// Packet is one framed segment on a subflow.
//
//	0      version          1  type        2  subflow index   3  flags
//	4      ECN bits         5  option len  6  reserved (2)
//	8-23   connection ID
//	24-31  subflow seq      32-39 subflow ack
//	40-47  timestamp (us)   48-55 timestamp echo
//	56-59  receive window   60-63 data length   64-67 CRC32
//	68-    MPTCP options, then data
type Packet struct {
	Version      uint8
	Type         uint8
	SubflowIndex uint8
	Flags        mptcp.Flags
	ECN          mptcp.ECN
	ConnectionID [16]byte
	Seq          uint64
	Ack          uint64
	Timestamp    uint64
	TSEcr        uint64
	Window       uint32
	DataLength   uint32
	Checksum     uint32
	Options      mptcp.Options
	Data         []byte

	rawOptions []byte // option bytes as received, for VerifyChecksum
}

// applyHeader copies a header built by the MPTCP layer into p.
func (p *Packet) applyHeader(h mptcp.SegmentHeader) {
	p.Seq = h.Seq
	p.Ack = h.Ack
	p.Flags = h.Flags
	p.ECN = h.ECN
	p.Options = h.Options
}

func encodeECN(e mptcp.ECN) uint8 {
	var b uint8
	if e.ECT {
		b |= ecnECT
	}
	if e.ECNEcho {
		b |= ecnEcho
	}
	if e.CongAction {
		b |= ecnCongAct
	}
	if e.CE {
		b |= ecnCE
	}
	return b
}

func decodeECN(b uint8) mptcp.ECN {
	return mptcp.ECN{
		ECT:        b&ecnECT != 0,
		ECNEcho:    b&ecnEcho != 0,
		CongAction: b&ecnCongAct != 0,
		CE:         b&ecnCE != 0,
	}
}

// marshalHeader encodes the fixed header plus options with a zero checksum.
// The data length is taken from p.DataLength.
func (p *Packet) marshalHeader(opts []byte) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(opts))
	buf[0] = p.Version
	buf[1] = p.Type
	buf[2] = p.SubflowIndex
	buf[3] = uint8(p.Flags)
	buf[4] = encodeECN(p.ECN)
	buf[5] = uint8(len(opts))
	copy(buf[8:24], p.ConnectionID[:])
	binary.BigEndian.PutUint64(buf[24:32], p.Seq)
	binary.BigEndian.PutUint64(buf[32:40], p.Ack)
	binary.BigEndian.PutUint64(buf[40:48], p.Timestamp)
	binary.BigEndian.PutUint64(buf[48:56], p.TSEcr)
	binary.BigEndian.PutUint32(buf[56:60], p.Window)
	binary.BigEndian.PutUint32(buf[60:64], p.DataLength)
	return append(buf, opts...)
}

func checksum(header, data []byte) uint32 {
	ecn := header[4]
	header[4] &^= ecnCE
	h := crc32.NewIEEE()
	_, _ = h.Write(header)
	_, _ = h.Write(data)
	header[4] = ecn
	return h.Sum32()
}

// WritePacket serializes a packet to w with a 4-byte length prefix.
func WritePacket(w io.Writer, p *Packet) error {
	opts := p.Options.AppendTo(nil)
	if len(opts) > 255 {
		return fmt.Errorf("mpflow: %d option bytes do not fit the header", len(opts))
	}
	p.DataLength = uint32(len(p.Data))
	header := p.marshalHeader(opts)
	p.Checksum = checksum(header, p.Data)
	binary.BigEndian.PutUint32(header[64:68], p.Checksum)

	wireTotal := uint32(len(header)) + p.DataLength

	slog.Debug("WritePacket: serializing",
		"type", packetTypeName(p.Type),
		"sfIdx", p.SubflowIndex,
		"seq", p.Seq,
		"ack", p.Ack,
		"dataLen", p.DataLength,
		"optLen", len(opts),
		"flags", p.Flags.String(),
		"connID", connIDStr(p.ConnectionID),
	)

	frame := make([]byte, 4, 4+wireTotal)
	binary.BigEndian.PutUint32(frame, wireTotal)
	frame = append(frame, header...)
	frame = append(frame, p.Data...)
	if _, err := w.Write(frame); err != nil {
		slog.Error("WritePacket: failed to write frame",
			"type", packetTypeName(p.Type),
			"seq", p.Seq,
			"err", err,
		)
		return err
	}
	return nil
}

// ReadPacket parses a packet using the length prefix framing. The checksum
// is not verified here; see VerifyChecksum.
func ReadPacket(r io.Reader) (*Packet, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		slog.Debug("ReadPacket: failed to read frame length", "err", err)
		return nil, err
	}
	wireTotal := binary.BigEndian.Uint32(lenBuf[:])
	if wireTotal < HeaderSize {
		slog.Error("ReadPacket: frame too short",
			"wireTotal", wireTotal,
			"minRequired", HeaderSize,
		)
		return nil, errShortPacket
	}
	if wireTotal > maxFrame {
		slog.Error("ReadPacket: frame too long", "wireTotal", wireTotal, "max", maxFrame)
		return nil, errLongPacket
	}

	buf := make([]byte, wireTotal)
	if _, err := io.ReadFull(r, buf); err != nil {
		slog.Error("ReadPacket: failed to read packet body",
			"wireTotal", wireTotal,
			"err", err,
		)
		return nil, err
	}

	optLen := int(buf[5])
	dataLen := binary.BigEndian.Uint32(buf[60:64])
	if uint32(HeaderSize+optLen)+dataLen != wireTotal {
		slog.Error("ReadPacket: length mismatch",
			"wireTotal", wireTotal,
			"optLen", optLen,
			"dataLen", dataLen,
		)
		return nil, errShortPacket
	}

	opts, err := mptcp.ParseOptions(buf[HeaderSize : HeaderSize+optLen])
	if err != nil {
		return nil, fmt.Errorf("mpflow: parsing options: %w", err)
	}

	pkt := &Packet{
		Version:      buf[0],
		Type:         buf[1],
		SubflowIndex: buf[2],
		Flags:        mptcp.Flags(buf[3]),
		ECN:          decodeECN(buf[4]),
		ConnectionID: [16]byte(buf[8:24]),
		Seq:          binary.BigEndian.Uint64(buf[24:32]),
		Ack:          binary.BigEndian.Uint64(buf[32:40]),
		Timestamp:    binary.BigEndian.Uint64(buf[40:48]),
		TSEcr:        binary.BigEndian.Uint64(buf[48:56]),
		Window:       binary.BigEndian.Uint32(buf[56:60]),
		DataLength:   dataLen,
		Checksum:     binary.BigEndian.Uint32(buf[64:68]),
		Options:      opts,
		Data:         buf[HeaderSize+optLen:],
		rawOptions:   buf[HeaderSize : HeaderSize+optLen],
	}

	if pkt.Version != ProtocolVersion {
		slog.Warn("ReadPacket: unexpected protocol version",
			"got", pkt.Version,
			"expected", ProtocolVersion,
			"type", packetTypeName(pkt.Type),
		)
	}
	return pkt, nil
}

// VerifyChecksum recomputes CRC32 over the header (checksum field zeroed),
// the options and the data.
func VerifyChecksum(p *Packet) bool {
	opts := p.rawOptions
	if opts == nil {
		opts = p.Options.AppendTo(nil)
	}
	computed := checksum(p.marshalHeader(opts), p.Data)
	if computed != p.Checksum {
		slog.Warn("VerifyChecksum: MISMATCH",
			"type", packetTypeName(p.Type),
			"seq", p.Seq,
			"expected", fmt.Sprintf("0x%08x", p.Checksum),
			"computed", fmt.Sprintf("0x%08x", computed),
			"connID", connIDStr(p.ConnectionID),
		)
		return false
	}
	return true
}

func connIDStr(id [16]byte) string {
	return fmt.Sprintf("%x", id[:4])
}
