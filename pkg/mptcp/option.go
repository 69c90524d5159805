package mptcp

import (
	"encoding/binary"
	"fmt"
)

// Option kinds. Every option is encoded as kind(1) len(1) body, len
// counting the whole option.
const (
	OptionKindCapable uint8 = 0x01
	OptionKindJoin    uint8 = 0x02
	OptionKindDataAck uint8 = 0x03
	OptionKindData    uint8 = 0x04
)

// Option sizes on the wire.
const (
	CapableOptionSize = 3  // kind, len, subflow count
	JoinOptionSize    = 3  // kind, len, subflow count
	AckOptionSize     = 10 // kind, len, data ack (8)
	DataOptionSize    = 22 // kind, len, DSN (8), subflow seq (8), length (4)
)

// Options are the MPTCP options carried by one segment.
type Options struct {
	Capable  bool
	Join     bool
	Subflows uint8 // subflow count announced with MP_CAPABLE / MP_JOIN

	HasDataAck bool
	DataAck    uint64

	HasMapping bool
	Mapping    Mapping // DataSeq, SubflowSeq and Length are encoded
}

// Size returns the encoded size of o.
func (o Options) Size() int {
	n := 0
	if o.Capable {
		n += CapableOptionSize
	}
	if o.Join {
		n += JoinOptionSize
	}
	if o.HasDataAck {
		n += AckOptionSize
	}
	if o.HasMapping {
		n += DataOptionSize
	}
	return n
}

// AppendTo appends the encoded options to b.
func (o Options) AppendTo(b []byte) []byte {
	if o.Capable {
		b = append(b, OptionKindCapable, CapableOptionSize, o.Subflows)
	}
	if o.Join {
		b = append(b, OptionKindJoin, JoinOptionSize, o.Subflows)
	}
	if o.HasDataAck {
		b = append(b, OptionKindDataAck, AckOptionSize)
		b = binary.BigEndian.AppendUint64(b, o.DataAck)
	}
	if o.HasMapping {
		b = append(b, OptionKindData, DataOptionSize)
		b = binary.BigEndian.AppendUint64(b, o.Mapping.DataSeq)
		b = binary.BigEndian.AppendUint64(b, o.Mapping.SubflowSeq)
		b = binary.BigEndian.AppendUint32(b, o.Mapping.Length)
	}
	return b
}

// ParseOptions decodes an option block produced by AppendTo. Unknown kinds
// are skipped using their length byte.
func ParseOptions(b []byte) (Options, error) {
	var o Options
	for len(b) > 0 {
		if len(b) < 2 {
			return Options{}, fmt.Errorf("%w: truncated option header", ErrMalformedOption)
		}
		kind, size := b[0], int(b[1])
		if size < 2 || size > len(b) {
			return Options{}, fmt.Errorf("%w: kind 0x%02x length %d", ErrMalformedOption, kind, size)
		}
		body := b[2:size]
		switch kind {
		case OptionKindCapable, OptionKindJoin:
			if size != CapableOptionSize {
				return Options{}, fmt.Errorf("%w: kind 0x%02x length %d", ErrMalformedOption, kind, size)
			}
			if kind == OptionKindCapable {
				o.Capable = true
			} else {
				o.Join = true
			}
			o.Subflows = body[0]
		case OptionKindDataAck:
			if size != AckOptionSize {
				return Options{}, fmt.Errorf("%w: data ack length %d", ErrMalformedOption, size)
			}
			o.HasDataAck = true
			o.DataAck = binary.BigEndian.Uint64(body)
		case OptionKindData:
			if size != DataOptionSize {
				return Options{}, fmt.Errorf("%w: data mapping length %d", ErrMalformedOption, size)
			}
			o.HasMapping = true
			o.Mapping = Mapping{
				DataSeq:    binary.BigEndian.Uint64(body[0:8]),
				SubflowSeq: binary.BigEndian.Uint64(body[8:16]),
				Length:     binary.BigEndian.Uint32(body[16:20]),
			}
		}
		b = b[size:]
	}
	return o, nil
}
