package mpflow

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hossein/mpflow/pkg/mptcp"
)

func testPacket() *Packet {
	return &Packet{
		Version:      ProtocolVersion,
		Type:         TypeData,
		SubflowIndex: 1,
		Flags:        mptcp.FlagACK | mptcp.FlagCWR,
		ECN:          mptcp.ECN{ECT: true, CongAction: true},
		ConnectionID: [16]byte{0xde, 0xad, 0xbe, 0xef},
		Seq:          1,
		Ack:          4097,
		Timestamp:    1_700_000_000_000_000,
		TSEcr:        1_699_999_999_000_000,
		Window:       1 << 20,
		Options: mptcp.Options{
			HasDataAck: true,
			DataAck:    8192,
			HasMapping: true,
			Mapping:    mptcp.Mapping{DataSeq: 65536, SubflowSeq: 1, Length: 5},
		},
		Data: []byte("hello"),
	}
}

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := testPacket()
	require.NoError(t, WritePacket(&buf, want))

	wire := buf.Bytes()
	optLen := want.Options.Size()
	assert.Equal(t, uint32(HeaderSize+optLen+len(want.Data)), binary.BigEndian.Uint32(wire[:4]))

	got, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.True(t, VerifyChecksum(got))

	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.SubflowIndex, got.SubflowIndex)
	assert.Equal(t, want.Flags, got.Flags)
	assert.Equal(t, want.ECN, got.ECN)
	assert.Equal(t, want.ConnectionID, got.ConnectionID)
	assert.Equal(t, want.Seq, got.Seq)
	assert.Equal(t, want.Ack, got.Ack)
	assert.Equal(t, want.Timestamp, got.Timestamp)
	assert.Equal(t, want.TSEcr, got.TSEcr)
	assert.Equal(t, want.Window, got.Window)
	assert.Equal(t, want.Options, got.Options)
	assert.Equal(t, uint32(5), got.DataLength)
	assert.Equal(t, want.Data, got.Data)
}

func TestPacketRoundTrip_NoOptions(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, &Packet{
		Version: ProtocolVersion,
		Type:    TypeClose,
		Flags:   mptcp.FlagFIN | mptcp.FlagACK,
		Seq:     123456,
	}))
	assert.Equal(t, 4+HeaderSize, buf.Len())

	got, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.True(t, VerifyChecksum(got))
	assert.Equal(t, uint64(123456), got.Seq)
	assert.Empty(t, got.Data)
}

func TestVerifyChecksum_DetectsCorruption(t *testing.T) {
	tests := []struct {
		name   string
		offset func(optLen int) int
	}{
		{name: "payload", offset: func(optLen int) int { return 4 + HeaderSize + optLen }},
		{name: "option", offset: func(int) int { return 4 + HeaderSize + 3 }},
		{name: "header seq", offset: func(int) int { return 4 + 31 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			p := testPacket()
			require.NoError(t, WritePacket(&buf, p))

			wire := buf.Bytes()
			wire[tt.offset(p.Options.Size())] ^= 0x01

			got, err := ReadPacket(bytes.NewReader(wire))
			if err != nil {
				// a flipped option byte may already fail to parse
				assert.ErrorIs(t, err, mptcp.ErrMalformedOption)
				return
			}
			assert.False(t, VerifyChecksum(got))
		})
	}
}

func TestVerifyChecksum_IgnoresCEMark(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, testPacket()))

	wire := buf.Bytes()
	wire[4+4] |= ecnCE

	got, err := ReadPacket(bytes.NewReader(wire))
	require.NoError(t, err)
	assert.True(t, got.ECN.CE)
	assert.True(t, got.ECN.ECT)
	assert.True(t, VerifyChecksum(got), "a CE mark set on the path must not invalidate the packet")

	// the other ECN bits stay covered
	wire[4+4] ^= ecnEcho
	got, err = ReadPacket(bytes.NewReader(wire))
	require.NoError(t, err)
	assert.False(t, VerifyChecksum(got))
}

func TestReadPacket_Malformed(t *testing.T) {
	t.Run("short frame", func(t *testing.T) {
		frame := make([]byte, 4+10)
		binary.BigEndian.PutUint32(frame, 10)
		_, err := ReadPacket(bytes.NewReader(frame))
		assert.ErrorIs(t, err, errShortPacket)
	})

	t.Run("oversized frame", func(t *testing.T) {
		frame := make([]byte, 4)
		binary.BigEndian.PutUint32(frame, maxFrame+1)
		_, err := ReadPacket(bytes.NewReader(frame))
		assert.ErrorIs(t, err, errLongPacket)
	})

	t.Run("length mismatch", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WritePacket(&buf, testPacket()))
		wire := buf.Bytes()
		binary.BigEndian.PutUint32(wire[4+60:4+64], 999)
		_, err := ReadPacket(bytes.NewReader(wire))
		assert.ErrorIs(t, err, errShortPacket)
	})

	t.Run("truncated body", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WritePacket(&buf, testPacket()))
		_, err := ReadPacket(bytes.NewReader(buf.Bytes()[:buf.Len()-2]))
		assert.Error(t, err)
	})
}

func TestPacketTypeName(t *testing.T) {
	assert.Equal(t, "DATA", packetTypeName(TypeData))
	assert.Equal(t, "HANDSHAKE_ACK", packetTypeName(TypeHandshakeAck))
	assert.Equal(t, "UNKNOWN(0x7f)", packetTypeName(0x7f))
}
