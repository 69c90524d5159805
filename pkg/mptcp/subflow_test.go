package mptcp

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaseHeader = 40

func newTestSubflow(id uint8, primary bool, conn *Connection) *Subflow {
	return NewSubflow(SubflowConfig{
		ID:             id,
		Primary:        primary,
		Subflows:       2,
		BaseHeaderSize: testBaseHeader,
		Congestion:     DefaultCongestionConfig(),
	}, conn, 0)
}

func TestBuildHeader_SYNOptions(t *testing.T) {
	conn := NewConnection(0)

	primary := newTestSubflow(0, true, conn)
	h, err := primary.BuildHeader(0, 0, FlagSYN, 0, ReasonNormal)
	require.NoError(t, err)
	assert.True(t, h.Options.Capable)
	assert.False(t, h.Options.Join)
	assert.Equal(t, uint8(2), h.Options.Subflows)
	assert.Equal(t, testBaseHeader+CapableOptionSize, h.HeaderLen)

	join := newTestSubflow(1, false, conn)
	h, err = join.BuildHeader(0, 0, FlagSYN, 0, ReasonNormal)
	require.NoError(t, err)
	assert.True(t, h.Options.Join)
	assert.False(t, h.Options.Capable)
	assert.Equal(t, testBaseHeader+JoinOptionSize, h.HeaderLen)
}

func TestBuildHeader_SYNACKEchoesPeer(t *testing.T) {
	sf := newTestSubflow(1, false, NewConnection(0))
	sf.OnSYN(FlagSYN, Options{Join: true, Subflows: 2})

	h, err := sf.BuildHeader(0, 1, FlagSYN|FlagACK, 0, ReasonNormal)
	require.NoError(t, err)
	assert.True(t, h.Options.Join)
	assert.False(t, h.Options.Capable)
	assert.False(t, h.Options.HasDataAck, "a SYN/ACK resolves no data ack")
}

func TestBuildHeader_DataCarriesMapping(t *testing.T) {
	sf := newTestSubflow(0, true, NewConnection(0))
	_, err := sf.Mappings.AttachOutbound(0, 500)
	require.NoError(t, err)

	h, err := sf.BuildHeader(1, 1, FlagACK, 500, ReasonNormal)
	require.NoError(t, err)
	require.True(t, h.Options.HasMapping)
	assert.Equal(t, uint64(1), h.Options.Mapping.SubflowSeq)
	assert.False(t, h.Options.HasDataAck, "nothing received yet")
	assert.Equal(t, testBaseHeader+DataOptionSize, h.HeaderLen)

	// retransmission re-advertises the mapping
	h, err = sf.BuildHeader(1, 1, FlagACK, 500, ReasonTimeout)
	require.NoError(t, err)
	assert.True(t, h.Options.HasMapping)

	st := sf.Stats()
	assert.Equal(t, uint64(2), st.DataPackets)
	assert.Equal(t, uint64(1000), st.DataBytes)
	assert.Equal(t, uint64(1), st.RexmitPackets)
	assert.Equal(t, uint64(500), st.RexmitBytes)

	// a pure ack carries no mapping and no option bytes
	h, err = sf.BuildHeader(501, 1, FlagACK, 0, ReasonNormal)
	require.NoError(t, err)
	assert.False(t, h.Options.HasMapping)
	assert.Equal(t, testBaseHeader, h.HeaderLen)
}

func TestBuildHeader_DataAckFromInbound(t *testing.T) {
	conn := NewConnection(0)
	sf := newTestSubflow(0, true, conn)
	require.NoError(t, sf.Mappings.RegisterInbound(0, 1, 300))

	h, err := sf.BuildHeader(1, 301, FlagACK, 0, ReasonNormal)
	require.NoError(t, err)
	require.True(t, h.Options.HasDataAck)
	assert.Equal(t, uint64(300), h.Options.DataAck)
	assert.Equal(t, uint64(300), conn.DataAck())
	assert.Equal(t, uint64(301), sf.Stats().LastAckSent)
}

func TestBuildHeader_MissingMappingIsFatal(t *testing.T) {
	sf := newTestSubflow(0, true, NewConnection(0))
	_, err := sf.BuildHeader(1, 77, FlagACK, 0, ReasonNormal)
	assert.ErrorIs(t, err, ErrMappingNotFound)
}

func TestBuildHeader_ECN(t *testing.T) {
	sf := NewSubflow(SubflowConfig{ID: 0, Primary: true, BaseHeaderSize: testBaseHeader, ECN: true}, NewConnection(0), 0)
	sf.OnSYN(FlagSYN|FlagACK|FlagECE, Options{Capable: true})
	require.True(t, sf.ECT())

	_, err := sf.Mappings.AttachOutbound(0, 10)
	require.NoError(t, err)
	h, err := sf.BuildHeader(1, 1, FlagACK, 10, ReasonNormal)
	require.NoError(t, err)
	assert.True(t, h.ECN.ECT)
	assert.False(t, h.ECN.ECNEcho)

	sf.OnCE()
	h, err = sf.BuildHeader(11, 1, FlagACK, 0, ReasonNormal)
	require.NoError(t, err)
	assert.False(t, h.ECN.ECT, "pure acks are not ECN capable")
	assert.True(t, h.ECN.ECNEcho)
	assert.NotZero(t, h.Flags&FlagECE)

	sf.OnCWR()
	h, err = sf.BuildHeader(11, 1, FlagACK|FlagCWR, 0, ReasonNormal)
	require.NoError(t, err)
	assert.False(t, h.ECN.ECNEcho)
	assert.True(t, h.ECN.CongAction)
}

func TestHeaderSize_IncludesTimestamps(t *testing.T) {
	sf := NewSubflow(SubflowConfig{
		ID:             0,
		Primary:        true,
		BaseHeaderSize: testBaseHeader,
		TimestampSize:  10,
	}, NewConnection(0), 0)
	assert.Equal(t, testBaseHeader+10, sf.HeaderSize())

	_, err := sf.Mappings.AttachOutbound(0, 100)
	require.NoError(t, err)
	h, err := sf.BuildHeader(1, 1, FlagACK, 100, ReasonNormal)
	require.NoError(t, err)
	assert.Equal(t, testBaseHeader+10+DataOptionSize, h.HeaderLen)
}

func TestHeaderSize_WarnsOnTinyBase(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	sf := NewSubflow(SubflowConfig{ID: 3}, NewConnection(0), 0)
	assert.Equal(t, 0, sf.HeaderSize())
	assert.Contains(t, buf.String(), "header size")
}

func TestAckReceived_PublishesWindow(t *testing.T) {
	conn := NewConnection(0)
	a := newTestSubflow(0, true, conn)
	b := newTestSubflow(1, false, conn)
	a.SetRTT(10 * time.Millisecond)
	b.SetRTT(10 * time.Millisecond)

	a.AckReceived(1+1460, NoSack{})
	b.AckReceived(1+1460, NoSack{})

	assert.Equal(t, 3.0, a.CC.Cwnd())
	assert.InDelta(t, 6.0, conn.TotalCwnd(), 1e-9)

	b.Close()
	assert.InDelta(t, 3.0, conn.TotalCwnd(), 1e-9)
}

func TestDataAcked_RetiresMappings(t *testing.T) {
	sf := newTestSubflow(0, true, NewConnection(0))
	for _, dsn := range []uint64{0, 100, 200} {
		_, err := sf.Mappings.AttachOutbound(dsn, 100)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, sf.DataAcked(200))
	assert.Equal(t, uint64(2), sf.Stats().RetiredMapping)
	assert.Len(t, sf.Mappings.Outbound(), 1)
}

func TestSegmentHeader_String(t *testing.T) {
	h := SegmentHeader{
		Seq: 100, Ack: 1, Flags: FlagACK, HeaderLen: 62, DataLen: 500,
		Options: Options{HasMapping: true, Mapping: Mapping{DataSeq: 1000, SubflowSeq: 100, Length: 500}},
	}
	s := h.String()
	assert.Contains(t, s, "seq:100")
	assert.Contains(t, s, "flags:0x10 (ACK)")
	assert.Contains(t, s, "dsn:1000")
	assert.Equal(t, "SYN|ACK", (FlagSYN | FlagACK).String())
}
