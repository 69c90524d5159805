package mptcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_SizeMatchesEncoding(t *testing.T) {
	o := Options{
		Join:       true,
		Subflows:   3,
		HasDataAck: true,
		DataAck:    1 << 40,
		HasMapping: true,
		Mapping:    Mapping{DataSeq: 1000, SubflowSeq: 100, Length: 500, SentSubflowSeq: 150},
	}
	b := o.AppendTo(nil)
	require.Len(t, b, o.Size())
	assert.Equal(t, JoinOptionSize+AckOptionSize+DataOptionSize, o.Size())

	got, err := ParseOptions(b)
	require.NoError(t, err)
	assert.True(t, got.Join)
	assert.False(t, got.Capable)
	assert.Equal(t, uint8(3), got.Subflows)
	assert.Equal(t, uint64(1<<40), got.DataAck)
	// the sent marker is local state and never goes on the wire
	assert.Equal(t, Mapping{DataSeq: 1000, SubflowSeq: 100, Length: 500}, got.Mapping)
}

func TestParseOptions_SkipsUnknownKind(t *testing.T) {
	b := []byte{0x7f, 4, 0xaa, 0xbb}
	b = Options{Capable: true, Subflows: 2}.AppendTo(b)

	got, err := ParseOptions(b)
	require.NoError(t, err)
	assert.True(t, got.Capable)
	assert.Equal(t, uint8(2), got.Subflows)
}

func TestParseOptions_Malformed(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
	}{
		{name: "truncated header", b: []byte{OptionKindDataAck}},
		{name: "length past end", b: []byte{OptionKindDataAck, AckOptionSize, 0, 0}},
		{name: "length too small", b: []byte{OptionKindCapable, 1}},
		{name: "wrong data ack size", b: []byte{OptionKindDataAck, 3, 0}},
		{name: "wrong mapping size", b: []byte{OptionKindData, 4, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOptions(tt.b)
			assert.ErrorIs(t, err, ErrMalformedOption)
		})
	}
}

func TestParseOptions_Empty(t *testing.T) {
	got, err := ParseOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, Options{}, got)
	assert.Zero(t, got.Size())
}
