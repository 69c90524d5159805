package proxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridge(t *testing.T) {
	aOuter, aInner := net.Pipe()
	bInner, bOuter := net.Pipe()

	type result struct {
		st  Stats
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := Bridge(aInner, bInner)
		done <- result{st, err}
	}()

	go func() { _, _ = aOuter.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err := io.ReadFull(bOuter, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	go func() { _, _ = bOuter.Write([]byte("pong!")) }()
	buf = make([]byte, 5)
	_, err = io.ReadFull(aOuter, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong!", string(buf))

	require.NoError(t, aOuter.Close())

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, int64(4), r.st.AToB)
		assert.Equal(t, int64(5), r.st.BToA)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not return")
	}

	// the far side saw the close propagate
	_, err = bOuter.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}
