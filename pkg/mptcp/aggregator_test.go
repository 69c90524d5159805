package mptcp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnection_DataAckContiguous(t *testing.T) {
	c := NewConnection(1000)

	c.SetDataAck(1000, 50)
	assert.Equal(t, uint64(1050), c.DataAck())

	c.SetDataAck(1000, 500)
	assert.Equal(t, uint64(1500), c.DataAck())

	// an older report never moves the ack back
	c.SetDataAck(1000, 10)
	assert.Equal(t, uint64(1500), c.DataAck())
}

func TestConnection_DataAckWaitsForGap(t *testing.T) {
	c := NewConnection(0)

	// subflow B reports bytes beyond data still in flight on subflow A
	c.SetDataAck(2000, 1000)
	assert.Equal(t, uint64(0), c.DataAck())

	c.SetDataAck(0, 1000)
	assert.Equal(t, uint64(1000), c.DataAck())

	// filling the gap releases the held range
	c.SetDataAck(1000, 1000)
	assert.Equal(t, uint64(3000), c.DataAck())
}

func TestConnection_DataAckOverlappingRanges(t *testing.T) {
	c := NewConnection(0)
	c.SetDataAck(300, 100)
	c.SetDataAck(100, 250)
	assert.Equal(t, uint64(0), c.DataAck())

	c.SetDataAck(0, 100)
	assert.Equal(t, uint64(400), c.DataAck())
}

func TestConnection_AlphaEqualRTT(t *testing.T) {
	c := NewConnection(0)
	c.UpdateWindow(0, 10, 0)
	c.UpdateWindow(1, 10, 0)

	assert.InDelta(t, 20.0, c.TotalCwnd(), 1e-9)
	// total * max(cwnd) / sum(cwnd)^2 = 20 * 10 / 400
	assert.InDelta(t, 0.5, c.Alpha(), 1e-9)
}

func TestConnection_AlphaWithRTT(t *testing.T) {
	c := NewConnection(0)
	c.UpdateWindow(0, 10, 10*time.Millisecond)
	c.UpdateWindow(1, 20, 40*time.Millisecond)

	total := 30.0
	best := 10 / (0.01 * 0.01)
	sum := 10/0.01 + 20/0.04
	assert.InDelta(t, total*best/(sum*sum), c.Alpha(), 1e-9)
	assert.InDelta(t, total, c.TotalCwnd(), 1e-9)
}

func TestConnection_TotalCoversEverySubflow(t *testing.T) {
	c := NewConnection(0)
	windows := []float64{3, 7.5, 1}
	for i, w := range windows {
		c.UpdateWindow(uint8(i), w, time.Duration(i+1)*time.Millisecond)
	}
	for _, w := range windows {
		assert.GreaterOrEqual(t, c.TotalCwnd(), w)
	}
	assert.GreaterOrEqual(t, c.Alpha(), 0.0)

	c.RemoveSubflow(1)
	assert.InDelta(t, 4.0, c.TotalCwnd(), 1e-9)

	c.RemoveSubflow(0)
	c.RemoveSubflow(2)
	assert.Zero(t, c.TotalCwnd())
	assert.Zero(t, c.Alpha())
}

func TestConnection_ConcurrentReports(t *testing.T) {
	c := NewConnection(0)
	var wg sync.WaitGroup
	for sf := 0; sf < 4; sf++ {
		wg.Add(1)
		go func(sf int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				dsn := uint64((i*4 + sf) * 10)
				c.SetDataAck(dsn, 10)
				c.UpdateWindow(uint8(sf), float64(i+1), time.Millisecond)
			}
		}(sf)
	}
	wg.Wait()

	require.Equal(t, uint64(4000), c.DataAck())
	assert.InDelta(t, 400.0, c.TotalCwnd(), 1e-9)
}
