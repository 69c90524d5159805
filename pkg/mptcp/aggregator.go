package mptcp

import (
	"math"
	"sort"
	"sync"
	"time"
)

// WindowCoupler exposes the aggregate window state consumed by the linked
// increase of each subflow.
type WindowCoupler interface {
	Alpha() float64
	TotalCwnd() float64
}

// dsnRange is a received DSN range [start, end) beyond the data-ack frontier.
type dsnRange struct {
	start, end uint64
}

type windowSample struct {
	cwnd float64
	rtt  time.Duration
}

// Connection is the connection-level state shared by all subflows of one
// MPTCP connection: the canonical data ack and the coupled-increase totals.
// It is safe for concurrent use.
type Connection struct {
	mu sync.Mutex

	dataAck uint64
	pending []dsnRange // sorted by start, all beyond dataAck

	windows   map[uint8]windowSample
	alpha     float64
	totalCwnd float64
}

// NewConnection returns a Connection whose data ack starts at initialDSN.
func NewConnection(initialDSN uint64) *Connection {
	return &Connection{
		dataAck: initialDSN,
		windows: make(map[uint8]windowSample),
	}
}

// SetDataAck records that the DSN range [dataSeq, dataSeq+offset) has been
// received on some subflow. The data ack advances over every range that is
// now contiguous with it; ranges past a gap are held until the gap fills.
func (c *Connection) SetDataAck(dataSeq, offset uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	end := dataSeq + offset
	if end <= c.dataAck {
		return
	}
	if dataSeq <= c.dataAck {
		c.dataAck = end
	} else {
		c.pending = append(c.pending, dsnRange{start: dataSeq, end: end})
		sort.Slice(c.pending, func(i, j int) bool { return c.pending[i].start < c.pending[j].start })
	}

	n := 0
	for _, r := range c.pending {
		if r.start <= c.dataAck {
			if r.end > c.dataAck {
				c.dataAck = r.end
			}
			n++
			continue
		}
		break
	}
	c.pending = c.pending[n:]
}

// DataAck returns the canonical connection-level data ack.
func (c *Connection) DataAck() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataAck
}

// Alpha returns the linked-increase coupling coefficient.
func (c *Connection) Alpha() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alpha
}

// TotalCwnd returns the sum of the congestion windows of all subflows.
func (c *Connection) TotalCwnd() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalCwnd
}

// UpdateWindow records the latest window and smoothed RTT of subflow id and
// recomputes alpha and the total window.
func (c *Connection) UpdateWindow(id uint8, cwnd float64, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows[id] = windowSample{cwnd: cwnd, rtt: rtt}
	c.recompute()
}

// RemoveSubflow drops subflow id from the aggregate.
func (c *Connection) RemoveSubflow(id uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.windows, id)
	c.recompute()
}

// recompute implements RFC 6356:
//
//	alpha = total * max(cwnd_i / rtt_i^2) / (sum(cwnd_i / rtt_i))^2
//
// Until every subflow has an RTT sample all RTTs are taken as equal.
func (c *Connection) recompute() {
	sampled := true
	for _, w := range c.windows {
		if w.rtt <= 0 {
			sampled = false
			break
		}
	}

	var total, best, sum float64
	for _, w := range c.windows {
		if w.cwnd < 0 {
			continue
		}
		total += w.cwnd
		rtt := 1.0
		if sampled {
			rtt = w.rtt.Seconds()
		}
		best = math.Max(best, w.cwnd/(rtt*rtt))
		sum += w.cwnd / rtt
	}
	c.totalCwnd = total
	if sum == 0 {
		c.alpha = 0
		return
	}
	c.alpha = total * best / (sum * sum)
}
