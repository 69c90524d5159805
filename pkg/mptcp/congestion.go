package mptcp

import "math"

// CwndAction is the last event that changed the congestion window.
type CwndAction uint8

const (
	CwndActionNone CwndAction = iota
	CwndActionDupAck
	CwndActionTimeout
	CwndActionECN
)

func (a CwndAction) String() string {
	switch a {
	case CwndActionNone:
		return "none"
	case CwndActionDupAck:
		return "dupack"
	case CwndActionTimeout:
		return "timeout"
	case CwndActionECN:
		return "ecn"
	default:
		return "unknown"
	}
}

// CongestionConfig holds the per-subflow congestion parameters. Windows are
// in segments.
type CongestionConfig struct {
	InitialCwnd    float64
	SSThresh       float64
	MaxSSThresh    int     // limited slow start threshold, 0 disables
	MaxCwnd        int     // window cap, 0 disables
	IncreaseNum    float64 // additive increase used while the aggregate is empty
	AllowSlowStart bool
	SegmentSize    int // bytes
}

// DefaultCongestionConfig mirrors common TCP defaults.
func DefaultCongestionConfig() CongestionConfig {
	return CongestionConfig{
		InitialCwnd:    2,
		SSThresh:       64,
		IncreaseNum:    1,
		AllowSlowStart: true,
		SegmentSize:    1460,
	}
}

// ackSnapshot is what UpdateByteAcked saw last time; each call computes its
// delta against it and then replaces it.
type ackSnapshot struct {
	sackTotal  int64
	sackMinSeq int64
	haveMinSeq bool
	ack        int64
}

func (s ackSnapshot) delta(highestAck int64, sack SackState) int64 {
	minSeq := sack.MinSeq()
	if minSeq < 0 {
		return highestAck - s.ack - s.sackTotal
	}
	if s.haveMinSeq && minSeq > s.sackMinSeq {
		return minSeq - s.sackMinSeq
	}
	return sack.Total() - s.sackTotal
}

func takeSnapshot(highestAck int64, sack SackState) ackSnapshot {
	minSeq := sack.MinSeq()
	return ackSnapshot{
		sackTotal:  sack.Total(),
		sackMinSeq: minSeq,
		haveMinSeq: minSeq > 0,
		ack:        highestAck,
	}
}

// Controller grows one subflow's congestion window with the linked increase
// algorithm, coupled to the other subflows through a WindowCoupler.
type Controller struct {
	cfg     CongestionConfig
	coupler WindowCoupler
	limit   LimitFunc

	cwnd       float64
	ssthresh   float64
	byteAcked  float64 // segments acked since the last GrowWindow
	lastAction CwndAction
	snap       ackSnapshot
}

// NewController returns a controller starting at cfg.InitialCwnd.
func NewController(cfg CongestionConfig, coupler WindowCoupler) *Controller {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultCongestionConfig().SegmentSize
	}
	if cfg.InitialCwnd <= 0 {
		cfg.InitialCwnd = DefaultCongestionConfig().InitialCwnd
	}
	return &Controller{
		cfg:      cfg,
		coupler:  coupler,
		limit:    LimitedSlowStart,
		cwnd:     cfg.InitialCwnd,
		ssthresh: cfg.SSThresh,
	}
}

// SetLimitFunc replaces the limited slow start policy.
func (c *Controller) SetLimitFunc(f LimitFunc) { c.limit = f }

func (c *Controller) Cwnd() float64 { return c.cwnd }
func (c *Controller) SSThresh() float64 { return c.ssthresh }
func (c *Controller) ByteAcked() float64 { return c.byteAcked }
func (c *Controller) LastAction() CwndAction { return c.lastAction }
func (c *Controller) SegmentSize() int { return c.cfg.SegmentSize }

// SetLastAction records the event that last changed the window.
func (c *Controller) SetLastAction(a CwndAction) { c.lastAction = a }

// UpdateByteAcked computes how many segments were newly acknowledged since
// the previous call, from the highest cumulative ack and the SACK state.
func (c *Controller) UpdateByteAcked(highestAck uint64, sack SackState) {
	if sack == nil {
		sack = NoSack{}
	}
	ack := int64(highestAck)
	d := c.snap.delta(ack, sack)
	if d < 0 {
		d = 0
	}
	c.snap = takeSnapshot(ack, sack)
	c.byteAcked = float64(d) / float64(c.cfg.SegmentSize)
}

// GrowWindow opens the window once per acknowledgment, after
// UpdateByteAcked.
func (c *Controller) GrowWindow() {
	if c.cwnd < c.ssthresh && c.cfg.AllowSlowStart {
		c.cwnd++
	} else {
		var increment float64
		total := c.coupler.TotalCwnd()
		if total > 0.1 {
			increment = math.Min(c.coupler.Alpha()*c.byteAcked/total, c.byteAcked/c.cwnd)
		} else {
			increment = c.cfg.IncreaseNum / c.cwnd
		}
		if (c.lastAction == CwndActionNone || c.lastAction == CwndActionTimeout) && c.cfg.MaxSSThresh > 0 && c.limit != nil {
			increment = c.limit(c.cwnd, c.cfg.MaxSSThresh, increment)
		}
		c.cwnd += increment
	}
	if c.cfg.MaxCwnd > 0 && int(c.cwnd) > c.cfg.MaxCwnd {
		c.cwnd = float64(c.cfg.MaxCwnd)
	}
	c.byteAcked = 0
}

// OnLoss halves the window after a loss signalled by duplicate acks or ECN.
func (c *Controller) OnLoss(action CwndAction) {
	c.ssthresh = math.Max(c.cwnd/2, 2)
	c.cwnd = c.ssthresh
	c.lastAction = action
}

// OnTimeout collapses the window to one segment.
func (c *Controller) OnTimeout() {
	c.ssthresh = math.Max(c.cwnd/2, 2)
	c.cwnd = 1
	c.lastAction = CwndActionTimeout
}
