package mptcp

// LimitFunc caps a window increment while the window is above the maximum
// slow start threshold.
type LimitFunc func(cwnd float64, maxSSThresh int, increment float64) float64

// LimitedSlowStart is the RFC 3742 limit: once cwnd exceeds maxSSThresh the
// per-ACK increase is at least 1/K where K = int(cwnd / (0.5*maxSSThresh)).
func LimitedSlowStart(cwnd float64, maxSSThresh int, increment float64) float64 {
	if maxSSThresh <= 0 {
		return increment
	}
	round := int(cwnd / (float64(maxSSThresh) / 2.0))
	if round <= 0 {
		return increment
	}
	if floor := 1.0 / float64(round); increment < floor {
		return floor
	}
	return increment
}
