package mptcp

// SackState is the selective-acknowledgment view of the underlying
// transport. MinSeq returns -1 when no SACK blocks are held.
type SackState interface {
	MinSeq() int64
	Total() int64
}

// NoSack is the SackState of a transport that never reports gaps, such as a
// subflow riding on a kernel TCP connection.
type NoSack struct{}

func (NoSack) MinSeq() int64 { return -1 }
func (NoSack) Total() int64  { return 0 }
