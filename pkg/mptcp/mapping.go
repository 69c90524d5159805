package mptcp

import "log/slog"

// Mapping binds a byte range in connection-level (DSN) space to a byte range
// in one subflow's sequence space.
type Mapping struct {
	DataSeq    uint64
	SubflowSeq uint64
	Length     uint32

	// SentSubflowSeq is the subflow sequence the mapping was first put on the
	// wire with. Zero means not yet sent; subflow data never starts at 0
	// because the SYN consumes the initial sequence number.
	SentSubflowSeq uint64
}

// End returns the first subflow sequence past the mapping.
func (m Mapping) End() uint64 { return m.SubflowSeq + uint64(m.Length) }

// DataEnd returns the first DSN past the mapping.
func (m Mapping) DataEnd() uint64 { return m.DataSeq + uint64(m.Length) }

// Contains reports whether seq lies in [SubflowSeq, End()).
func (m Mapping) Contains(seq uint64) bool {
	return seq >= m.SubflowSeq && seq < m.End()
}

// covers is the ack-side test: an ack equal to End() still belongs to the
// mapping because it acknowledges its last byte.
func (m Mapping) covers(ack uint64) bool {
	return ack >= m.SubflowSeq && ack <= m.End()
}

// DataAcker is the part of the connection aggregator the mapping engine
// reports acknowledgment progress to.
type DataAcker interface {
	SetDataAck(dataSeq, offset uint64)
	DataAck() uint64
}

// MappingEngine owns the outbound and inbound DSN mappings of one subflow.
// Both lists are kept in insertion order and scanned linearly; they are
// bounded by the data in flight on the subflow.
//
// A MappingEngine is not safe for concurrent use.
type MappingEngine struct {
	conn        DataAcker
	writeCursor uint64
	outbound    []Mapping
	inbound     []Mapping
}

// NewMappingEngine returns an engine whose next outbound mapping starts at
// writeCursor+1.
func NewMappingEngine(conn DataAcker, writeCursor uint64) *MappingEngine {
	return &MappingEngine{
		conn:        conn,
		writeCursor: writeCursor,
	}
}

// WriteCursor returns the subflow sequence of the last byte handed to
// AttachOutbound.
func (e *MappingEngine) WriteCursor() uint64 { return e.writeCursor }

// AttachOutbound records that length bytes starting at dataSeq are queued on
// this subflow right after the write cursor. Contiguous calls are never
// merged.
func (e *MappingEngine) AttachOutbound(dataSeq uint64, length uint32) (Mapping, error) {
	if length == 0 {
		return Mapping{}, ErrEmptyMapping
	}
	m := Mapping{
		DataSeq:    dataSeq,
		SubflowSeq: e.writeCursor + 1,
		Length:     length,
	}
	e.outbound = append(e.outbound, m)
	e.writeCursor += uint64(length)
	return m, nil
}

// SelectForSend returns the mapping to advertise on a segment starting at
// seq. A mapping qualifies on its first transmission or when seq is exactly
// the point it was first sent from (a retransmission of the same segment).
// The bool is false for segments that carry no data-mapping option.
func (e *MappingEngine) SelectForSend(seq uint64) (Mapping, bool) {
	for i := range e.outbound {
		m := &e.outbound[i]
		if !m.Contains(seq) {
			continue
		}
		if m.SentSubflowSeq == 0 || m.SentSubflowSeq == seq {
			m.SentSubflowSeq = seq
			return *m, true
		}
	}
	return Mapping{}, false
}

// RegisterInbound records a data-mapping option received from the peer.
func (e *MappingEngine) RegisterInbound(dataSeq, subflowSeq uint64, length uint32) error {
	if length == 0 {
		return ErrEmptyMapping
	}
	e.inbound = append(e.inbound, Mapping{
		DataSeq:    dataSeq,
		SubflowSeq: subflowSeq,
		Length:     length,
	})
	return nil
}

// ResolveAck translates a subflow acknowledgment number into the
// connection-level data ack. Inbound mappings entirely below ack are evicted
// while scanning.
func (e *MappingEngine) ResolveAck(ack uint64) (uint64, error) {
	if ack == 1 {
		// only the SYN has been acknowledged
		return 0, nil
	}
	i := 0
	for i < len(e.inbound) {
		m := e.inbound[i]
		if m.covers(ack) {
			e.conn.SetDataAck(m.DataSeq, ack-m.SubflowSeq)
			return e.conn.DataAck(), nil
		}
		if ack > m.End() {
			e.inbound = append(e.inbound[:i], e.inbound[i+1:]...)
			continue
		}
		i++
	}
	slog.Error("mptcp: no mapping info found", "ack", ack, "inbound", len(e.inbound))
	return 0, &MappingNotFoundError{Ack: ack}
}

// InboundDataSeq returns the DSN of the received subflow byte seq.
func (e *MappingEngine) InboundDataSeq(seq uint64) (uint64, bool) {
	for _, m := range e.inbound {
		if m.Contains(seq) {
			return m.DataSeq + (seq - m.SubflowSeq), true
		}
	}
	return 0, false
}

// RetireOutbound drops every outbound mapping whose DSN range ends at or
// before dataAck and returns how many were dropped.
func (e *MappingEngine) RetireOutbound(dataAck uint64) int {
	kept := e.outbound[:0]
	for _, m := range e.outbound {
		if m.DataEnd() > dataAck {
			kept = append(kept, m)
		}
	}
	removed := len(e.outbound) - len(kept)
	clear(e.outbound[len(kept):])
	e.outbound = kept
	return removed
}

// Outbound returns a copy of the outbound list.
func (e *MappingEngine) Outbound() []Mapping {
	return append([]Mapping(nil), e.outbound...)
}

// Inbound returns a copy of the inbound list.
func (e *MappingEngine) Inbound() []Mapping {
	return append([]Mapping(nil), e.inbound...)
}
