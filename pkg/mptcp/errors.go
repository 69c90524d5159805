package mptcp

import (
	"errors"
	"fmt"
)

var (
	// ErrMappingNotFound is matched by every *MappingNotFoundError.
	ErrMappingNotFound = errors.New("mptcp: no mapping covers ack")
	ErrEmptyMapping    = errors.New("mptcp: mapping length must be positive")
	ErrMalformedOption = errors.New("mptcp: malformed option")
)

// MappingNotFoundError reports an acknowledgment number that no inbound
// mapping covers. Sender and receiver have desynchronized their mapping
// state; the connection cannot continue.
type MappingNotFoundError struct {
	Ack uint64
}

func (e *MappingNotFoundError) Error() string {
	return fmt.Sprintf("mptcp: no mapping info found for ack %d", e.Ack)
}

func (e *MappingNotFoundError) Is(target error) bool {
	return target == ErrMappingNotFound
}
