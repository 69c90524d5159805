package mpflow

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hossein/mpflow/pkg/mptcp"
)

const handshakeTimeout = 10 * time.Second

// Dial establishes a MultipathConn to addr using numSubflows TCP connections.
//
// All subflows connect to the same addr, each opening with a HANDSHAKE (SYN)
// that carries the shared ConnectionID, the subflow's index and an
// MP_CAPABLE (subflow 0) or MP_JOIN option announcing numSubflows. The
// server groups them by ConnectionID and answers each with a SYN/ACK echoing
// the option.
//
// localAddrs optionally pins each subflow to a specific local interface address
// (e.g. "192.168.1.5:0"). An empty string or a slice shorter than numSubflows
// leaves the OS to choose the source address for the remaining subflows.
func Dial(ctx context.Context, addr string, numSubflows int, localAddrs []string, cfg Config) (*MultipathConn, error) {
	if numSubflows < 1 || numSubflows > 255 {
		return nil, fmt.Errorf("mpflow: numSubflows must be 1-255, got %d", numSubflows)
	}
	cfg = cfg.withDefaults()

	// Random 16-byte ConnectionID ties all subflows together.
	var connID [16]byte
	if _, err := rand.Read(connID[:]); err != nil {
		return nil, fmt.Errorf("mpflow: generating connection ID: %w", err)
	}

	mpConn := mptcp.NewConnection(0)

	// Dial all subflows in parallel so the server sees them close together.
	subflows := make([]*Subflow, numSubflows)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < numSubflows; i++ {
		i := i
		g.Go(func() error {
			sf, err := dialSubflow(gctx, addr, i, numSubflows, connID, localAddrs, mpConn, cfg)
			subflows[i] = sf
			return err
		})
	}

	if err := g.Wait(); err != nil {
		for _, sf := range subflows {
			if sf != nil {
				_ = sf.TCPConn.Close()
			}
		}
		return nil, err
	}

	return NewMultipathConn(connID, subflows, mpConn, cfg), nil
}

// dialSubflow handles the full TCP dial → SYN → SYN/ACK exchange for a
// single subflow.
func dialSubflow(ctx context.Context, addr string, idx, numSubflows int, connID [16]byte, localAddrs []string, mpConn *mptcp.Connection, cfg Config) (*Subflow, error) {
	dialer := &net.Dialer{Timeout: handshakeTimeout}
	if idx < len(localAddrs) && localAddrs[idx] != "" {
		localTCP, err := net.ResolveTCPAddr("tcp", localAddrs[idx])
		if err != nil {
			return nil, fmt.Errorf("mpflow: resolving local addr %q for subflow %d: %w", localAddrs[idx], idx, err)
		}
		dialer.LocalAddr = localTCP
	}

	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mpflow: dialing subflow %d: %w", idx, err)
	}

	mp := mptcp.NewSubflow(cfg.subflowConfig(idx, numSubflows), mpConn, 0)

	flags := mptcp.FlagSYN
	if cfg.ECN {
		flags |= mptcp.FlagECE | mptcp.FlagCWR
	}
	h, err := mp.BuildHeader(0, 0, flags, 0, mptcp.ReasonNormal)
	if err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("mpflow: building SYN for subflow %d: %w", idx, err)
	}

	syn := &Packet{
		Version:      ProtocolVersion,
		Type:         TypeHandshake,
		SubflowIndex: uint8(idx),
		ConnectionID: connID,
		Timestamp:    uint64(time.Now().UnixMicro()),
	}
	syn.applyHeader(h)
	if err = WritePacket(tcpConn, syn); err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("mpflow: sending SYN for subflow %d: %w", idx, err)
	}

	_ = tcpConn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	ack, err := ReadPacket(tcpConn)
	_ = tcpConn.SetReadDeadline(time.Time{}) // clear deadline for data phase
	if err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("mpflow: reading SYN/ACK for subflow %d: %w", idx, err)
	}

	if err := checkSynAck(ack, syn); err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("mpflow: subflow %d: %w", idx, err)
	}

	mp.OnSYN(ack.Flags, ack.Options)
	sf := newSubflow(uint8(idx), tcpConn, mp)
	sf.sampleRTT(ack.TSEcr, time.Now())
	return sf, nil
}

// checkSynAck validates the server's answer to syn.
func checkSynAck(ack, syn *Packet) error {
	switch {
	case ack.Type != TypeHandshakeAck:
		return fmt.Errorf("expected HANDSHAKE_ACK, got %s", packetTypeName(ack.Type))
	case !VerifyChecksum(ack):
		return fmt.Errorf("HANDSHAKE_ACK checksum mismatch")
	case ack.ConnectionID != syn.ConnectionID:
		return fmt.Errorf("HANDSHAKE_ACK connection ID mismatch")
	case ack.Flags&(mptcp.FlagSYN|mptcp.FlagACK) != mptcp.FlagSYN|mptcp.FlagACK:
		return fmt.Errorf("HANDSHAKE_ACK flags %s, want SYN|ACK", ack.Flags)
	case ack.Options.Capable != syn.Options.Capable || ack.Options.Join != syn.Options.Join:
		return fmt.Errorf("peer did not echo the MPTCP option")
	case ack.Ack != syn.Seq+1:
		return fmt.Errorf("HANDSHAKE_ACK acks %d, want %d", ack.Ack, syn.Seq+1)
	}
	return nil
}
