package proxy

import (
	"errors"
	"io"
	"net"

	"golang.org/x/sync/errgroup"
)

// Stats counts the bytes copied in each direction.
type Stats struct {
	AToB int64
	BToA int64
}

type closeWriter interface {
	CloseWrite() error
}

// Bridge copies bytes between a and b in both directions and returns once
// both directions are done. When a source ends, its destination is
// half-closed if it supports CloseWrite and closed otherwise.
func Bridge(a, b io.ReadWriteCloser) (Stats, error) {
	var st Stats
	var g errgroup.Group
	g.Go(func() error {
		n, err := pipe(b, a)
		st.AToB = n
		return err
	})
	g.Go(func() error {
		n, err := pipe(a, b)
		st.BToA = n
		return err
	})
	err := g.Wait()
	return st, err
}

func pipe(dst io.WriteCloser, src io.Reader) (int64, error) {
	n, err := io.Copy(dst, src)
	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	} else {
		_ = dst.Close()
	}
	// the other direction closing our source is a normal end
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		err = nil
	}
	return n, err
}
