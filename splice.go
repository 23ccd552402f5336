package sniproxy

import (
	"context"
	"errors"
	"io"
	"net"

	"golang.org/x/sync/errgroup"
)

type closeWriter interface {
	CloseWrite() error
}

type closeReader interface {
	CloseRead() error
}

// Splice copies bytes between inbound and outbound in both directions until
// both directions have reached EOF. A direction that finishes cleanly
// half-closes its destination so the peer sees EOF while the opposite
// direction keeps draining. Any I/O error closes both connections and is
// returned as RelayFailed. Cancelling ctx also closes both connections.
//
// Splice does not close the connections on success; the caller owns them.
func Splice(ctx context.Context, inbound, outbound net.Conn) error {
	closeBoth := func() {
		inbound.Close()
		outbound.Close()
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		return relay(outbound, inbound)
	})
	g.Go(func() error {
		return relay(inbound, outbound)
	})

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		closeBoth()
		return wrapProxyError(RelayFailed, err)
	}
	return nil
}

// relay copies src to dst and propagates EOF as a half-close.
func relay(dst, src net.Conn) error {
	buf := BufferPoolGet(relayBufferSize)
	defer BufferPoolPut(buf)

	_, err := copyBuffer(dst, src, buf)
	if err != nil {
		// Unblock the opposite direction.
		dst.Close()
		src.Close()
		return relayError{src: src.RemoteAddr(), dst: dst.RemoteAddr(), err: err}
	}

	if cw, ok := dst.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
			return relayError{src: src.RemoteAddr(), dst: dst.RemoteAddr(), err: err}
		}
	}
	if cr, ok := src.(closeReader); ok {
		cr.CloseRead()
	}
	return nil
}

// copyBuffer is io.CopyBuffer forced through buf. *net.TCPConn implements
// both ReaderFrom and WriterTo, which would make io.CopyBuffer ignore buf
// and allocate its own.
func copyBuffer(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	return io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, buf)
}

type relayError struct {
	src, dst net.Addr
	err      error
}

func (e relayError) Error() string {
	return "error proxying " + addrString(e.src) + " -> " + addrString(e.dst) + ": " + e.err.Error()
}

func (e relayError) Unwrap() error {
	return e.err
}

func addrString(a net.Addr) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}
