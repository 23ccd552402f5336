package sniproxy

import (
	"bufio"
	"errors"
	"fmt"
	"net"
)

// PeekableConn lets the ClientHello be inspected without consuming it: bytes
// returned by Peek are handed out again by Read.
type PeekableConn struct {
	bufReader *bufio.Reader
	capacity  int
	net.Conn
}

// NewPeekableConn wraps conn with a peek buffer of exactly capacity bytes.
// The buffer is sized by configuration, never by anything the peer sends.
func NewPeekableConn(conn net.Conn, capacity int) *PeekableConn {
	return &PeekableConn{
		bufio.NewReaderSize(conn, capacity),
		capacity,
		conn,
	}
}

func (pc *PeekableConn) Read(p []byte) (n int, err error) {
	return pc.bufReader.Read(p)
}

// Peek returns the next n bytes of the stream without advancing it. It
// blocks until n bytes have arrived, and fails with ShortPeek if the peer
// closes, the read deadline passes, or n exceeds the peek capacity first.
func (pc *PeekableConn) Peek(n int) ([]byte, error) {
	if n > pc.capacity {
		return nil, newProxyError(ShortPeek, "cannot peek %d bytes, capacity is %d", n, pc.capacity)
	}
	bites, err := pc.bufReader.Peek(n)
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, newProxyError(ShortPeek, "cannot peek %d bytes, capacity is %d", n, pc.capacity)
		}
		return nil, &ProxyError{Kind: ShortPeek, Err: shortPeekError{want: n, got: len(bites), err: err}}
	}
	return bites, nil
}

// Buffered is the number of bytes already read from the socket but not yet
// consumed.
func (pc *PeekableConn) Buffered() int {
	return pc.bufReader.Buffered()
}

// CloseWrite half-closes the underlying connection if it supports it.
func (pc *PeekableConn) CloseWrite() error {
	if cw, ok := pc.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// CloseRead shuts down the reading side of the underlying connection if it
// supports it.
func (pc *PeekableConn) CloseRead() error {
	if cr, ok := pc.Conn.(closeReader); ok {
		return cr.CloseRead()
	}
	return nil
}

type shortPeekError struct {
	want, got int
	err       error
}

func (e shortPeekError) Error() string {
	return fmt.Sprintf("peek size mismatch: %d != %d: %v", e.got, e.want, e.err)
}

func (e shortPeekError) Unwrap() error {
	return e.err
}
