package sniproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/pprof"
	"time"

	"github.com/google/uuid"
	"github.com/mongodb/slogger/v2/slogger"
)

// State is the lifecycle position of a Session. States only move forward.
type State int

const (
	StateAccepted State = iota + 1
	StateSniffing
	StateParsing
	StateResolving
	StateConnecting
	StateSplicing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateSniffing:
		return "sniffing"
	case StateParsing:
		return "parsing"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateSplicing:
		return "splicing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// SessionHandler runs the per-connection pipeline for a Session.
type SessionHandler interface {
	HandleSession(ctx context.Context, s *Session) error
}

// Session is one accepted connection. It is owned by the goroutine running
// Run and is never shared with other sessions.
type Session struct {
	server     *Server
	conn       net.Conn
	remoteAddr net.Addr

	// id is empty unless WARN logging was enabled when the session started.
	id     string
	logger *slogger.Logger
	state  State

	Inbound    *PeekableConn
	Outbound   net.Conn
	ServerName string
	TargetAddr string
}

func newSession(server *Server, conn net.Conn) *Session {
	s := &Session{
		server:     server,
		conn:       conn,
		remoteAddr: conn.RemoteAddr(),
		state:      StateAccepted,
	}
	if WarnEnabled(server.config.LogLevel) {
		s.id = uuid.New().String()
	}
	s.logger = server.NewLogger(s.logPrefix())
	return s
}

func (s *Session) logPrefix() string {
	if s.id != "" {
		return fmt.Sprintf("session %s %s", s.id, s.remoteAddr)
	}
	return fmt.Sprintf("session %s", s.remoteAddr)
}

// ID is the correlation id tagging this session's log lines, or "".
func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) RemoteAddr() net.Addr {
	return s.remoteAddr
}

func (s *Session) Connection() net.Conn {
	return s.conn
}

// SetRemoteAddr replaces the address used in this session's log lines, for
// when the real client is behind a load balancer.
func (s *Session) SetRemoteAddr(v net.Addr) {
	s.remoteAddr = v
	s.logger = s.server.NewLogger(s.logPrefix())
}

func (s *Session) Logf(level slogger.Level, messageFmt string, args ...interface{}) (*slogger.Log, []error) {
	return s.logger.Logf(level, messageFmt, args...)
}

// Advance moves the session to next. Moving backwards, or out of a terminal
// state, is ignored.
func (s *Session) Advance(next State) {
	if s.state.terminal() || next <= s.state {
		return
	}
	s.state = next
}

// Run drives the handler and contains every failure, panics included, to
// this connection. Nothing is written to the client on failure; it just
// sees the connection close.
func (s *Session) Run(ctx context.Context, handler SessionHandler) {
	defer s.close()
	defer s.recoverPanic()

	if s.server.config.AcceptProxyProtocol {
		if err := s.readProxyHeader(); err != nil {
			s.state = StateFailed
			s.logger.Logf(slogger.WARN, "error reading PROXY protocol header: %v", err)
			return
		}
	}

	if ip := remoteIP(s.remoteAddr); ip != "" {
		s.logger.Logf(slogger.INFO, "accepted connection from %s", ip)
	}

	err := handler.HandleSession(ctx, s)
	if err == nil {
		s.Advance(StateClosed)
		return
	}

	var pe *ProxyError
	if errors.As(err, &pe) && pe.Stage == 0 {
		err = &ProxyError{Kind: pe.Kind, Stage: s.state, Err: pe.Err}
	}
	s.state = StateFailed
	s.logger.Logf(slogger.WARN, "%v", err)
}

func (s *Session) readProxyHeader() error {
	if t := s.server.config.HandshakeTimeout; t > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(t)); err != nil {
			return err
		}
		defer s.conn.SetReadDeadline(time.Time{})
	}

	pc, err := NewProxyProtoConn(s.conn)
	if err != nil {
		return err
	}
	s.conn = pc
	if pc.IsProxied() {
		s.logger.Logf(slogger.DEBUG, "PROXY v%d header from %s for %s", pc.Version(), pc.ProxyAddr(), pc.RemoteAddr())
		s.SetRemoteAddr(pc.RemoteAddr())
	}
	return nil
}

func (s *Session) recoverPanic() {
	if r := recover(); r != nil {
		var stacktraces bytes.Buffer
		pprof.Lookup("goroutine").WriteTo(&stacktraces, 2)
		s.logger.Logf(slogger.ERROR, "recovered from panic while %s: %v \n stack traces: %v", s.state, r, stacktraces.String())
		s.state = StateFailed
	}
}

func (s *Session) close() {
	s.conn.Close()
	if s.Outbound != nil {
		s.Outbound.Close()
	}
	s.logger.Logf(slogger.DEBUG, "connection closed (%s)", s.state)
}

func remoteIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case nil:
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
