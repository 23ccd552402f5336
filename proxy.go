package sniproxy

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/mongodb/slogger/v2/slogger"
)

// Proxy routes each accepted connection by the SNI host name of its
// ClientHello and then relays it, still encrypted, to the resolved backend.
type Proxy struct {
	config    ProxyConfig
	server    *Server
	logger    *slogger.Logger
	connector *Connector

	routed   int64
	failures [AccessDenied + 1]int64
}

func NewProxy(pc ProxyConfig) (*Proxy, error) {
	if err := pc.Validate(); err != nil {
		return nil, err
	}

	resolver := pc.Resolver
	if resolver == nil {
		resolver = NetResolver{}
	}
	dialer := pc.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	p := &Proxy{
		config: pc,
		connector: &Connector{
			Resolver:       resolver,
			Dialer:         dialer,
			TargetPort:     pc.TargetPort,
			ResolveTimeout: pc.ResolveTimeout,
			ConnectTimeout: pc.ConnectTimeout,
		},
	}
	p.server = NewServer(pc.ServerConfig, p)
	p.logger = p.server.NewLogger("proxy")
	return p, nil
}

// Run listens and serves until Close is called.
func (p *Proxy) Run() error {
	p.logger.Logf(slogger.INFO, "routing by SNI to port %d, max handshake %d bytes", p.config.TargetPort, p.config.MaxHandshakeSize)
	err := p.server.Run()
	p.logStats()
	return err
}

func (p *Proxy) InitChannel() <-chan error {
	return p.server.InitChannel()
}

// Addr is the bound listening address, valid once InitChannel has yielded nil.
func (p *Proxy) Addr() net.Addr {
	return p.server.Addr
}

func (p *Proxy) Close() {
	p.server.Close()
}

func (p *Proxy) NewLogger(prefix string) *slogger.Logger {
	return p.server.NewLogger(prefix)
}

// HandleSession is the per-connection pipeline: peek, decode, resolve,
// connect, splice. The first failure ends it.
func (p *Proxy) HandleSession(ctx context.Context, s *Session) error {
	err := p.route(ctx, s)
	if err != nil {
		if kind := KindOf(err); kind > 0 && int(kind) < len(p.failures) {
			atomic.AddInt64(&p.failures[kind], 1)
		}
	}
	return err
}

func (p *Proxy) route(ctx context.Context, s *Session) error {
	conn := s.Connection()
	checker := p.config.AccessChecker

	if checker != nil {
		if err := checker.PreClientHelloCheck(s.RemoteAddr()); err != nil {
			return accessError(err)
		}
	}

	s.Advance(StateSniffing)
	inbound := NewPeekableConn(conn, RecordHeaderLen+p.config.MaxHandshakeSize)
	s.Inbound = inbound

	if t := p.config.HandshakeTimeout; t > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(t)); err != nil {
			return wrapProxyError(ShortPeek, err)
		}
	}

	bites, err := inbound.Peek(RecordHeaderLen)
	if err != nil {
		return err
	}

	s.Advance(StateParsing)
	hdr, err := ParseRecordHeader(bites, p.config.MaxHandshakeSize)
	if err != nil {
		return err
	}
	s.Logf(slogger.DEBUG, "content type: %v, protocol version: %v, handshake size: %d", hdr.ContentType, hdr.Version, hdr.Length)

	// repeek to get the whole record; the length was bounded above
	bites, err = inbound.Peek(RecordHeaderLen + int(hdr.Length))
	if err != nil {
		return err
	}

	if p.config.HandshakeTimeout > 0 {
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return wrapProxyError(ShortPeek, err)
		}
	}

	msg, err := ParseHandshake(bites[RecordHeaderLen:], hdr.Version)
	if err != nil {
		return err
	}
	hello, ok := msg.Payload.(*ClientHello)
	if !ok {
		return newProxyError(NotClientHello, "TLS handshake is not Client Hello (type %d)", msg.Type)
	}
	serverName, err := hello.ServerName()
	if err != nil {
		return err
	}
	s.ServerName = serverName
	s.Logf(slogger.DEBUG, "SNI hostname: %s", serverName)

	if checker != nil {
		if err := checker.PostClientHelloCheck(serverName, s.RemoteAddr()); err != nil {
			return accessError(err)
		}
	}

	s.Advance(StateResolving)
	addr, err := p.connector.Resolve(ctx, serverName)
	if err != nil {
		return err
	}
	s.TargetAddr = addr

	s.Advance(StateConnecting)
	outbound, err := p.connector.Dial(ctx, addr)
	if err != nil {
		return err
	}
	s.Outbound = outbound

	s.Advance(StateSplicing)
	atomic.AddInt64(&p.routed, 1)
	s.Logf(slogger.INFO, "SNI %q -> %q", serverName, addr)
	return Splice(ctx, inbound, outbound)
}

func accessError(err error) error {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return err
	}
	return wrapProxyError(AccessDenied, err)
}

// Stats is a snapshot of the proxy's counters.
type Stats struct {
	Accepted int64
	Rejected int64
	Routed   int64
	Failures map[ErrorKind]int64
}

func (p *Proxy) Stats() Stats {
	st := Stats{
		Accepted: p.server.AcceptedConnections(),
		Rejected: p.server.RejectedConnections(),
		Routed:   atomic.LoadInt64(&p.routed),
		Failures: make(map[ErrorKind]int64),
	}
	for kind := range p.failures {
		if n := atomic.LoadInt64(&p.failures[kind]); n > 0 {
			st.Failures[ErrorKind(kind)] = n
		}
	}
	return st
}

func (p *Proxy) logStats() {
	st := p.Stats()
	p.logger.Logf(slogger.INFO, "accepted %d, rejected %d, routed %d, failures %v", st.Accepted, st.Rejected, st.Routed, st.Failures)
}
