package sniproxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mongodb/slogger/v2/slogger"
	"golang.org/x/sync/semaphore"
)

type sessionManager struct {
	sessionWG    sync.WaitGroup
	ctx          context.Context
	stopSessions context.CancelFunc
}

// Server owns the listening socket and runs one goroutine per accepted
// connection. It never waits on a connection's processing before accepting
// the next one.
type Server struct {
	config         ServerConfig
	logger         *slogger.Logger
	handler        SessionHandler
	killChan       chan struct{}
	killOnce       sync.Once
	initChan       chan error
	doneChan       chan struct{}
	sessionManager *sessionManager
	admission      *semaphore.Weighted

	accepted int64
	rejected int64

	net.Addr
}

func NewServer(config ServerConfig, handler SessionHandler) *Server {
	sessionCtx, stopSessions := context.WithCancel(context.Background())
	s := &Server{
		config:   config,
		handler:  handler,
		killChan: make(chan struct{}),
		initChan: make(chan error, 1),
		doneChan: make(chan struct{}),
		sessionManager: &sessionManager{
			ctx:          sessionCtx,
			stopSessions: stopSessions,
		},
	}
	if config.MaxConnections > 0 {
		s.admission = semaphore.NewWeighted(int64(config.MaxConnections))
	}
	s.logger = s.NewLogger("server")
	return s
}

func (s *Server) Run() error {
	bindTo := s.config.BindAddress()

	defer close(s.initChan)

	ln, err := net.Listen("tcp", bindTo)
	if err != nil {
		returnErr := NewStackErrorf("cannot start listening in proxy: %s", err)
		s.initChan <- returnErr
		close(s.doneChan)
		return returnErr
	}
	s.Addr = ln.Addr()
	s.logger.Logf(slogger.INFO, "listening on %s", s.Addr)
	s.initChan <- nil

	defer func() {
		s.sessionManager.stopSessions()
		s.sessionManager.sessionWG.Wait()
		close(s.doneChan)
	}()

	go func() {
		<-s.killChan
		ln.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.killChan:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return NewStackErrorf("could not accept in proxy: %s", err)
			}
			// Usually fd exhaustion; back off rather than spin.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Logf(slogger.ERROR, "failed to accept new connection, retrying in %v: %s", backoff, err)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	if s.admission != nil && !s.admission.TryAcquire(1) {
		atomic.AddInt64(&s.rejected, 1)
		s.logger.Logf(slogger.WARN, "rejecting connection from %s: %d connections active", conn.RemoteAddr(), s.config.MaxConnections)
		conn.Close()
		return
	}
	atomic.AddInt64(&s.accepted, 1)

	if s.config.TCPKeepAlivePeriod > 0 {
		switch conn := conn.(type) {
		case *net.TCPConn:
			conn.SetKeepAlive(true)
			conn.SetKeepAlivePeriod(s.config.TCPKeepAlivePeriod)
		default:
			s.logger.Logf(slogger.WARN, "Want to set TCP keep alive on accepted connection but connection is not *net.TCPConn.  It is %T", conn)
		}
	}

	session := newSession(s, conn)
	s.sessionManager.sessionWG.Add(1)
	go func() {
		defer s.sessionManager.sessionWG.Done()
		if s.admission != nil {
			defer s.admission.Release(1)
		}
		session.Run(s.sessionManager.ctx, s.handler)
	}()
}

// InitChannel returns a channel that will send nil once the server has started
// listening, or an error indicating why the server failed to start
func (s *Server) InitChannel() <-chan error {
	return s.initChan
}

// Close stops accepting, cancels running sessions and waits for them.
func (s *Server) Close() {
	s.killOnce.Do(func() { close(s.killChan) })
	<-s.doneChan
}

func (s *Server) NewLogger(prefix string) *slogger.Logger {
	return newLogger(prefix, s.config.LogLevel, s.config.Appenders)
}

func (s *Server) AcceptedConnections() int64 {
	return atomic.LoadInt64(&s.accepted)
}

func (s *Server) RejectedConnections() int64 {
	return atomic.LoadInt64(&s.rejected)
}
