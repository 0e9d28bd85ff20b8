package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/socksrelay/internal/blacklist"
	"github.com/die-net/socksrelay/internal/dialer"
	"github.com/die-net/socksrelay/internal/resolver"
	"github.com/die-net/socksrelay/internal/socks5"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("socks5: server closed")

// defaultResolverTTL applies when Config.Resolver is nil.
const defaultResolverTTL = time.Minute

type SOCKS5Server struct {
	ctx      context.Context
	cfg      Config
	sessions *SessionManager
	active   atomic.Int64

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
}

// NewSOCKS5Server fills in defaults for nil fields of cfg. Canceling ctx
// closes the server and every connection it owns.
func NewSOCKS5Server(ctx context.Context, cfg Config) (*SOCKS5Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.ConnectionLimit < 0 {
		return nil, fmt.Errorf("socks5 server: negative connection limit %d", cfg.ConnectionLimit)
	}
	if cfg.Auth == nil {
		cfg.Auth = socks5.NoAuth{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Blacklist == nil {
		bl, err := blacklist.New(blacklist.Config{})
		if err != nil {
			return nil, err
		}
		cfg.Blacklist = bl
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolver.New(resolver.Config{TTL: defaultResolverTTL, Timeout: cfg.NegotiationTimeout})
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{
			DialTimeout: cfg.NegotiationTimeout,
			KeepAlive:   cfg.KeepAlive,
		})
	}

	s := &SOCKS5Server{
		ctx:      ctx,
		cfg:      cfg,
		sessions: NewSessionManager(cfg),
		conns:    make(map[net.Conn]struct{}),
	}
	context.AfterFunc(ctx, s.Close)

	return s, nil
}

// Serve accepts connections on ln until ln fails or the server is closed.
// The listener is closed along with the server.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}

	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			return err
		}

		// Over the ceiling: close before reading or writing anything.
		if !s.acquire() {
			s.cfg.Logger.WithField("src", c.RemoteAddr().String()).Debug("socks5 connection limit reached")
			_ = c.Close()
			continue
		}

		go s.handleConn(c)
	}
}

// Close closes the listeners, every connection and every session. Serve
// then returns ErrServerClosed.
func (s *SOCKS5Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}

	s.sessions.Shutdown()
	for _, c := range conns {
		_ = c.Close()
	}
}

// ActiveConnections reports inbound connections counted against the limit.
func (s *SOCKS5Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Sessions returns the session registry.
func (s *SOCKS5Server) Sessions() *SessionManager {
	return s.sessions
}

func (s *SOCKS5Server) acquire() bool {
	limit := int64(s.cfg.ConnectionLimit)
	for {
		n := s.active.Load()
		if limit > 0 && n >= limit {
			return false
		}
		if s.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *SOCKS5Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SOCKS5Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners = append(s.listeners, ln)
	return true
}

func (s *SOCKS5Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *SOCKS5Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *SOCKS5Server) handleConn(conn net.Conn) {
	defer s.active.Add(-1)
	defer conn.Close()

	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)

	log := s.cfg.Logger.WithField("src", conn.RemoteAddr().String())

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	st := socks5.NewStream(conn)
	req, err := socks5.ServerHandshake(st, s.cfg.Auth)
	if err != nil {
		log.WithError(err).Debug("socks5 handshake failed")
		return
	}
	// The session manager bounds the policy decision and connect itself.
	_ = conn.SetDeadline(time.Time{})

	if req.Command != socks5.CmdConnect {
		socks5.WriteErrorReply(st, socks5.ReplyCommandNotSupported)
		log.WithField("command", req.Command.String()).Debug("socks5 command not supported")
		return
	}

	if err := s.sessions.Admit(s.ctx, st, req); err != nil {
		log.WithError(err).Debug("socks5 session ended")
	}
}
