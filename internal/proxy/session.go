package proxy

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/die-net/socksrelay/internal/blacklist"
	"github.com/die-net/socksrelay/internal/dialer"
	"github.com/die-net/socksrelay/internal/resolver"
	"github.com/die-net/socksrelay/internal/socks5"
)

// Policy decides whether a CONNECT request may proceed. It runs on its own
// goroutine and may block; it calls accept or deny, from any goroutine, and
// only the first call counts. A request still undecided when the negotiation
// timeout expires is denied.
type Policy func(req socks5.Request, sessionID string, accept, deny func())

// SessionCloseFunc is told once about every admitted session after it is
// unregistered. err is nil for a relay that ended cleanly.
type SessionCloseFunc func(sessionID string, err error)

type SessionState int

const (
	SessionPending SessionState = iota
	SessionConnecting
	SessionEstablished
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionConnecting:
		return "connecting"
	case SessionEstablished:
		return "established"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errManagerClosed = errors.New("session manager closed")

// Session is one CONNECT request from admission to relay teardown.
type Session struct {
	ID      string
	Request socks5.Request
	Started time.Time

	done chan struct{}

	mu       sync.Mutex
	state    SessionState
	inbound  net.Conn
	outbound net.Conn
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return false
	}
	s.state = state
	return true
}

// attach records the outbound conn and marks the session established unless
// it was already closed.
func (s *Session) attach(out net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return false
	}
	s.outbound = out
	s.state = SessionEstablished
	return true
}

func (s *Session) close() {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = SessionClosed
	in, out := s.inbound, s.outbound
	s.mu.Unlock()

	close(s.done)
	_ = in.Close()
	if out != nil {
		_ = out.Close()
	}
}

// SessionInfo is a point-in-time view of a Session.
type SessionInfo struct {
	ID      string
	Request socks5.Request
	State   SessionState
	Started time.Time
}

// SessionManager owns every admitted session: the policy decision, the
// outbound connect, and the relay.
type SessionManager struct {
	negotiationTimeout time.Duration
	policy             Policy
	blacklist          *blacklist.Blacklist
	resolver           resolver.Resolver
	dialer             dialer.Dialer
	onClose            SessionCloseFunc
	log                logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewSessionManager uses cfg's Policy, OnSessionClose, Blacklist, Resolver,
// Dialer, Logger and NegotiationTimeout. Resolver, Dialer and Logger must be
// set.
func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{
		negotiationTimeout: cfg.NegotiationTimeout,
		policy:             cfg.Policy,
		blacklist:          cfg.Blacklist,
		resolver:           cfg.Resolver,
		dialer:             cfg.Dialer,
		onClose:            cfg.OnSessionClose,
		log:                cfg.Logger,
		sessions:           make(map[string]*Session),
	}
}

// Admit runs req to completion on inbound, which must have finished the
// handshake. It writes exactly one reply, relays on success, and returns
// once both connections are closed and the session is unregistered.
func (m *SessionManager) Admit(ctx context.Context, inbound net.Conn, req socks5.Request) (err error) {
	sess, err := m.register(inbound, req)
	if err != nil {
		_ = inbound.Close()
		return err
	}
	defer func() { m.remove(sess, err) }()

	log := m.log.WithFields(logrus.Fields{
		"session": sess.ID,
		"src":     addrString(req.Src),
		"dst":     req.Dst.String(),
	})

	if !m.decide(ctx, sess) {
		socks5.WriteErrorReply(inbound, socks5.ReplyNotAllowed)
		log.Debug("socks5 request denied")
		return socks5.ErrPolicyDenied
	}

	if !sess.setState(SessionConnecting) {
		return errSessionClosed
	}

	out, err := m.connect(ctx, sess)
	if err != nil {
		rep, _ := socks5.ReplyOf(err)
		socks5.WriteErrorReply(inbound, rep)
		log.WithError(err).WithField("reply", rep.String()).Debug("socks5 connect failed")
		return err
	}
	if !sess.attach(out) {
		_ = out.Close()
		return errSessionClosed
	}

	// The deferred remove closes both sides if the reply cannot be sent.
	if err := socks5.WriteSuccessReply(inbound, out.LocalAddr()); err != nil {
		log.WithError(err).Debug("socks5 reply failed")
		return err
	}
	_ = inbound.SetDeadline(time.Time{})

	log = log.WithField("remote", out.RemoteAddr().String())
	log.Debug("socks5 session established")

	sent, received, err := CopyBidirectional(ctx, inbound, out)
	log.WithFields(logrus.Fields{
		"sent":     sent,
		"received": received,
		"duration": time.Since(sess.Started).Round(time.Millisecond).String(),
	}).Debug("socks5 session closed")

	return err
}

var errSessionClosed = errors.New("session closed")

// decide asks the policy and waits for its first answer.
func (m *SessionManager) decide(ctx context.Context, sess *Session) bool {
	if m.policy == nil {
		return true
	}

	decided := make(chan bool, 1)
	var once sync.Once
	settle := func(ok bool) {
		once.Do(func() { decided <- ok })
	}

	go m.policy(sess.Request, sess.ID, func() { settle(true) }, func() { settle(false) })

	var timeout <-chan time.Time
	if m.negotiationTimeout > 0 {
		t := time.NewTimer(m.negotiationTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case ok := <-decided:
		return ok
	case <-timeout:
	case <-ctx.Done():
	case <-sess.done:
	}

	// Deny unless an accept won the race.
	settle(false)
	return <-decided
}

func (m *SessionManager) connect(ctx context.Context, sess *Session) (net.Conn, error) {
	if m.negotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.negotiationTimeout)
		defer cancel()
	}

	// Closing the session abandons a lookup or dial in progress.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	dst := sess.Request.Dst
	ip, ok := dst.IP()
	if !ok {
		var err error
		ip, err = m.resolver.LookupIP(ctx, dst.Host)
		if err != nil {
			return nil, socks5.NewError(socks5.KindDNSResolutionFailed, err)
		}
	}

	if m.blacklist.Contains(ip) {
		e := socks5.NewError(socks5.KindDestinationBlacklisted, nil)
		e.Msg = ip.String()
		return nil, e
	}

	out, err := m.dialer.DialContext(ctx, "tcp", netip.AddrPortFrom(ip, dst.Port).String())
	if err != nil {
		return nil, socks5.OutboundConnectError(replyForDialError(err), err)
	}
	return out, nil
}

func (m *SessionManager) register(inbound net.Conn, req socks5.Request) (*Session, error) {
	sess := &Session{
		ID:      uuid.NewString(),
		Request: req,
		Started: time.Now(),
		done:    make(chan struct{}),
		inbound: inbound,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errManagerClosed
	}
	m.sessions[sess.ID] = sess
	return sess, nil
}

func (m *SessionManager) remove(sess *Session, err error) {
	sess.close()

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	if m.onClose != nil {
		m.onClose(sess.ID, err)
	}
}

// Len reports the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot returns the live sessions.
func (m *SessionManager) Snapshot() []SessionInfo {
	m.mu.Lock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(snapshot))
	for _, s := range snapshot {
		infos = append(infos, SessionInfo{ID: s.ID, Request: s.Request, State: s.State(), Started: s.Started})
	}
	return infos
}

// CloseAll closes every live session. Admit calls in progress return once
// their teardown finishes.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	for _, s := range snapshot {
		s.close()
	}
}

// Shutdown closes every session and refuses new ones.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.CloseAll()
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
