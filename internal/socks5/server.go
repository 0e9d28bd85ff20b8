package socks5

import (
	"bytes"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// Command is the CMD field of a request.
type Command byte

const (
	CmdConnect              = Command(txsocks5.CmdConnect)
	CmdBind         Command = 0x02
	CmdUDPAssociate Command = 0x03
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "connect"
	case CmdBind:
		return "bind"
	case CmdUDPAssociate:
		return "udp-associate"
	default:
		return fmt.Sprintf("command 0x%02x", byte(c))
	}
}

// Request is a decoded client request. Src is filled in by the server from
// the inbound connection; it never comes from the wire.
type Request struct {
	Command Command
	Dst     Addr
	Src     net.Addr
}

// ServerState is the position of a ServerParser in the handshake.
type ServerState int

const (
	ServerAwaitingGreeting ServerState = iota
	ServerAwaitingAuth
	ServerAwaitingRequest
	ServerRelaying
	ServerFailed
)

func (s ServerState) String() string {
	switch s {
	case ServerAwaitingGreeting:
		return "awaiting-greeting"
	case ServerAwaitingAuth:
		return "awaiting-auth"
	case ServerAwaitingRequest:
		return "awaiting-request"
	case ServerRelaying:
		return "relaying"
	case ServerFailed:
		return "failed"
	default:
		return fmt.Sprintf("server-state(%d)", int(s))
	}
}

// ServerEvent is emitted by ServerParser: *MethodsEvent or *RequestEvent.
type ServerEvent interface {
	serverEvent()
}

// MethodsEvent carries the methods offered in a client greeting.
type MethodsEvent struct {
	Methods []byte
}

// RequestEvent carries a decoded request.
type RequestEvent struct {
	Request Request
}

func (*MethodsEvent) serverEvent() {}
func (*RequestEvent) serverEvent() {}

// ServerParser decodes the client side of a SOCKS5 handshake.
//
// It emits one MethodsEvent, then stops consuming until Authenticated is
// called, then emits one RequestEvent and stops for good: after the request
// the stream carries relayed data. Framing errors are fatal; once Next has
// returned an error it returns the same error forever.
type ServerParser struct {
	state ServerState
	buf   []byte
	err   error
}

func NewServerParser() *ServerParser {
	return &ServerParser{}
}

func (p *ServerParser) State() ServerState { return p.state }

// Feed appends received bytes.
func (p *ServerParser) Feed(b []byte) {
	p.buf = append(p.buf, b...)
}

// Pending reports how many fed bytes are not yet consumed.
func (p *ServerParser) Pending() int { return len(p.buf) }

// Remaining returns and forgets the unconsumed bytes.
func (p *ServerParser) Remaining() []byte {
	b := p.buf
	p.buf = nil
	return b
}

// Authenticated moves the parser from awaiting-auth to awaiting-request.
func (p *ServerParser) Authenticated() {
	if p.state == ServerAwaitingAuth {
		p.state = ServerAwaitingRequest
	}
}

// Next returns the next complete event, nil if more bytes are needed, or a
// fatal error.
func (p *ServerParser) Next() (ServerEvent, error) {
	if p.err != nil {
		return nil, p.err
	}
	switch p.state {
	case ServerAwaitingGreeting:
		return p.greeting()
	case ServerAwaitingRequest:
		return p.request()
	default:
		return nil, nil
	}
}

// ReadEvent reads from s until the next event. Surplus bytes are pushed back
// into s.
func (p *ServerParser) ReadEvent(s *Stream) (ServerEvent, error) {
	switch p.state {
	case ServerAwaitingGreeting:
		return readEvent[ServerEvent](s, p, "greeting")
	case ServerAwaitingRequest:
		return readEvent[ServerEvent](s, p, "request")
	case ServerFailed:
		return nil, p.err
	default:
		return nil, errParserIdle
	}
}

// greeting: VER NMETHODS METHODS...
func (p *ServerParser) greeting() (ServerEvent, error) {
	b := p.buf
	if len(b) < 1 {
		return nil, nil
	}
	if b[0] != Version {
		return nil, p.fail(newErrorf(KindProtocolVersionMismatch, "version 0x%02x", b[0]))
	}
	if len(b) < 2 {
		return nil, nil
	}
	n := int(b[1])
	if n == 0 {
		return nil, p.fail(newErrorf(KindEmptyMethodList, "nmethods 0"))
	}
	if len(b) < 2+n {
		return nil, nil
	}

	ev := &MethodsEvent{Methods: bytes.Clone(b[2 : 2+n])}
	p.consume(2 + n)
	p.state = ServerAwaitingAuth
	return ev, nil
}

// request: VER CMD RSV ATYP DST.ADDR DST.PORT
func (p *ServerParser) request() (ServerEvent, error) {
	b := p.buf
	if len(b) < 1 {
		return nil, nil
	}
	if b[0] != Version {
		return nil, p.fail(newErrorf(KindProtocolVersionMismatch, "version 0x%02x", b[0]))
	}
	if len(b) < 2 {
		return nil, nil
	}
	cmd := Command(b[1])
	switch cmd {
	case CmdConnect, CmdBind, CmdUDPAssociate:
	default:
		return nil, p.fail(newErrorf(KindUnsupportedCommand, "cmd 0x%02x", b[1]))
	}
	if len(b) < 4 {
		return nil, nil
	}

	dst, n, err := DecodeAddr(b[3:])
	if err != nil {
		if isTruncated(err) {
			return nil, nil
		}
		return nil, p.fail(err)
	}

	ev := &RequestEvent{Request: Request{Command: cmd, Dst: dst}}
	p.consume(3 + n)
	p.state = ServerRelaying
	return ev, nil
}

func (p *ServerParser) consume(n int) {
	if n == len(p.buf) {
		p.buf = nil
		return
	}
	p.buf = p.buf[n:]
}

func (p *ServerParser) fail(err error) error {
	p.state = ServerFailed
	p.err = err
	return err
}

func isTruncated(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindTruncatedInput
}
