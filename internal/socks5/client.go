package socks5

import (
	"fmt"
	"io"
)

// ClientState is the position of a ClientParser in the handshake.
type ClientState int

const (
	ClientAwaitingMethodSelection ClientState = iota
	ClientAwaitingAuthOutcome
	ClientAwaitingConnectReply
	ClientEstablished
	ClientFailed
)

func (s ClientState) String() string {
	switch s {
	case ClientAwaitingMethodSelection:
		return "awaiting-method-selection"
	case ClientAwaitingAuthOutcome:
		return "awaiting-auth-outcome"
	case ClientAwaitingConnectReply:
		return "awaiting-connect-reply"
	case ClientEstablished:
		return "established"
	case ClientFailed:
		return "failed"
	default:
		return fmt.Sprintf("client-state(%d)", int(s))
	}
}

// ClientEvent is emitted by ClientParser: *MethodSelectedEvent or
// *ConnectReplyEvent.
type ClientEvent interface {
	clientEvent()
}

// MethodSelectedEvent carries the method chosen by the server.
type MethodSelectedEvent struct {
	Method byte
}

// ConnectReplyEvent carries the bound address of a successful reply.
type ConnectReplyEvent struct {
	Bound Addr
}

func (*MethodSelectedEvent) clientEvent() {}
func (*ConnectReplyEvent) clientEvent()   {}

// ClientParser decodes the server side of a SOCKS5 handshake for a client
// that advertised exactly one method.
type ClientParser struct {
	method byte
	state  ClientState
	buf    []byte
	err    error
}

func NewClientParser(method byte) *ClientParser {
	return &ClientParser{method: method}
}

func (p *ClientParser) State() ClientState { return p.state }

func (p *ClientParser) Feed(b []byte) {
	p.buf = append(p.buf, b...)
}

func (p *ClientParser) Pending() int { return len(p.buf) }

func (p *ClientParser) Remaining() []byte {
	b := p.buf
	p.buf = nil
	return b
}

// AuthDone moves the parser from awaiting-auth-outcome to
// awaiting-connect-reply once the authenticator has succeeded.
func (p *ClientParser) AuthDone() {
	if p.state == ClientAwaitingAuthOutcome {
		p.state = ClientAwaitingConnectReply
	}
}

func (p *ClientParser) Next() (ClientEvent, error) {
	if p.err != nil {
		return nil, p.err
	}
	switch p.state {
	case ClientAwaitingMethodSelection:
		return p.selection()
	case ClientAwaitingConnectReply:
		return p.reply()
	default:
		return nil, nil
	}
}

// ReadEvent reads from s until the next event. Surplus bytes, including
// application data sent right after a connect reply, are pushed back into s.
func (p *ClientParser) ReadEvent(s *Stream) (ClientEvent, error) {
	switch p.state {
	case ClientAwaitingMethodSelection:
		return readEvent[ClientEvent](s, p, "method selection")
	case ClientAwaitingConnectReply:
		return readEvent[ClientEvent](s, p, "connect reply")
	case ClientFailed:
		return nil, p.err
	default:
		return nil, errParserIdle
	}
}

// selection: VER METHOD
func (p *ClientParser) selection() (ClientEvent, error) {
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
	if b[1] != p.method {
		if b[1] == MethodNoAcceptable {
			return nil, p.fail(newErrorf(KindAuthMethodMismatch, "server accepted none of method 0x%02x", p.method))
		}
		return nil, p.fail(newErrorf(KindAuthMethodMismatch, "offered 0x%02x, server chose 0x%02x", p.method, b[1]))
	}

	ev := &MethodSelectedEvent{Method: b[1]}
	p.consume(2)
	p.state = ClientAwaitingAuthOutcome
	return ev, nil
}

// reply: VER REP RSV ATYP BND.ADDR BND.PORT
func (p *ClientParser) reply() (ClientEvent, error) {
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
	if rep := Reply(b[1]); rep != ReplySuccess {
		return nil, p.fail(&Error{Kind: KindRequestFailed, Reply: rep, Msg: rep.String()})
	}
	if len(b) < 4 {
		return nil, nil
	}

	bound, n, err := DecodeAddr(b[3:])
	if err != nil {
		if isTruncated(err) {
			return nil, nil
		}
		return nil, p.fail(err)
	}

	ev := &ConnectReplyEvent{Bound: bound}
	p.consume(3 + n)
	p.state = ClientEstablished
	return ev, nil
}

func (p *ClientParser) consume(n int) {
	if n == len(p.buf) {
		p.buf = nil
		return
	}
	p.buf = p.buf[n:]
}

func (p *ClientParser) fail(err error) error {
	p.state = ClientFailed
	p.err = err
	return err
}

// WriteGreeting writes VER NMETHODS METHODS.
func WriteGreeting(w io.Writer, methods ...byte) error {
	if len(methods) == 0 || len(methods) > 255 {
		return newErrorf(KindEmptyMethodList, "%d methods", len(methods))
	}
	b := make([]byte, 0, 2+len(methods))
	b = append(b, Version, byte(len(methods)))
	b = append(b, methods...)
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}
	return nil
}

// WriteRequest writes VER CMD RSV ATYP DST.ADDR DST.PORT.
func WriteRequest(w io.Writer, cmd Command, dst Addr) error {
	b, err := dst.AppendTo([]byte{Version, byte(cmd), 0x00})
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}
