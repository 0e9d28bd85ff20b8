package socks5

import (
	"errors"
	"fmt"
)

// ServerHandshake runs the server side of a handshake on s: it reads the
// greeting, selects auth's method, runs the sub-negotiation, and returns the
// decoded request with Src set to the peer address.
//
// Protocol errors get a best-effort reply before returning: 05 FF during the
// greeting, a full reply carrying the error's code during the request.
func ServerHandshake(s *Stream, auth Authenticator) (Request, error) {
	p := NewServerParser()

	ev, err := p.ReadEvent(s)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			WriteNoAcceptableMethods(s)
		}
		return Request{}, err
	}
	methods := ev.(*MethodsEvent).Methods

	if !containsMethod(methods, auth.Method()) {
		WriteNoAcceptableMethods(s)
		return Request{}, newErrorf(KindNoAcceptableMethods, "client offered % x", methods)
	}
	if err := WriteMethodSelection(s, auth.Method()); err != nil {
		return Request{}, err
	}
	if err := auth.ServerHandshake(s); err != nil {
		return Request{}, err
	}
	p.Authenticated()

	ev, err = p.ReadEvent(s)
	if err != nil {
		if rep, ok := ReplyOf(err); ok {
			WriteErrorReply(s, rep)
		}
		return Request{}, err
	}

	req := ev.(*RequestEvent).Request
	req.Src = s.RemoteAddr()
	return req, nil
}

// ClientHandshake runs the client side of a handshake on s, advertising only
// auth's method, and returns the server's bound address. Bytes the server
// sends after its reply stay in s.
func ClientHandshake(s *Stream, auth Authenticator, cmd Command, dst Addr) (Addr, error) {
	if err := WriteGreeting(s, auth.Method()); err != nil {
		return Addr{}, err
	}

	p := NewClientParser(auth.Method())
	if _, err := p.ReadEvent(s); err != nil {
		return Addr{}, err
	}
	if err := auth.ClientHandshake(s); err != nil {
		return Addr{}, fmt.Errorf("auth: %w", err)
	}
	p.AuthDone()

	if err := WriteRequest(s, cmd, dst); err != nil {
		return Addr{}, err
	}
	ev, err := p.ReadEvent(s)
	if err != nil {
		return Addr{}, err
	}
	return ev.(*ConnectReplyEvent).Bound, nil
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
