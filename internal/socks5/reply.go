package socks5

import (
	"fmt"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// Version is the protocol version byte that starts every message.
	Version byte = 0x05

	// MethodNoAuth selects no authentication.
	MethodNoAuth = txsocks5.MethodNone
	// MethodUserPass selects RFC 1929 username/password authentication.
	MethodUserPass = txsocks5.MethodUsernamePassword
	// MethodNoAcceptable is sent by a server that supports none of the
	// offered methods.
	MethodNoAcceptable byte = 0xff
)

// Reply is the REP field of a server reply.
type Reply byte

const (
	ReplySuccess                 Reply = 0x00
	ReplyGeneralFailure          Reply = 0x01
	ReplyNotAllowed              Reply = 0x02
	ReplyNetworkUnreachable      Reply = 0x03
	ReplyHostUnreachable         Reply = 0x04
	ReplyConnectionRefused       Reply = 0x05
	ReplyTTLExpired              Reply = 0x06
	ReplyCommandNotSupported     Reply = 0x07
	ReplyAddressTypeNotSupported Reply = 0x08
)

var replyText = map[Reply]string{
	ReplySuccess:                 "succeeded",
	ReplyGeneralFailure:          "general SOCKS server failure",
	ReplyNotAllowed:              "connection not allowed by ruleset",
	ReplyNetworkUnreachable:      "network unreachable",
	ReplyHostUnreachable:         "host unreachable",
	ReplyConnectionRefused:       "connection refused",
	ReplyTTLExpired:              "TTL expired",
	ReplyCommandNotSupported:     "command not supported",
	ReplyAddressTypeNotSupported: "address type not supported",
}

func (r Reply) String() string {
	if s, ok := replyText[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown reply 0x%02x", byte(r))
}

// WriteReply writes VER REP RSV ATYP BND.ADDR BND.PORT to w. A nil bound
// address is sent as 0.0.0.0:0.
func WriteReply(w io.Writer, rep Reply, bound *Addr) error {
	a := zeroAddr
	if bound != nil {
		a = *bound
	}
	b, err := a.AppendTo([]byte{Version, byte(rep), 0x00})
	if err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// WriteSuccessReply writes a success reply using localAddr as the bound
// address. Addresses that are not host:port, such as a pipe's, are sent as
// 0.0.0.0:0.
func WriteSuccessReply(w io.Writer, localAddr net.Addr) error {
	a := zeroAddr
	if localAddr != nil {
		if la, err := AddrFromNetAddr(localAddr); err == nil {
			a = la
		}
	}
	return WriteReply(w, ReplySuccess, &a)
}

// WriteErrorReply writes a failure reply with a zero bound address. Errors are
// ignored; the caller is about to close the connection anyway.
func WriteErrorReply(w io.Writer, rep Reply) {
	_ = WriteReply(w, rep, nil)
}

// WriteMethodSelection answers a greeting with the chosen method.
func WriteMethodSelection(w io.Writer, method byte) error {
	if _, err := w.Write([]byte{Version, method}); err != nil {
		return fmt.Errorf("write method selection: %w", err)
	}
	return nil
}

// WriteNoAcceptableMethods tells the client none of its methods are usable.
func WriteNoAcceptableMethods(w io.Writer) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_ = WriteMethodSelection(w, MethodNoAcceptable)
}
