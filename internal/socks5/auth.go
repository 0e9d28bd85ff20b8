package socks5

import (
	"crypto/subtle"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

const userPassVersion byte = 0x01

// Authenticator is a negotiable authentication method. The server runs
// ServerHandshake after selecting Method; the client runs ClientHandshake
// after the server echoes it. Implementations read exact message lengths so
// bytes that follow the sub-negotiation stay in the stream.
type Authenticator interface {
	Method() byte
	ServerHandshake(rw io.ReadWriter) error
	ClientHandshake(rw io.ReadWriter) error
}

// NoAuth is method 0x00. Both roles succeed without exchanging bytes.
type NoAuth struct{}

func (NoAuth) Method() byte { return MethodNoAuth }

func (NoAuth) ServerHandshake(io.ReadWriter) error { return nil }

func (NoAuth) ClientHandshake(io.ReadWriter) error { return nil }

// CredentialVerifier reports whether a username/password pair is accepted.
type CredentialVerifier func(username, password string) bool

// StaticCredentials returns a verifier accepting exactly the given
// username → password pairs.
func StaticCredentials(users map[string]string) CredentialVerifier {
	return func(username, password string) bool {
		want, ok := users[username]
		eq := subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
		return ok && eq
	}
}

// UserPass is RFC 1929 username/password authentication (method 0x02).
//
// Username and Password are sent in the client role. Verify decides in the
// server role; a nil Verify rejects everyone.
type UserPass struct {
	Username string
	Password string
	Verify   CredentialVerifier
}

func (*UserPass) Method() byte { return MethodUserPass }

// ServerHandshake reads VER ULEN UNAME PLEN PASSWD and answers VER STATUS.
func (a *UserPass) ServerHandshake(rw io.ReadWriter) error {
	var hdr [2]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return readError("userpass request", err)
	}
	if hdr[0] != userPassVersion {
		writeUserPassFailure(rw)
		return newErrorf(KindAuthProtocolMismatch, "sub-negotiation version 0x%02x", hdr[0])
	}
	if hdr[1] == 0 {
		writeUserPassFailure(rw)
		return newErrorf(KindMalformedCredentials, "empty username")
	}

	uname := make([]byte, int(hdr[1])+1)
	if _, err := io.ReadFull(rw, uname); err != nil {
		return readError("userpass username", err)
	}
	plen := int(uname[len(uname)-1])
	uname = uname[:len(uname)-1]
	if plen == 0 {
		writeUserPassFailure(rw)
		return newErrorf(KindMalformedCredentials, "empty password")
	}

	passwd := make([]byte, plen)
	if _, err := io.ReadFull(rw, passwd); err != nil {
		return readError("userpass password", err)
	}

	ok := a.Verify != nil && a.Verify(string(uname), string(passwd))
	status := txsocks5.UserPassStatusFailure
	if ok {
		status = txsocks5.UserPassStatusSuccess
	}
	if _, err := rw.Write([]byte{userPassVersion, status}); err != nil {
		return fmt.Errorf("write userpass reply: %w", err)
	}
	if !ok {
		return newErrorf(KindAuthenticationFailed, "user %q", string(uname))
	}
	return nil
}

// writeUserPassFailure is best effort; the caller closes the stream next.
func writeUserPassFailure(w io.Writer) {
	_, _ = w.Write([]byte{userPassVersion, txsocks5.UserPassStatusFailure})
}

// ClientHandshake sends the configured credentials and reads VER STATUS.
func (a *UserPass) ClientHandshake(rw io.ReadWriter) error {
	req, err := a.request()
	if err != nil {
		return err
	}
	if _, err := rw.Write(req); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}

	var rep [2]byte
	if _, err := io.ReadFull(rw, rep[:]); err != nil {
		return readError("userpass reply", err)
	}
	if rep[0] != userPassVersion {
		return newErrorf(KindAuthProtocolMismatch, "sub-negotiation version 0x%02x", rep[0])
	}
	if rep[1] != txsocks5.UserPassStatusSuccess {
		return newErrorf(KindAuthenticationFailed, "status 0x%02x", rep[1])
	}
	return nil
}

func (a *UserPass) request() ([]byte, error) {
	if len(a.Username) == 0 || len(a.Username) > 255 {
		return nil, newErrorf(KindMalformedCredentials, "username length %d", len(a.Username))
	}
	if len(a.Password) == 0 || len(a.Password) > 255 {
		return nil, newErrorf(KindMalformedCredentials, "password length %d", len(a.Password))
	}
	b := make([]byte, 0, 3+len(a.Username)+len(a.Password))
	b = append(b, userPassVersion, byte(len(a.Username)))
	b = append(b, a.Username...)
	b = append(b, byte(len(a.Password)))
	b = append(b, a.Password...)
	return b, nil
}

// readError maps a short read to ErrTruncatedInput and wraps anything else.
func readError(what string, err error) error {
	if err == io.ErrUnexpectedEOF {
		return &Error{Kind: KindTruncatedInput, Reply: ReplyGeneralFailure, Msg: what, Err: err}
	}
	return fmt.Errorf("read %s: %w", what, err)
}
