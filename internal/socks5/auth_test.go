package socks5

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"

	"golang.org/x/sync/errgroup"
)

// scripted is a ReadWriter that replays in and records writes.
type scripted struct {
	io.Reader
	bytes.Buffer
}

func newScripted(in ...byte) *scripted {
	return &scripted{Reader: bytes.NewReader(in)}
}

func (s *scripted) Write(p []byte) (int, error) { return s.Buffer.Write(p) }

func (s *scripted) Read(p []byte) (int, error) { return s.Reader.Read(p) }

func userPassRequest(user, pass string) []byte {
	b := []byte{0x01, byte(len(user))}
	b = append(b, user...)
	b = append(b, byte(len(pass)))
	return append(b, pass...)
}

func TestUserPassClientEncoding(t *testing.T) {
	t.Parallel()

	rw := newScripted(0x01, 0x00)
	a := &UserPass{Username: "alice", Password: "wonderland"}
	if err := a.ClientHandshake(rw); err != nil {
		t.Fatal(err)
	}

	want := append([]byte{0x01, 0x05}, "alice"...)
	want = append(want, 0x0a)
	want = append(want, "wonderland"...)
	if !bytes.Equal(rw.Bytes(), want) {
		t.Fatalf("got % x want % x", rw.Bytes(), want)
	}
}

func TestUserPassServerReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		accept  bool
		want    []byte
		wantErr error
	}{
		{name: "accepted", accept: true, want: []byte{0x01, 0x00}},
		{name: "rejected", accept: false, want: []byte{0x01, 0x01}, wantErr: ErrAuthenticationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotUser, gotPass string
			a := &UserPass{Verify: func(u, p string) bool {
				gotUser, gotPass = u, p
				return tt.accept
			}}

			rw := newScripted(userPassRequest("alice", "wonderland")...)
			err := a.ServerHandshake(rw)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err=%v want %v", err, tt.wantErr)
			}
			if gotUser != "alice" || gotPass != "wonderland" {
				t.Fatalf("verifier saw %q/%q", gotUser, gotPass)
			}
			if !bytes.Equal(rw.Bytes(), tt.want) {
				t.Fatalf("reply % x want % x", rw.Bytes(), tt.want)
			}
		})
	}
}

func TestUserPassServerMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      []byte
		wantErr error
		reply   []byte
	}{
		{name: "bad version", in: []byte{0x05, 0x01, 'a', 0x01, 'b'}, wantErr: ErrAuthProtocolMismatch, reply: []byte{0x01, 0x01}},
		{name: "empty username", in: []byte{0x01, 0x00, 0x01, 'b'}, wantErr: ErrMalformedCredentials, reply: []byte{0x01, 0x01}},
		{name: "empty password", in: []byte{0x01, 0x01, 'a', 0x00}, wantErr: ErrMalformedCredentials, reply: []byte{0x01, 0x01}},
		{name: "short password", in: []byte{0x01, 0x01, 'a', 0x05, 'b'}, wantErr: ErrTruncatedInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			called := false
			a := &UserPass{Verify: func(string, string) bool {
				called = true
				return true
			}}
			rw := newScripted(tt.in...)
			if err := a.ServerHandshake(rw); !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v want %v", err, tt.wantErr)
			}
			if called {
				t.Fatal("verifier called for malformed request")
			}
			if !bytes.Equal(rw.Bytes(), tt.reply) {
				t.Fatalf("reply % x want % x", rw.Bytes(), tt.reply)
			}
		})
	}
}

func TestUserPassClientReplyErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		reply   []byte
		wantErr error
	}{
		{name: "bad version", reply: []byte{0x05, 0x00}, wantErr: ErrAuthProtocolMismatch},
		{name: "rejected", reply: []byte{0x01, 0x01}, wantErr: ErrAuthenticationFailed},
		{name: "short", reply: []byte{0x01}, wantErr: ErrTruncatedInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := &UserPass{Username: "u", Password: "p"}
			if err := a.ClientHandshake(newScripted(tt.reply...)); !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUserPassClientRejectsEmptyCredentials(t *testing.T) {
	t.Parallel()

	for _, a := range []*UserPass{{Password: "p"}, {Username: "u"}} {
		rw := newScripted(0x01, 0x00)
		if err := a.ClientHandshake(rw); !errors.Is(err, ErrMalformedCredentials) {
			t.Fatalf("got %v", err)
		}
		if rw.Len() != 0 {
			t.Fatalf("wrote % x", rw.Bytes())
		}
	}
}

func TestUserPassClientKeepsSurplus(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		req := make([]byte, len(userPassRequest("u", "p")))
		if _, err := io.ReadFull(serverConn, req); err != nil {
			return err
		}
		// Reply and the next stage's bytes in one write.
		_, err := serverConn.Write([]byte{0x01, 0x00, 0x05, 0x00})
		return err
	})

	s := NewStream(clientConn)
	a := &UserPass{Username: "u", Password: "p"}
	if err := a.ClientHandshake(s); err != nil {
		t.Fatal(err)
	}

	next := make([]byte, 2)
	if _, err := io.ReadFull(s, next); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(next, []byte{0x05, 0x00}) {
		t.Fatalf("got % x", next)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestNoAuth(t *testing.T) {
	t.Parallel()

	rw := newScripted()
	var a Authenticator = NoAuth{}
	if a.Method() != 0x00 {
		t.Fatalf("method %#x", a.Method())
	}
	if err := a.ServerHandshake(rw); err != nil {
		t.Fatal(err)
	}
	if err := a.ClientHandshake(rw); err != nil {
		t.Fatal(err)
	}
	if rw.Len() != 0 {
		t.Fatalf("wrote % x", rw.Bytes())
	}
}

func TestStaticCredentials(t *testing.T) {
	t.Parallel()

	v := StaticCredentials(map[string]string{"alice": "wonderland"})
	if !v("alice", "wonderland") {
		t.Fatal("valid credentials rejected")
	}
	for _, c := range [][2]string{{"alice", "wonder"}, {"bob", "wonderland"}, {"bob", ""}, {"", ""}} {
		if v(c[0], c[1]) {
			t.Errorf("accepted %q/%q", c[0], c[1])
		}
	}
}
