package socks5

import (
	"io"
	"net"
)

// Stream wraps a net.Conn with a pushback buffer. Bytes a parser read past the
// end of a handshake message are returned with Unread and delivered by the
// next Read, so the following stage (authentication, request, or relayed
// application data) sees them in order.
type Stream struct {
	net.Conn
	pending []byte
}

// NewStream wraps conn. Wrapping a *Stream returns it unchanged.
func NewStream(conn net.Conn) *Stream {
	if s, ok := conn.(*Stream); ok {
		return s
	}
	return &Stream{Conn: conn}
}

// Read drains pushed-back bytes before reading from the connection.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		if len(s.pending) == 0 {
			s.pending = nil
		}
		return n, nil
	}
	return s.Conn.Read(p)
}

// Unread pushes b back in front of any bytes not yet read.
func (s *Stream) Unread(b []byte) {
	if len(b) == 0 {
		return
	}
	p := make([]byte, 0, len(b)+len(s.pending))
	p = append(p, b...)
	s.pending = append(p, s.pending...)
}

// Buffered reports how many pushed-back bytes are waiting.
func (s *Stream) Buffered() int {
	return len(s.pending)
}

// WriteTo lets io.Copy flush pushed-back bytes and then hand the raw
// connection to w, which keeps splice(2) available for TCP-to-TCP relays.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	var n int64
	if len(s.pending) > 0 {
		m, err := w.Write(s.pending)
		n += int64(m)
		s.pending = s.pending[m:]
		if err != nil {
			return n, err
		}
		s.pending = nil
	}
	m, err := io.Copy(w, s.Conn)
	return n + m, err
}
