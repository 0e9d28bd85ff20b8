package socks5

import (
	"errors"
	"fmt"
	"io"
)

// readChunk bounds a single read while waiting for a handshake message. Bytes
// read beyond the message are pushed back into the Stream.
const readChunk = 512

var errParserIdle = errors.New("socks5: parser is not expecting input")

type incremental[E comparable] interface {
	Feed(b []byte)
	Next() (E, error)
	Remaining() []byte
	Pending() int
}

// readEvent feeds bytes from s into p until p emits an event or fails. On
// success any surplus is returned to s.
func readEvent[E comparable](s *Stream, p incremental[E], what string) (E, error) {
	var zero E
	buf := make([]byte, readChunk)
	for {
		ev, err := p.Next()
		if err != nil {
			return zero, err
		}
		if ev != zero {
			s.Unread(p.Remaining())
			return ev, nil
		}

		n, err := s.Read(buf)
		if n > 0 {
			p.Feed(buf[:n])
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && p.Pending() > 0 {
				return zero, &Error{Kind: KindTruncatedInput, Reply: ReplyGeneralFailure, Msg: what, Err: io.ErrUnexpectedEOF}
			}
			return zero, fmt.Errorf("read %s: %w", what, err)
		}
	}
}
