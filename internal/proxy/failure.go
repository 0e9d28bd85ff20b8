package proxy

import (
	"context"
	"errors"
	"net"

	"github.com/die-net/socksrelay/internal/socks5"
)

// replyForDialError maps an outbound connect failure to the reply code sent
// to the client.
func replyForDialError(err error) socks5.Reply {
	// An upstream SOCKS5 proxy already chose a code.
	if rep, ok := socks5.ReplyOf(err); ok {
		return rep
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return socks5.ReplyHostUnreachable
	}

	if rep, ok := errnoReply(err); ok {
		return rep
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return socks5.ReplyHostUnreachable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return socks5.ReplyHostUnreachable
	}

	return socks5.ReplyGeneralFailure
}
