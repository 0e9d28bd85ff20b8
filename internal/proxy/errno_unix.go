//go:build unix

package proxy

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/die-net/socksrelay/internal/socks5"
)

func errnoReply(err error) (socks5.Reply, bool) {
	switch {
	case errors.Is(err, unix.ECONNREFUSED):
		return socks5.ReplyConnectionRefused, true
	case errors.Is(err, unix.ENETUNREACH):
		return socks5.ReplyNetworkUnreachable, true
	case errors.Is(err, unix.EHOSTUNREACH), errors.Is(err, unix.ETIMEDOUT):
		return socks5.ReplyHostUnreachable, true
	default:
		return 0, false
	}
}
