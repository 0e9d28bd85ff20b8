//go:build windows

package proxy

import (
	"errors"

	"golang.org/x/sys/windows"

	"github.com/die-net/socksrelay/internal/socks5"
)

func errnoReply(err error) (socks5.Reply, bool) {
	switch {
	case errors.Is(err, windows.WSAECONNREFUSED):
		return socks5.ReplyConnectionRefused, true
	case errors.Is(err, windows.WSAENETUNREACH):
		return socks5.ReplyNetworkUnreachable, true
	case errors.Is(err, windows.WSAEHOSTUNREACH), errors.Is(err, windows.WSAETIMEDOUT):
		return socks5.ReplyHostUnreachable, true
	default:
		return 0, false
	}
}
