//go:build !unix && !windows

package proxy

import (
	"github.com/die-net/socksrelay/internal/socks5"
)

// Platforms without errno values fall back to the DNS and timeout checks.
func errnoReply(error) (socks5.Reply, bool) {
	return 0, false
}
