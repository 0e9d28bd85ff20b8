package dialer

import (
	"context"
	"fmt"
	"net"
)

// directDialer connects to the destination itself. Dial errors keep their
// *net.OpError so callers can map them to SOCKS replies.
type directDialer struct {
	net net.Dialer
}

func NewDirectDialer(cfg Config) Dialer {
	d := &directDialer{net: net.Dialer{
		Timeout:         cfg.DialTimeout,
		KeepAliveConfig: cfg.KeepAlive,
	}}
	if !cfg.KeepAlive.Enable {
		// Without this net.Dialer falls back to its own 15s probes.
		d.net.KeepAlive = -1
	}
	return d
}

func (d *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("direct dial %s: unsupported network %q", address, network)
	}
	return d.net.DialContext(ctx, network, address)
}
