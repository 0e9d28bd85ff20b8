package proxy

import (
	"context"
	"fmt"
	"net"
)

// ListenTCP listens on the given network/address. Accepted TCP connections
// get keepAliveConfig applied by the listener.
func ListenTCP(ctx context.Context, network, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{KeepAliveConfig: keepAliveConfig}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return ln, nil
}
