package testutil

import (
	"context"
	"net"
	"testing"
)

// OneShotServer is a loopback listener that serves exactly one connection.
type OneShotServer struct {
	net.Listener
	done chan struct{}
}

// ServeOne hands the first accepted connection to handler and closes it when
// handler returns or ctx ends. The server is waited for at test cleanup if
// the test does not call Wait itself.
func ServeOne(t *testing.T, ctx context.Context, handler func(net.Conn)) *OneShotServer {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &OneShotServer{Listener: ln, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		c, err := ln.Accept()
		_ = ln.Close()
		if err != nil {
			return
		}
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
		defer c.Close()
		handler(c)
	}()

	t.Cleanup(s.Wait)
	return s
}

// Wait stops accepting and blocks until the handler, if any, has returned.
func (s *OneShotServer) Wait() {
	_ = s.Listener.Close()
	<-s.done
}
