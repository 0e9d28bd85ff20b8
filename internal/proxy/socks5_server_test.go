package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/net/proxy"

	"github.com/die-net/socksrelay/internal/blacklist"
	"github.com/die-net/socksrelay/internal/client"
	"github.com/die-net/socksrelay/internal/dialer"
	"github.com/die-net/socksrelay/internal/socks5"
	"github.com/die-net/socksrelay/internal/testutil"
)

type recordingDialer struct {
	mu    sync.Mutex
	addrs []string
	next  dialer.Dialer
}

func (d *recordingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, address)
	d.mu.Unlock()
	return d.next.DialContext(ctx, network, address)
}

func (d *recordingDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}

type fakeResolver map[string]netip.Addr

func (f fakeResolver) LookupIP(_ context.Context, host string) (netip.Addr, error) {
	if ip, ok := f[host]; ok {
		return ip, nil
	}
	return netip.Addr{}, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startSOCKS5Server(t *testing.T, cfg Config) (*SOCKS5Server, string) {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second})
	}

	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}

	srv, err := NewSOCKS5Server(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	t.Cleanup(func() {
		srv.Close()
		if err := <-done; !errors.Is(err, ErrServerClosed) {
			t.Errorf("serve: %v", err)
		}
	})

	return srv, ln.Addr().String()
}

// rawConnect performs a no-auth CONNECT by hand and returns the 10-byte reply.
func rawConnect(t *testing.T, proxyAddr string, dst socks5.Addr) (net.Conn, []byte) {
	t.Helper()

	c, err := net.DialTimeout("tcp", proxyAddr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	sel := make([]byte, 2)
	if _, err := io.ReadFull(c, sel); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sel, []byte{0x05, 0x00}) {
		t.Fatalf("method selection % x", sel)
	}
	if err := socks5.WriteRequest(c, socks5.CmdConnect, dst); err != nil {
		t.Fatal(err)
	}
	rep := make([]byte, 10)
	if _, err := io.ReadFull(c, rep); err != nil {
		t.Fatal(err)
	}
	return c, rep
}

func TestSOCKS5ConnectClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	_, addr := startSOCKS5Server(t, Config{NegotiationTimeout: 2 * time.Second})

	dialers := []struct {
		name string
		dial func() (net.Conn, error)
	}{
		{
			name: "socksrelay client",
			dial: func() (net.Conn, error) {
				c, err := client.New(client.Config{ProxyAddr: addr})
				if err != nil {
					return nil, err
				}
				return c.DialContext(ctx, "tcp", echoLn.Addr().String())
			},
		},
		{
			name: "txthinking client",
			dial: func() (net.Conn, error) {
				c, err := txsocks5.NewClient(addr, "", "", 2, 0)
				if err != nil {
					return nil, err
				}
				return c.Dial("tcp", echoLn.Addr().String())
			},
		},
		{
			name: "x/net/proxy client",
			dial: func() (net.Conn, error) {
				d, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
				if err != nil {
					return nil, err
				}
				return d.Dial("tcp", echoLn.Addr().String())
			},
		},
	}

	for _, tt := range dialers {
		t.Run(tt.name, func(t *testing.T) {
			c, err := tt.dial()
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()

			testutil.AssertEcho(t, c, c, []byte("hello"))
			testutil.AssertEcho(t, c, c, bytes.Repeat([]byte("x"), 32_000))
		})
	}
}

func TestSOCKS5UserPass(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	_, addr := startSOCKS5Server(t, Config{
		Auth: &socks5.UserPass{Verify: socks5.StaticCredentials(map[string]string{"alice": "wonderland"})},
	})

	d, err := proxy.SOCKS5("tcp", addr, &proxy.Auth{User: "alice", Password: "wonderland"}, proxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	c, err := d.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("hello"))
	_ = c.Close()

	cl, err := client.New(client.Config{ProxyAddr: addr, Auth: &socks5.UserPass{Username: "alice", Password: "nope"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cl.DialContext(ctx, "tcp", echoLn.Addr().String()); !errors.Is(err, socks5.ErrAuthenticationFailed) {
		t.Fatalf("got %v", err)
	}

	// A client offering only no-auth gets 05 FF.
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	if _, err := raw.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	sel := make([]byte, 2)
	if _, err := io.ReadFull(raw, sel); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sel, []byte{0x05, 0xff}) {
		t.Fatalf("got % x", sel)
	}
}

func TestSOCKS5PipelinedHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	_, addr := startSOCKS5Server(t, Config{})

	dst, err := socks5.ParseAddr(echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	req := []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00}
	req, err = dst.AppendTo(req)
	if err != nil {
		t.Fatal(err)
	}
	req = append(req, "early data"...)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}

	resp := make([]byte, 2+10+len("early data"))
	if _, err := io.ReadFull(c, resp); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp[:2], []byte{0x05, 0x00}) || resp[3] != byte(socks5.ReplySuccess) {
		t.Fatalf("got % x", resp[:12])
	}
	if string(resp[12:]) != "early data" {
		t.Fatalf("got %q", resp[12:])
	}
}

func TestSOCKS5Blacklist(t *testing.T) {
	bl, err := blacklist.New(blacklist.Config{CIDRs: []string{"203.0.113.0/24"}})
	if err != nil {
		t.Fatal(err)
	}
	rec := &recordingDialer{next: dialer.NewDirectDialer(dialer.Config{DialTimeout: time.Second})}

	_, addr := startSOCKS5Server(t, Config{
		Blacklist: bl,
		Dialer:    rec,
		Resolver: fakeResolver{
			"intranet.test": netip.MustParseAddr("10.1.2.3"),
			"mapped.test":   netip.MustParseAddr("::ffff:192.168.1.1"),
		},
	})

	tests := []struct {
		name string
		dst  socks5.Addr
	}{
		{name: "domain resolving to 10/8", dst: socks5.NewAddr("intranet.test", 80)},
		{name: "domain resolving to mapped private", dst: socks5.NewAddr("mapped.test", 80)},
		{name: "literal 192.168/16", dst: socks5.NewAddr("192.168.0.10", 443)},
		{name: "literal ula", dst: socks5.NewAddr("fd00:0:0:0:0:0:0:1", 443)},
		{name: "user range", dst: socks5.NewAddr("203.0.113.9", 22)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rep := rawConnect(t, addr, tt.dst)
			defer c.Close()

			if rep[0] != 0x05 || socks5.Reply(rep[1]) != socks5.ReplyNotAllowed {
				t.Fatalf("reply % x", rep)
			}
			testutil.AssertClosed(t, c)
		})
	}

	if got := rec.dialed(); len(got) != 0 {
		t.Fatalf("blacklisted destinations were dialed: %v", got)
	}
}

func TestSOCKS5FailureReplies(t *testing.T) {
	// Find a loopback port with nothing listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closedAddr := ln.Addr().String()
	_ = ln.Close()

	closedDst, err := socks5.ParseAddr(closedAddr)
	if err != nil {
		t.Fatal(err)
	}

	_, addr := startSOCKS5Server(t, Config{Resolver: fakeResolver{}})

	tests := []struct {
		name string
		dst  socks5.Addr
		want socks5.Reply
	}{
		{name: "connection refused", dst: closedDst, want: socks5.ReplyConnectionRefused},
		{name: "dns failure", dst: socks5.NewAddr("nowhere.test", 80), want: socks5.ReplyHostUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rep := rawConnect(t, addr, tt.dst)
			defer c.Close()

			if socks5.Reply(rep[1]) != tt.want {
				t.Fatalf("reply %v want %v", socks5.Reply(rep[1]), tt.want)
			}
		})
	}
}

func TestSOCKS5UnsupportedCommands(t *testing.T) {
	_, addr := startSOCKS5Server(t, Config{})

	for _, cmd := range []socks5.Command{socks5.CmdBind, socks5.CmdUDPAssociate} {
		t.Run(cmd.String(), func(t *testing.T) {
			c, err := net.Dial("tcp", addr)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(5 * time.Second))

			s := socks5.NewStream(c)
			_, err = socks5.ClientHandshake(s, socks5.NoAuth{}, cmd, socks5.NewAddr("127.0.0.1", 9))
			if rep, ok := socks5.ReplyOf(err); !ok || rep != socks5.ReplyCommandNotSupported {
				t.Fatalf("got %v", err)
			}
		})
	}
}

func TestSOCKS5ConnectionLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	srv, addr := startSOCKS5Server(t, Config{ConnectionLimit: 1})

	cl, err := client.New(client.Config{ProxyAddr: addr})
	if err != nil {
		t.Fatal(err)
	}
	first, err := cl.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, first, first, []byte("one"))

	// The second connection is closed without a single byte exchanged.
	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	_ = second.SetDeadline(time.Now().Add(2 * time.Second))
	testutil.AssertClosed(t, second)
	_ = second.Close()

	_ = first.Close()
	waitFor(t, func() bool { return srv.ActiveConnections() == 0 })

	third, err := cl.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer third.Close()
	testutil.AssertEcho(t, third, third, []byte("three"))
}

func TestSOCKS5Policy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	dst, err := socks5.ParseAddr(echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		policy Policy
		want   socks5.Reply
	}{
		{
			name:   "accept then deny",
			policy: func(_ socks5.Request, _ string, accept, deny func()) { accept(); deny() },
			want:   socks5.ReplySuccess,
		},
		{
			name:   "deny then accept",
			policy: func(_ socks5.Request, _ string, accept, deny func()) { deny(); accept() },
			want:   socks5.ReplyNotAllowed,
		},
		{
			name: "accept later",
			policy: func(_ socks5.Request, _ string, accept, _ func()) {
				time.AfterFunc(20*time.Millisecond, accept)
			},
			want: socks5.ReplySuccess,
		},
		{
			name:   "never decides",
			policy: func(socks5.Request, string, func(), func()) {},
			want:   socks5.ReplyNotAllowed,
		},
		{
			name: "sees request",
			policy: func(req socks5.Request, id string, accept, deny func()) {
				if id != "" && req.Command == socks5.CmdConnect && req.Dst == dst && req.Src != nil {
					accept()
					return
				}
				deny()
			},
			want: socks5.ReplySuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, addr := startSOCKS5Server(t, Config{Policy: tt.policy, NegotiationTimeout: 200 * time.Millisecond})

			c, rep := rawConnect(t, addr, dst)
			defer c.Close()

			if socks5.Reply(rep[1]) != tt.want {
				t.Fatalf("reply %v want %v", socks5.Reply(rep[1]), tt.want)
			}
			if tt.want == socks5.ReplySuccess {
				testutil.AssertEcho(t, c, c, []byte("payload"))
				if n := srv.Sessions().Len(); n != 1 {
					t.Fatalf("sessions=%d want 1", n)
				}
			} else {
				testutil.AssertClosed(t, c)
			}

			_ = c.Close()
			waitFor(t, func() bool { return srv.Sessions().Len() == 0 })
		})
	}
}

func TestSOCKS5RemoteClosePropagates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dstLn := testutil.ServeOne(t, ctx, func(c net.Conn) {
		_, _ = c.Write([]byte("bye"))
	})

	srv, addr := startSOCKS5Server(t, Config{})

	cl, err := client.New(client.Config{ProxyAddr: addr})
	if err != nil {
		t.Fatal(err)
	}
	c, err := cl.DialContext(ctx, "tcp", dstLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "bye" {
		t.Fatalf("got %q", got)
	}

	dstLn.Wait()
	waitFor(t, func() bool { return srv.Sessions().Len() == 0 && srv.ActiveConnections() == 0 })
}

func TestSOCKS5CloseTearsDownSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}

	srvCtx, srvCancel := context.WithCancel(ctx)
	srv, err := NewSOCKS5Server(srvCtx, Config{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	cl, err := client.New(client.Config{ProxyAddr: ln.Addr().String()})
	if err != nil {
		t.Fatal(err)
	}
	c, err := cl.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("hi"))

	infos := srv.Sessions().Snapshot()
	if len(infos) != 1 || infos[0].State != SessionEstablished {
		t.Fatalf("sessions %+v", infos)
	}

	srvCancel()

	if err := <-done; !errors.Is(err, ErrServerClosed) {
		t.Fatalf("serve: %v", err)
	}
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))
	testutil.AssertClosed(t, c)
	waitFor(t, func() bool { return srv.Sessions().Len() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
