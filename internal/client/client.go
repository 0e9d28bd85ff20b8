// Package client dials TCP connections through a SOCKS5 proxy.
//
// A Client performs the greeting, authentication, and CONNECT request on a
// fresh connection to the proxy and returns a Tunnel that reads and writes
// application data to the destination.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/die-net/socksrelay/internal/resolver"
	"github.com/die-net/socksrelay/internal/socks5"
)

type Config struct {
	// ProxyAddr is the proxy's host:port.
	ProxyAddr string

	// Auth selects the single method offered in the greeting. Nil means
	// socks5.NoAuth.
	Auth socks5.Authenticator

	// DNSLocal resolves domain destinations before sending the request.
	DNSLocal bool

	// DNSStrict fails the dial when a DNSLocal lookup fails instead of
	// sending the hostname to the proxy.
	DNSStrict bool

	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	// Resolver is used when DNSLocal is set. Nil means an uncached system
	// resolver.
	Resolver resolver.Resolver

	// Forward reaches the proxy. Nil means a direct TCP dial.
	Forward proxy.ContextDialer

	Logger logrus.FieldLogger
}

// Client is a SOCKS5 CONNECT dialer. It is safe for concurrent use.
type Client struct {
	cfg Config
}

var (
	_ proxy.Dialer        = (*Client)(nil)
	_ proxy.ContextDialer = (*Client)(nil)
)

func New(cfg Config) (*Client, error) {
	if cfg.ProxyAddr == "" {
		return nil, errors.New("client: missing proxy address")
	}
	if _, _, err := net.SplitHostPort(cfg.ProxyAddr); err != nil {
		return nil, fmt.Errorf("client: proxy address: %w", err)
	}
	if cfg.Auth == nil {
		cfg.Auth = socks5.NoAuth{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolver.New(resolver.Config{Timeout: cfg.DialTimeout})
	}
	if cfg.Forward == nil {
		cfg.Forward = &net.Dialer{Timeout: cfg.DialTimeout, KeepAliveConfig: cfg.KeepAlive}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Client{cfg: cfg}, nil
}

// Dial is DialContext with a background context.
func (c *Client) Dial(network, address string) (net.Conn, error) {
	return c.DialContext(context.Background(), network, address)
}

// DialContext connects to address through the proxy. The returned conn is a
// *Tunnel. Cancelling ctx aborts an unfinished handshake but does not affect
// an established tunnel.
func (c *Client) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("socks5 dial %s %s: unsupported network", network, address)
	}

	dst, err := socks5.ParseAddr(address)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s: %w", address, err)
	}

	dst, err = c.resolveLocal(ctx, dst)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s: %w", address, err)
	}

	conn, err := c.cfg.Forward.DialContext(ctx, "tcp", c.cfg.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial proxy %s: %w", c.cfg.ProxyAddr, err)
	}

	t, err := c.handshake(ctx, conn, dst)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("socks5 dial %s via %s: %w", address, c.cfg.ProxyAddr, err)
	}

	c.cfg.Logger.WithFields(logrus.Fields{
		"proxy": c.cfg.ProxyAddr,
		"dst":   dst.String(),
		"bound": t.bound.String(),
	}).Debug("socks5 tunnel established")

	return t, nil
}

func (c *Client) resolveLocal(ctx context.Context, dst socks5.Addr) (socks5.Addr, error) {
	if !c.cfg.DNSLocal || dst.Type != socks5.AtypDomain {
		return dst, nil
	}

	ip, err := c.cfg.Resolver.LookupIP(ctx, dst.Host)
	if err != nil {
		if c.cfg.DNSStrict {
			return socks5.Addr{}, socks5.NewError(socks5.KindDNSResolutionFailed, err)
		}
		c.cfg.Logger.WithField("dst", dst.String()).WithError(err).Debug("local lookup failed, sending hostname")
		return dst, nil
	}
	return socks5.NewAddr(ip.String(), dst.Port), nil
}

func (c *Client) handshake(ctx context.Context, conn net.Conn, dst socks5.Addr) (*Tunnel, error) {
	if c.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.NegotiationTimeout))
	}
	if dl, ok := ctx.Deadline(); ok {
		if c.cfg.NegotiationTimeout <= 0 || time.Until(dl) < c.cfg.NegotiationTimeout {
			_ = conn.SetDeadline(dl)
		}
	}

	// Force blocked reads and writes to return when ctx ends mid-handshake.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	s := socks5.NewStream(conn)
	bound, err := socks5.ClientHandshake(s, c.cfg.Auth, socks5.CmdConnect, dst)

	// The conn deadline may share ctx's deadline and fire first, so any
	// failure is checked against ctx regardless of whether stop won.
	if stopped := stop(); err != nil || !stopped {
		if cerr := contextErr(ctx); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				err = fmt.Errorf("%w (%w)", cerr, err)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	return &Tunnel{Stream: s, bound: bound}, nil
}

// contextErr is ctx.Err, or DeadlineExceeded once ctx's deadline has passed
// but its timer has not fired yet.
func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return nil
}

// Tunnel is an established connection to the destination through the proxy.
// Bytes the proxy sent right after its reply are returned by the first Read.
type Tunnel struct {
	*socks5.Stream
	bound socks5.Addr
}

// BoundAddr is the address the proxy reported for its outbound socket.
func (t *Tunnel) BoundAddr() socks5.Addr {
	return t.bound
}
