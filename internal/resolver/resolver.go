// Package resolver turns destination hostnames into a single IP address for
// the SOCKS5 server and client, caching answers for a short time.
package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Resolver looks up one address for host.
type Resolver interface {
	LookupIP(ctx context.Context, host string) (netip.Addr, error)
}

// Lookuper is the subset of *net.Resolver used for lookups.
type Lookuper interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type Config struct {
	// TTL is how long successful answers are cached. Zero disables caching.
	TTL time.Duration

	// Timeout bounds each lookup. Zero means the caller's context only.
	Timeout time.Duration

	// Lookuper defaults to net.DefaultResolver.
	Lookuper Lookuper
}

var errNoAddress = errors.New("no addresses")

// CachingResolver is a Resolver that shares in-flight lookups and caches
// results.
type CachingResolver struct {
	cfg    Config
	cache  *cache.Cache
	flight singleflight.Group
}

func New(cfg Config) *CachingResolver {
	if cfg.Lookuper == nil {
		cfg.Lookuper = net.DefaultResolver
	}

	r := &CachingResolver{cfg: cfg}
	if cfg.TTL > 0 {
		r.cache = cache.New(cfg.TTL, 2*cfg.TTL)
	}
	return r
}

// LookupIP returns the first address for host. IP literals are returned
// without a lookup. Errors are *net.DNSError where the system resolver
// produced one.
func (r *CachingResolver) LookupIP(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), nil
	}

	if r.cache != nil {
		if v, ok := r.cache.Get(host); ok {
			return v.(netip.Addr), nil
		}
	}

	ch := r.flight.DoChan(host, func() (any, error) {
		return r.lookup(ctx, host)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return netip.Addr{}, res.Err
		}
		return res.Val.(netip.Addr), nil
	case <-ctx.Done():
		return netip.Addr{}, &net.DNSError{Err: ctx.Err().Error(), Name: host, IsTimeout: true}
	}
}

func (r *CachingResolver) lookup(ctx context.Context, host string) (netip.Addr, error) {
	// The lookup is shared, so one caller's cancellation must not fail the
	// others.
	ctx = context.WithoutCancel(ctx)
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	addrs, err := r.cfg.Lookuper.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, &net.DNSError{Err: errNoAddress.Error(), Name: host, IsNotFound: true}
	}

	ip := addrs[0].Unmap()
	if r.cache != nil {
		r.cache.SetDefault(host, ip)
	}
	return ip, nil
}

// Flush drops all cached answers.
func (r *CachingResolver) Flush() {
	if r.cache != nil {
		r.cache.Flush()
	}
}
