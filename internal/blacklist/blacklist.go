// Package blacklist holds the set of destination addresses the SOCKS5 server
// refuses to connect to.
package blacklist

import (
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// DefaultCIDRs are the private and link-local ranges blocked unless defaults
// are disabled.
var DefaultCIDRs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
}

type Config struct {
	// CIDRs are added to the defaults. A bare address is treated as a
	// single-host prefix.
	CIDRs []string

	// DisableDefaults leaves DefaultCIDRs out of the set.
	DisableDefaults bool
}

// Blacklist is an immutable set of IP prefixes. The zero value and a nil
// *Blacklist contain nothing.
type Blacklist struct {
	set *netipx.IPSet
}

func New(cfg Config) (*Blacklist, error) {
	var b netipx.IPSetBuilder

	if !cfg.DisableDefaults {
		for _, s := range DefaultCIDRs {
			b.AddPrefix(netip.MustParsePrefix(s))
		}
	}

	for _, s := range cfg.CIDRs {
		p, err := parsePrefix(s)
		if err != nil {
			return nil, err
		}
		b.AddPrefix(p)
	}

	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}
	return &Blacklist{set: set}, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("blacklist entry %q: %w", s, err)
		}
		addr = addr.Unmap()
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}

	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("blacklist entry %q: %w", s, err)
	}
	return p.Masked(), nil
}

// Contains reports whether ip falls in a blocked range. IPv4-mapped IPv6
// addresses are checked as IPv4.
func (b *Blacklist) Contains(ip netip.Addr) bool {
	if b == nil || b.set == nil || !ip.IsValid() {
		return false
	}
	return b.set.Contains(ip.Unmap())
}

// Prefixes returns the minimal list of prefixes in the set.
func (b *Blacklist) Prefixes() []netip.Prefix {
	if b == nil || b.set == nil {
		return nil
	}
	return b.set.Prefixes()
}
