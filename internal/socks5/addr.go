package socks5

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	txsocks5 "github.com/txthinking/socks5"
)

// Address types (ATYP).
const (
	AtypIPv4   = txsocks5.ATYPIPv4
	AtypDomain = txsocks5.ATYPDomain
	AtypIPv6   = txsocks5.ATYPIPv6
)

// Addr is a SOCKS5 address: an ATYP, its host in text form, and a port.
//
// IPv4 hosts are dotted-decimal. IPv6 hosts built by NewAddr or decoded from
// the wire are eight colon-separated lowercase hex groups without zero
// compression; any valid IPv6 literal is accepted for encoding. Domain hosts are 1 to 255 bytes.
type Addr struct {
	Type byte
	Host string
	Port uint16
}

var zeroAddr = Addr{Type: AtypIPv4, Host: "0.0.0.0"}

// NewAddr picks the address type from the literal syntax of host. IPv6 hosts
// are rewritten in the same form DecodeAddr produces.
func NewAddr(host string, port uint16) Addr {
	if ip, err := netip.ParseAddr(host); err == nil {
		if ip.Is4() {
			return Addr{Type: AtypIPv4, Host: host, Port: port}
		}
		if ip.Zone() == "" {
			v6 := ip.As16()
			host = formatIPv6(v6[:])
		}
		return Addr{Type: AtypIPv6, Host: host, Port: port}
	}
	return Addr{Type: AtypDomain, Host: host, Port: port}
}

// ParseAddr parses a "host:port" string.
func ParseAddr(hostport string) (Addr, error) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("parse port %q: %w", p, err)
	}
	return NewAddr(host, uint16(port)), nil
}

// AddrFromNetAddr converts a local or remote socket address.
func AddrFromNetAddr(a net.Addr) (Addr, error) {
	if ta, ok := a.(*net.TCPAddr); ok {
		ap := ta.AddrPort()
		ip := ap.Addr().Unmap().WithZone("")
		if !ip.IsValid() {
			return zeroAddr, nil
		}
		return NewAddr(ip.String(), ap.Port()), nil
	}
	return ParseAddr(a.String())
}

// IP returns the host as an IP address when it is a literal.
func (a Addr) IP() (netip.Addr, bool) {
	if a.Type == AtypDomain {
		return netip.Addr{}, false
	}
	ip, err := netip.ParseAddr(a.Host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

// String returns the address in "host:port" form.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// AppendTo appends ATYP, ADDR, and PORT to b.
func (a Addr) AppendTo(b []byte) ([]byte, error) {
	switch a.Type {
	case AtypIPv4:
		ip, err := netip.ParseAddr(a.Host)
		if err != nil || !ip.Unmap().Is4() {
			return nil, newErrorf(KindUnsupportedAddressType, "invalid IPv4 address %q", a.Host)
		}
		v4 := ip.Unmap().As4()
		b = append(b, AtypIPv4)
		b = append(b, v4[:]...)
	case AtypIPv6:
		ip, err := netip.ParseAddr(a.Host)
		if err != nil {
			return nil, newErrorf(KindUnsupportedAddressType, "invalid IPv6 address %q", a.Host)
		}
		v6 := ip.As16()
		b = append(b, AtypIPv6)
		b = append(b, v6[:]...)
	case AtypDomain:
		if len(a.Host) == 0 || len(a.Host) > 255 {
			return nil, newErrorf(KindUnsupportedAddressType, "domain name length %d out of range", len(a.Host))
		}
		b = append(b, AtypDomain, byte(len(a.Host)))
		b = append(b, a.Host...)
	default:
		return nil, newErrorf(KindUnsupportedAddressType, "atyp 0x%02x", a.Type)
	}
	return binary.BigEndian.AppendUint16(b, a.Port), nil
}

// Bytes encodes the address.
func (a Addr) Bytes() ([]byte, error) {
	return a.AppendTo(nil)
}

// DecodeAddr decodes ATYP, ADDR, and PORT from the start of b and returns the
// number of bytes consumed. It fails with ErrTruncatedInput when b ends before
// the declared field does.
func DecodeAddr(b []byte) (Addr, int, error) {
	if len(b) < 1 {
		return Addr{}, 0, truncated(1, len(b))
	}

	a := Addr{Type: b[0]}
	n := 1
	switch a.Type {
	case AtypIPv4:
		if len(b) < n+4+2 {
			return Addr{}, 0, truncated(n+4+2, len(b))
		}
		a.Host = netip.AddrFrom4([4]byte(b[n : n+4])).String()
		n += 4
	case AtypIPv6:
		if len(b) < n+16+2 {
			return Addr{}, 0, truncated(n+16+2, len(b))
		}
		a.Host = formatIPv6(b[n : n+16])
		n += 16
	case AtypDomain:
		if len(b) < n+1 {
			return Addr{}, 0, truncated(n+1, len(b))
		}
		l := int(b[n])
		if l == 0 {
			return Addr{}, 0, newErrorf(KindUnsupportedAddressType, "empty domain name")
		}
		n++
		if len(b) < n+l+2 {
			return Addr{}, 0, truncated(n+l+2, len(b))
		}
		a.Host = string(b[n : n+l])
		n += l
	default:
		return Addr{}, 0, newErrorf(KindUnsupportedAddressType, "atyp 0x%02x", a.Type)
	}

	a.Port = binary.BigEndian.Uint16(b[n:])
	return a, n + 2, nil
}

func formatIPv6(b []byte) string {
	var sb strings.Builder
	for i := 0; i < 16; i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(strconv.FormatUint(uint64(binary.BigEndian.Uint16(b[i:])), 16))
	}
	return sb.String()
}

func truncated(need, have int) *Error {
	return newErrorf(KindTruncatedInput, "need %d bytes, have %d", need, have)
}
