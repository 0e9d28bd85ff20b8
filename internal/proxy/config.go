package proxy

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/socksrelay/internal/blacklist"
	"github.com/die-net/socksrelay/internal/dialer"
	"github.com/die-net/socksrelay/internal/resolver"
	"github.com/die-net/socksrelay/internal/socks5"
)

type Config struct {
	// NegotiationTimeout bounds the handshake, the policy decision, DNS
	// and the outbound connect. Zero disables it.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// ConnectionLimit caps simultaneous inbound connections. Zero means
	// unlimited.
	ConnectionLimit int

	// Auth is the one method the server accepts. Nil means socks5.NoAuth.
	Auth socks5.Authenticator

	// Blacklist nil means the default private ranges.
	Blacklist *blacklist.Blacklist

	// Resolver nil means a caching system resolver.
	Resolver resolver.Resolver

	// Dialer nil means a direct dialer.
	Dialer dialer.Dialer

	// Policy nil accepts every request.
	Policy Policy

	// OnSessionClose, if set, is called once per admitted session after
	// it ends, with the error Admit returned.
	OnSessionClose SessionCloseFunc

	Logger logrus.FieldLogger
}
