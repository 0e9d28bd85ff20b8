package dialer

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/socksrelay/internal/resolver"
)

type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	// Resolver is used by upstreams that resolve names locally.
	Resolver resolver.Resolver

	Logger logrus.FieldLogger
}
