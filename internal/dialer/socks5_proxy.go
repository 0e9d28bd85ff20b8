package dialer

import (
	"github.com/die-net/socksrelay/internal/client"
	"github.com/die-net/socksrelay/internal/socks5"
)

// NewSOCKS5ProxyDialer chains outbound connections through the SOCKS5 proxy
// at proxyAddr. An empty user selects no authentication. With localDNS set,
// hostnames are resolved here and sent to the proxy as addresses, falling
// back to the hostname when the lookup fails.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, user, pass string, localDNS bool) (*client.Client, error) {
	var auth socks5.Authenticator = socks5.NoAuth{}
	if user != "" {
		auth = &socks5.UserPass{Username: user, Password: pass}
	}

	return client.New(client.Config{
		ProxyAddr:          proxyAddr,
		Auth:               auth,
		DNSLocal:           localDNS,
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          cfg.KeepAlive,
		Resolver:           cfg.Resolver,
		Logger:             cfg.Logger,
	})
}
