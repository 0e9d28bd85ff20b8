package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/socksrelay/internal/blacklist"
	"github.com/die-net/socksrelay/internal/client"
	"github.com/die-net/socksrelay/internal/config"
	"github.com/die-net/socksrelay/internal/dialer"
	"github.com/die-net/socksrelay/internal/logging"
	"github.com/die-net/socksrelay/internal/proxy"
	"github.com/die-net/socksrelay/internal/resolver"
	"github.com/die-net/socksrelay/internal/socks5"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	logLevel   string
	logJSON    bool
	verbose    bool

	listen                  string
	connectionLimit         int
	blacklist               []string
	disableDefaultBlacklist bool
	username                string
	password                string
	upstream                string
	dialTimeout             time.Duration
	negotiationTimeout      time.Duration
	dnsCacheTTL             time.Duration
	tcpKeepAlive            string

	connect       string
	proxyAddr     string
	proxyUsername string
	proxyPassword string
	dnsLocal      bool
	dnsStrict     bool
}

func run() error {
	var o options

	fs := pflag.CommandLine
	fs.StringVar(&o.configPath, "config", "", "YAML config file. Flags given on the command line override it.")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.BoolVar(&o.logJSON, "log-json", false, "Log one JSON object per line")
	fs.BoolVar(&o.verbose, "verbose", false, "Enable per-connection logging (same as --log-level=debug)")

	fs.StringVar(&o.listen, "listen", "127.0.0.1:1080", "SOCKS5 server listen address")
	fs.IntVar(&o.connectionLimit, "connection-limit", 0, "Maximum simultaneous inbound connections, 0 for unlimited")
	fs.StringSliceVar(&o.blacklist, "blacklist", nil, "Additional destination CIDRs to refuse (repeatable or comma-separated)")
	fs.BoolVar(&o.disableDefaultBlacklist, "disable-default-blacklist", false, "Allow private and link-local destinations")
	fs.StringVar(&o.username, "username", "", "Require username/password authentication with this username")
	fs.StringVar(&o.password, "password", "", "Password for --username")
	fs.StringVar(&o.upstream, "upstream", defaultUpstream(), "Outbound route: direct:// | socks5://[user:pass@]host:port | socks5h://[user:pass@]host:port")
	fs.DurationVar(&o.dialTimeout, "dial-timeout", 10*time.Second, "Timeout for outbound TCP connect")
	fs.DurationVar(&o.negotiationTimeout, "negotiation-timeout", 10*time.Second, "Timeout for handshake, policy decision and DNS")
	fs.DurationVar(&o.dnsCacheTTL, "dns-cache-ttl", time.Minute, "How long to cache DNS answers, 0 to disable")
	fs.StringVar(&o.tcpKeepAlive, "tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

	fs.StringVar(&o.connect, "connect", "", "Client mode: tunnel stdin/stdout to this host:port through --proxy")
	fs.StringVar(&o.proxyAddr, "proxy", "127.0.0.1:1080", "Client mode: SOCKS5 proxy address")
	fs.StringVar(&o.proxyUsername, "proxy-username", "", "Client mode: username for the proxy")
	fs.StringVar(&o.proxyPassword, "proxy-password", "", "Client mode: password for the proxy")
	fs.BoolVar(&o.dnsLocal, "dns-local", false, "Client mode: resolve the destination locally")
	fs.BoolVar(&o.dnsStrict, "dns-strict", false, "Client mode: fail if --dns-local resolution fails")

	fs.SortFlags = false
	pflag.Parse()

	if o.configPath != "" {
		f, err := config.Load(o.configPath)
		if err != nil {
			return err
		}
		if err := f.ApplyTo(fs); err != nil {
			return err
		}
	}

	if o.verbose {
		o.logLevel = "debug"
	}
	log, err := logging.New(logging.Config{Level: o.logLevel, JSON: o.logJSON})
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}

	ka, err := parseTCPKeepAlive(o.tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := resolver.New(resolver.Config{TTL: o.dnsCacheTTL, Timeout: o.negotiationTimeout})

	if o.connect != "" {
		return runClient(ctx, o, ka, res, log)
	}
	return runServer(ctx, o, ka, res, log)
}

func runServer(ctx context.Context, o options, ka net.KeepAliveConfig, res *resolver.CachingResolver, log *logrus.Logger) error {
	if (o.username == "") != (o.password == "") {
		return errors.New("--username and --password must be set together")
	}

	bl, err := blacklist.New(blacklist.Config{CIDRs: o.blacklist, DisableDefaults: o.disableDefaultBlacklist})
	if err != nil {
		return fmt.Errorf("invalid --blacklist: %w", err)
	}

	cfg := proxy.Config{
		NegotiationTimeout: o.negotiationTimeout,
		KeepAlive:          ka,
		ConnectionLimit:    o.connectionLimit,
		Blacklist:          bl,
		Resolver:           res,
		Logger:             log,
	}
	if o.username != "" {
		cfg.Auth = &socks5.UserPass{Verify: socks5.StaticCredentials(map[string]string{o.username: o.password})}
	}

	cfg.Dialer, err = dialer.New(dialer.Config{
		DialTimeout:        o.dialTimeout,
		NegotiationTimeout: o.negotiationTimeout,
		KeepAlive:          ka,
		Resolver:           res,
		Logger:             log,
	}, o.upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	ln, err := proxy.ListenTCP(ctx, "tcp", o.listen, ka)
	if err != nil {
		return fmt.Errorf("socks5 listen: %w", err)
	}

	srv, err := proxy.NewSOCKS5Server(ctx, cfg)
	if err != nil {
		_ = ln.Close()
		return err
	}

	g := errgroup.Group{}
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, proxy.ErrServerClosed) {
			return fmt.Errorf("socks5 serve: %w", err)
		}
		return nil
	})

	log.WithFields(logrus.Fields{
		"listen":     ln.Addr().String(),
		"upstream":   o.upstream,
		"auth":       o.username != "",
		"blacklist":  len(bl.Prefixes()),
		"conn_limit": o.connectionLimit,
	}).Info("socks5 proxy listening")

	err = g.Wait()

	log.Info("shutting down")
	return err
}

func runClient(ctx context.Context, o options, ka net.KeepAliveConfig, res *resolver.CachingResolver, log *logrus.Logger) error {
	var auth socks5.Authenticator = socks5.NoAuth{}
	if o.proxyUsername != "" {
		auth = &socks5.UserPass{Username: o.proxyUsername, Password: o.proxyPassword}
	}

	cl, err := client.New(client.Config{
		ProxyAddr:          o.proxyAddr,
		Auth:               auth,
		DNSLocal:           o.dnsLocal,
		DNSStrict:          o.dnsStrict,
		DialTimeout:        o.dialTimeout,
		NegotiationTimeout: o.negotiationTimeout,
		KeepAlive:          ka,
		Resolver:           res,
		Logger:             log,
	})
	if err != nil {
		return err
	}

	conn, err := cl.DialContext(ctx, "tcp", o.connect)
	if err != nil {
		return err
	}
	tun := conn.(*client.Tunnel)
	context.AfterFunc(ctx, func() { _ = tun.Close() })

	log.WithFields(logrus.Fields{
		"proxy": o.proxyAddr,
		"dst":   o.connect,
		"bound": tun.BoundAddr().String(),
	}).Debug("tunnel open")

	// Stdin EOF does not end the tunnel; the remote side closing does.
	go func() {
		_, _ = io.Copy(tun, os.Stdin)
	}()

	_, err = io.Copy(os.Stdout, tun)
	_ = tun.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
