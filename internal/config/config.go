// Package config loads YAML configuration files and merges them under
// command-line flags: a value from the file only applies when the matching
// flag was not set explicitly.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Auth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Server struct {
	Listen                  string         `yaml:"listen"`
	ConnectionLimit         *int           `yaml:"connection_limit"`
	Blacklist               []string       `yaml:"blacklist"`
	DisableDefaultBlacklist *bool          `yaml:"disable_default_blacklist"`
	Auth                    *Auth          `yaml:"auth"`
	NegotiationTimeout      *time.Duration `yaml:"negotiation_timeout"`
	DialTimeout             *time.Duration `yaml:"dial_timeout"`
	DNSCacheTTL             *time.Duration `yaml:"dns_cache_ttl"`
	Upstream                string         `yaml:"upstream"`
	TCPKeepAlive            string         `yaml:"tcp_keepalive"`
}

type Client struct {
	Proxy     string `yaml:"proxy"`
	Auth      *Auth  `yaml:"auth"`
	DNSLocal  *bool  `yaml:"dns_local"`
	DNSStrict *bool  `yaml:"dns_strict"`
}

// File is the layout of a configuration file.
type File struct {
	LogLevel string  `yaml:"log_level"`
	LogJSON  *bool   `yaml:"log_json"`
	Server   *Server `yaml:"server"`
	Client   *Client `yaml:"client"`
}

// Load reads and strictly decodes path. Unknown keys are errors.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &f, nil
}

type setting struct {
	flag  string
	value string
}

func (f *File) settings() []setting {
	var s []setting
	add := func(flag, value string) {
		s = append(s, setting{flag: flag, value: value})
	}
	addString := func(flag, value string) {
		if value != "" {
			add(flag, value)
		}
	}
	addBool := func(flag string, v *bool) {
		if v != nil {
			add(flag, strconv.FormatBool(*v))
		}
	}
	addDuration := func(flag string, v *time.Duration) {
		if v != nil {
			add(flag, v.String())
		}
	}

	addString("log-level", f.LogLevel)
	addBool("log-json", f.LogJSON)

	if srv := f.Server; srv != nil {
		addString("listen", srv.Listen)
		if srv.ConnectionLimit != nil {
			add("connection-limit", strconv.Itoa(*srv.ConnectionLimit))
		}
		if len(srv.Blacklist) > 0 {
			add("blacklist", strings.Join(srv.Blacklist, ","))
		}
		addBool("disable-default-blacklist", srv.DisableDefaultBlacklist)
		if srv.Auth != nil {
			addString("username", srv.Auth.Username)
			addString("password", srv.Auth.Password)
		}
		addDuration("negotiation-timeout", srv.NegotiationTimeout)
		addDuration("dial-timeout", srv.DialTimeout)
		addDuration("dns-cache-ttl", srv.DNSCacheTTL)
		addString("upstream", srv.Upstream)
		addString("tcp-keepalive", srv.TCPKeepAlive)
	}

	if cl := f.Client; cl != nil {
		addString("proxy", cl.Proxy)
		if cl.Auth != nil {
			addString("proxy-username", cl.Auth.Username)
			addString("proxy-password", cl.Auth.Password)
		}
		addBool("dns-local", cl.DNSLocal)
		addBool("dns-strict", cl.DNSStrict)
	}

	return s
}

// ApplyTo sets each flag in fs that the file configures and the command line
// left unset. Settings for flags fs does not define are ignored.
func (f *File) ApplyTo(fs *pflag.FlagSet) error {
	for _, s := range f.settings() {
		fl := fs.Lookup(s.flag)
		if fl == nil || fl.Changed {
			continue
		}
		if err := fs.Set(s.flag, s.value); err != nil {
			return fmt.Errorf("config %s: %w", s.flag, err)
		}
	}
	return nil
}
