package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	nperrors "github.com/pshima/natproxy/internal/errors"
	"github.com/pshima/natproxy/pkg/encrypt"
	"github.com/pshima/natproxy/pkg/nat"
	"github.com/pshima/natproxy/pkg/packet"
	"github.com/pshima/natproxy/pkg/tunnel"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	TunName       string        `yaml:"tun_name"`
	VirtualIP     string        `yaml:"virtual_ip"`
	MTU           int           `yaml:"mtu"` // largest packet written back, caps DNS replies
	ProxyListen   string        `yaml:"proxy_listen"`
	ProxyPort     int           `yaml:"proxy_port"` // 0 picks a free port at start
	BufferSize    int           `yaml:"buffer_size"`
	LogFile       string        `yaml:"log_file"`
	LogFormat     string        `yaml:"log_format"`
	Verbose       bool          `yaml:"verbose"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	ProtectMark   int           `yaml:"protect_mark"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	DNS           DNSConfig     `yaml:"dns"`
	Session       SessionConfig `yaml:"session"`
	Proxies       []ProxyConfig `yaml:"proxies,omitempty"`
	Rules         []RuleConfig  `yaml:"rules,omitempty"`
	DefaultProxy  string        `yaml:"default_proxy,omitempty"`
}

// DNSConfig controls forwarding of queries captured on the virtual interface.
type DNSConfig struct {
	Upstreams []string      `yaml:"upstreams"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// SessionConfig controls eviction from the session table.
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	Linger        time.Duration `yaml:"linger"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ProxyConfig is one named upstream tunnel endpoint.
type ProxyConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Address  string `yaml:"address,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Method   string `yaml:"method,omitempty"`
}

// RuleConfig routes destinations whose name ends in DomainSuffix to Proxy.
type RuleConfig struct {
	DomainSuffix string `yaml:"domain_suffix"`
	Proxy        string `yaml:"proxy"`
}

// CLIOptions represents command-line options
type CLIOptions struct {
	TunName     string
	Port        int
	LogFile     string
	MetricsAddr string
	Verbose     bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		TunName:       "natproxy0",
		VirtualIP:     "10.1.10.1",
		MTU:           1500,
		BufferSize:    packet.MaxPacketSize,
		DialTimeout:   10 * time.Second,
		StatsInterval: 30 * time.Second,
		DNS: DNSConfig{
			Upstreams: []string{"1.1.1.1:53", "8.8.8.8:53"},
			Timeout:   2 * time.Second,
			CacheSize: 4096,
			CacheTTL:  10 * time.Minute,
		},
		Session: SessionConfig{
			IdleTimeout:   nat.DefaultPolicy.Idle,
			Linger:        nat.DefaultPolicy.Linger,
			SweepInterval: 30 * time.Second,
		},
	}
}

// Load loads configuration from file and merges with CLI options
func Load(configFile string, cliOpts CLIOptions) (*Config, error) {
	cfg := DefaultConfig()

	// Load from file if provided
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, nperrors.Wrap(err, nperrors.KindConfig, "failed to read config file")
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, nperrors.Wrap(err, nperrors.KindConfig, "failed to parse config file")
		}
	}

	// Override with CLI options
	if cliOpts.TunName != "" {
		cfg.TunName = cliOpts.TunName
	}
	if cliOpts.Port != 0 {
		cfg.ProxyPort = cliOpts.Port
	}
	if cliOpts.LogFile != "" {
		cfg.LogFile = cliOpts.LogFile
	}
	if cliOpts.MetricsAddr != "" {
		cfg.MetricsAddr = cliOpts.MetricsAddr
	}
	if cliOpts.Verbose {
		cfg.Verbose = cliOpts.Verbose
	}

	if err := cfg.Validate(); err != nil {
		return nil, nperrors.Wrap(err, nperrors.KindConfig, "invalid configuration")
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	ip, err := netip.ParseAddr(c.VirtualIP)
	if err != nil || !ip.Is4() {
		return fmt.Errorf("virtual_ip must be an IPv4 address: %q", c.VirtualIP)
	}
	if c.MTU < 576 || c.MTU > packet.MaxPacketSize {
		return fmt.Errorf("mtu must be between 576 and %d: %d", packet.MaxPacketSize, c.MTU)
	}
	if c.ProxyPort < 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("invalid port number: %d", c.ProxyPort)
	}
	if c.ProxyListen != "" {
		if _, err := netip.ParseAddr(c.ProxyListen); err != nil {
			return fmt.Errorf("proxy_listen must be an IP address: %q", c.ProxyListen)
		}
	}
	if c.BufferSize < c.MTU || c.BufferSize > packet.MaxPacketSize {
		return fmt.Errorf("buffer_size must be between mtu and %d bytes", packet.MaxPacketSize)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive")
	}

	if len(c.DNS.Upstreams) == 0 {
		return fmt.Errorf("dns.upstreams must not be empty")
	}
	for _, up := range c.DNS.Upstreams {
		if up == "" {
			return fmt.Errorf("dns.upstreams contains an empty address")
		}
	}
	if c.DNS.Timeout <= 0 {
		return fmt.Errorf("dns.timeout must be positive")
	}
	if c.DNS.CacheSize < 0 {
		return fmt.Errorf("dns.cache_size must not be negative")
	}

	if c.Session.IdleTimeout <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.idle_timeout and session.sweep_interval must be positive")
	}
	if c.Session.Linger < 0 {
		return fmt.Errorf("session.linger must not be negative")
	}

	proxies, err := c.TunnelConfigs()
	if err != nil {
		return err
	}
	for _, p := range proxies {
		if err := validateProxy(p); err != nil {
			return err
		}
	}
	if _, err := tunnel.NewStaticRouter(proxies, c.TunnelRules(), c.DefaultProxy); err != nil {
		return err
	}

	return nil
}

func validateProxy(p tunnel.Config) error {
	if p.Name == "" {
		return fmt.Errorf("proxy without a name")
	}
	if p.Kind == tunnel.KindRaw {
		return nil
	}
	if p.Address == "" {
		return fmt.Errorf("proxy %q requires an address", p.Name)
	}
	if p.Kind == tunnel.KindEncryptedRelay {
		if p.Password == "" {
			return fmt.Errorf("proxy %q requires a password", p.Name)
		}
		if _, err := encrypt.Lookup(p.Method); err != nil {
			return fmt.Errorf("proxy %q: %w", p.Name, err)
		}
	}
	return nil
}

// VirtualAddr returns the parsed virtual interface address.
func (c *Config) VirtualAddr() netip.Addr {
	ip, _ := netip.ParseAddr(c.VirtualIP)
	return ip
}

// DNSUpstreams lists the resolvers DNS queries are forwarded to.
func (c *Config) DNSUpstreams() []string {
	return c.DNS.Upstreams
}

// TunnelConfigs converts the configured proxies into tunnel configurations.
func (c *Config) TunnelConfigs() ([]tunnel.Config, error) {
	out := make([]tunnel.Config, 0, len(c.Proxies))
	for _, p := range c.Proxies {
		kind, err := tunnel.ParseKind(p.Kind)
		if err != nil {
			return nil, fmt.Errorf("proxy %q: %w", p.Name, err)
		}
		out = append(out, tunnel.Config{
			Name:     p.Name,
			Kind:     kind,
			Address:  p.Address,
			Username: p.Username,
			Password: p.Password,
			Method:   p.Method,
		})
	}
	return out, nil
}

func (c *Config) TunnelRules() []tunnel.Rule {
	out := make([]tunnel.Rule, 0, len(c.Rules))
	for _, r := range c.Rules {
		out = append(out, tunnel.Rule{DomainSuffix: r.DomainSuffix, Proxy: r.Proxy})
	}
	return out
}

// Router builds the destination router described by proxies, rules and
// default_proxy.
func (c *Config) Router() (*tunnel.StaticRouter, error) {
	proxies, err := c.TunnelConfigs()
	if err != nil {
		return nil, nperrors.Wrap(err, nperrors.KindConfig, "build router")
	}
	return tunnel.NewStaticRouter(proxies, c.TunnelRules(), c.DefaultProxy)
}

// EvictionPolicy returns the session eviction policy.
func (c *Config) EvictionPolicy() nat.IdlePolicy {
	return nat.IdlePolicy{Idle: c.Session.IdleTimeout, Linger: c.Session.Linger}
}

// Marshal returns the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Save writes the configuration to a file
func (c *Config) Save(filename string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
