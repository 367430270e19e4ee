// Package config loads the service configuration: built-in defaults, then an
// optional YAML file, then environment variables, then explicitly set flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/rewrite-proxy/internal/model"
	"github.com/John-Robertt/rewrite-proxy/internal/rules"
)

// Environment variables read by Load.
const (
	EnvPort        = "PORT"
	EnvDecoyDomain = "CANNON_FODDER_DOMAIN"
	EnvConfigPath  = "REWRITE_PROXY_CONFIG"
)

type Config struct {
	Listen            string        `yaml:"listen"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// PublicScheme is the scheme of minted decoy links.
	PublicScheme   string   `yaml:"public_scheme"`
	DecoyDomain    string   `yaml:"decoy_domain"`
	CanonicalHosts []string `yaml:"canonical_hosts"`
	// FallbackOrigin is the last resort origin for bare resource paths.
	// Empty disables it.
	FallbackOrigin string `yaml:"fallback_origin"`

	PageTimeout     time.Duration     `yaml:"page_timeout"`
	ResourceTimeout time.Duration     `yaml:"resource_timeout"`
	MaxRedirects    int               `yaml:"max_redirects"`
	MaxBodyBytes    int64             `yaml:"max_body_bytes"`
	TLSRetryStep    time.Duration     `yaml:"tls_retry_step"`
	DefaultHeaders  map[string]string `yaml:"default_headers"`

	SessionTTL           time.Duration `yaml:"session_ttl"`
	SessionSweepInterval time.Duration `yaml:"session_sweep_interval"`
	SessionTombstone     time.Duration `yaml:"session_tombstone"`

	Pool PoolConfig `yaml:"pool"`

	BlocklistFile string `yaml:"blocklist_file"`
	// BlockRules are single rule lines such as "DOMAIN-SUFFIX,ads.example,AD".
	// Each one must name its category.
	BlockRules      []string `yaml:"block_rules"`
	CreateLinkRate  float64  `yaml:"create_link_rate"`
	CreateLinkBurst int      `yaml:"create_link_burst"`

	LogLevel string `yaml:"log_level"`
}

type PoolConfig struct {
	Feeds           []FeedConfig  `yaml:"feeds"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
}

// FeedConfig is one proxy list feed. In YAML it is either a bare URL string
// or a mapping {url, protocol}.
type FeedConfig struct {
	URL string `yaml:"url"`
	// Protocol applies to host:port lines that carry no scheme.
	Protocol string `yaml:"protocol"`
}

func (f *FeedConfig) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		f.URL = n.Value
		return nil
	}
	type plain FeedConfig
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*f = FeedConfig(p)
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:               "127.0.0.1:3000",
		ReadHeaderTimeout:    5 * time.Second,
		ShutdownTimeout:      10 * time.Second,
		PublicScheme:         "https",
		DecoyDomain:          "4is.cc",
		CanonicalHosts:       []string{"localhost", "127.0.0.1"},
		PageTimeout:          30 * time.Second,
		ResourceTimeout:      10 * time.Second,
		MaxRedirects:         5,
		MaxBodyBytes:         20 << 20,
		TLSRetryStep:         250 * time.Millisecond,
		SessionTTL:           7 * 24 * time.Hour,
		SessionSweepInterval: time.Hour,
		SessionTombstone:     24 * time.Hour,
		Pool: PoolConfig{
			RefreshInterval: 10 * time.Minute,
			FetchTimeout:    30 * time.Second,
		},
		CreateLinkRate:  5,
		CreateLinkBurst: 10,
		LogLevel:        "info",
	}
}

// WithDefaults fills every zero field from Default.
func (c Config) WithDefaults() Config {
	d := Default()
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = d.Listen
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.PublicScheme == "" {
		c.PublicScheme = d.PublicScheme
	}
	if c.DecoyDomain == "" {
		c.DecoyDomain = d.DecoyDomain
	}
	if len(c.CanonicalHosts) == 0 {
		c.CanonicalHosts = d.CanonicalHosts
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = d.PageTimeout
	}
	if c.ResourceTimeout <= 0 {
		c.ResourceTimeout = d.ResourceTimeout
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = d.MaxRedirects
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.TLSRetryStep <= 0 {
		c.TLSRetryStep = d.TLSRetryStep
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.SessionSweepInterval <= 0 {
		c.SessionSweepInterval = d.SessionSweepInterval
	}
	if c.SessionTombstone <= 0 {
		c.SessionTombstone = d.SessionTombstone
	}
	if c.Pool.RefreshInterval <= 0 {
		c.Pool.RefreshInterval = d.Pool.RefreshInterval
	}
	if c.Pool.FetchTimeout <= 0 {
		c.Pool.FetchTimeout = d.Pool.FetchTimeout
	}
	if c.CreateLinkRate <= 0 {
		c.CreateLinkRate = d.CreateLinkRate
	}
	if c.CreateLinkBurst <= 0 {
		c.CreateLinkBurst = d.CreateLinkBurst
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	return c
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen %q: %w", c.Listen, err)
	}
	if c.PublicScheme != "http" && c.PublicScheme != "https" {
		return fmt.Errorf("public_scheme %q: expected http or https", c.PublicScheme)
	}
	if err := validateDomain(c.DecoyDomain); err != nil {
		return fmt.Errorf("decoy_domain %q: %w", c.DecoyDomain, err)
	}
	for _, h := range c.CanonicalHosts {
		if strings.TrimSpace(h) == "" {
			return errors.New("canonical_hosts: empty entry")
		}
	}
	if c.FallbackOrigin != "" {
		if err := validateOrigin(c.FallbackOrigin); err != nil {
			return fmt.Errorf("fallback_origin %q: %w", c.FallbackOrigin, err)
		}
	}
	if c.MaxRedirects > 20 {
		return fmt.Errorf("max_redirects %d: must be at most 20", c.MaxRedirects)
	}
	for i, f := range c.Pool.Feeds {
		if err := validateHTTPURL(f.URL); err != nil {
			return fmt.Errorf("pool.feeds[%d] %q: %w", i, f.URL, err)
		}
		if _, err := model.ParseProtocol(f.Protocol); err != nil {
			return fmt.Errorf("pool.feeds[%d] protocol %q: %w", i, f.Protocol, err)
		}
	}
	for i, line := range c.BlockRules {
		if _, err := rules.ParseInlineRule(line); err != nil {
			return fmt.Errorf("block_rules[%d] %q: %w", i, line, err)
		}
	}
	for k := range c.DefaultHeaders {
		if strings.TrimSpace(k) == "" || strings.ContainsAny(k, " :\r\n") {
			return fmt.Errorf("default_headers: invalid header name %q", k)
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps log_level to a slog.Level.
func (c Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level %q: expected debug|info|warn|error", c.LogLevel)
	}
}

// Load builds a Config from defaults, the YAML file at path and env. path
// falls back to $REWRITE_PROXY_CONFIG; both empty means no file. env may be
// nil (os.Getenv).
func Load(path string, env func(string) string) (Config, error) {
	if env == nil {
		env = os.Getenv
	}
	if path == "" {
		path = env(EnvConfigPath)
	}

	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		var fileCfg Config
		if err := yamlDecodeStrict(string(b), &fileCfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		c = fileCfg.WithDefaults()
	}

	c.applyEnv(env)
	return c, nil
}

func (c *Config) applyEnv(env func(string) string) {
	if port := strings.TrimSpace(env(EnvPort)); port != "" {
		host, _, err := net.SplitHostPort(c.Listen)
		if err != nil {
			host = ""
		}
		c.Listen = net.JoinHostPort(host, port)
	}
	if d := strings.TrimSpace(env(EnvDecoyDomain)); d != "" {
		c.DecoyDomain = d
	}
}

// Flags holds command line overrides. Only flags that were set on the
// command line are applied.
type Flags struct {
	ConfigPath     string
	Listen         string
	LogLevel       string
	DecoyDomain    string
	FallbackOrigin string
	PublicScheme   string
}

// RegisterFlags defines the override flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.ConfigPath, "config", "", "YAML 配置文件路径（也可用环境变量 "+EnvConfigPath+"）")
	fs.StringVar(&f.Listen, "listen", "", "HTTP 监听地址（默认 127.0.0.1:3000）")
	fs.StringVar(&f.LogLevel, "log-level", "", "日志级别：debug|info|warn|error")
	fs.StringVar(&f.DecoyDomain, "decoy-domain", "", "诱饵域名后缀（也可用环境变量 "+EnvDecoyDomain+"）")
	fs.StringVar(&f.FallbackOrigin, "fallback-origin", "", "裸资源路径的兜底源站（为空则返回 404）")
	fs.StringVar(&f.PublicScheme, "public-scheme", "", "生成诱饵链接使用的 scheme：http|https")
	return f
}

// Apply copies every flag that was set on fs into c.
func (f *Flags) Apply(c *Config, fs *flag.FlagSet) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "listen":
			c.Listen = f.Listen
		case "log-level":
			c.LogLevel = f.LogLevel
		case "decoy-domain":
			c.DecoyDomain = f.DecoyDomain
		case "fallback-origin":
			c.FallbackOrigin = f.FallbackOrigin
		case "public-scheme":
			c.PublicScheme = f.PublicScheme
		}
	})
}

func yamlDecodeStrict(content string, out any) error {
	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	var extra any
	if err := dec.Decode(&extra); err == nil {
		return errors.New("multiple YAML documents are not allowed")
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func validateHTTPURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if u == nil || !u.IsAbs() {
		return errors.New("url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("url host is empty")
	}
	return nil
}

func validateOrigin(s string) error {
	if err := validateHTTPURL(s); err != nil {
		return err
	}
	u, _ := url.Parse(strings.TrimSpace(s))
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return errors.New("origin must not carry a path, query or fragment")
	}
	return nil
}

func validateDomain(d string) error {
	switch {
	case d == "":
		return errors.New("must not be empty")
	case strings.ContainsAny(d, "/:@ "):
		return errors.New("must be a bare domain name")
	case !strings.Contains(strings.Trim(d, "."), "."):
		return errors.New("must have at least two labels")
	}
	return nil
}
