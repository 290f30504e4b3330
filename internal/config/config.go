package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/nodehost/internal/archive"
	"github.com/loykin/nodehost/internal/auth"
	"github.com/loykin/nodehost/internal/logger"
	"github.com/loykin/nodehost/internal/monitor"
	"github.com/loykin/nodehost/internal/node"
)

// EnvPrefix prefixes environment overrides, e.g. NODEHOST_SERVER_LISTEN.
const EnvPrefix = "NODEHOST"

const (
	DefaultListen  = ":3031"
	DefaultDataDir = "data"
	storeFile      = "nodes.db"
)

// Config is the top-level structure of the controller configuration file.
type Config struct {
	DataDir string            `mapstructure:"data_dir"`
	Server  ServerConfig      `mapstructure:"server"`
	Store   StoreConfig       `mapstructure:"store"`
	Auth    auth.Config       `mapstructure:"auth"`
	Node    NodeConfig        `mapstructure:"node"`
	Monitor MonitorConfig     `mapstructure:"monitor"`
	History HistoryConfig     `mapstructure:"history"`
	Metrics MetricsConfig     `mapstructure:"metrics"`
	Archive ArchiveConfig     `mapstructure:"archive"`
	Log     logger.SlogConfig `mapstructure:"log"`
}

type ServerConfig struct {
	Listen        string     `mapstructure:"listen"`
	BasePath      string     `mapstructure:"base_path"`
	TLS           *TLSConfig `mapstructure:"tls"`
	TLSMinVersion string     `mapstructure:"tls_min_version"`
	TLSMaxVersion string     `mapstructure:"tls_max_version"`
}

// TLSConfig selects the server certificate. CertFile/KeyFile win over Dir;
// with Dir and AutoGenerate a self-signed pair is created when missing.
type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type StoreConfig struct {
	// DSN is a sqlite path, sqlite:// URL or postgres:// URL. Empty means
	// <data_dir>/nodes.db.
	DSN string `mapstructure:"dsn"`
}

// NodeConfig holds the controller settings. Env entries are KEY=VALUE
// strings since config keys are case-insensitive; they override variables
// read from EnvFiles.
type NodeConfig struct {
	SettleWindow   time.Duration `mapstructure:"settle_window"`
	OutputLimit    int           `mapstructure:"output_limit"`
	Interpreter    string        `mapstructure:"interpreter"`
	PackageManager string        `mapstructure:"package_manager"`
	LogDir         string        `mapstructure:"log_dir"`
	Env            []string      `mapstructure:"env"`
	EnvFiles       []string      `mapstructure:"env_files"`

	vars map[string]string
}

// Controller converts the section into node.Config.
func (n NodeConfig) Controller() node.Config {
	env := make(map[string]string, len(n.vars))
	for k, v := range n.vars {
		env[k] = v
	}
	return node.Config{
		SettleWindow:   n.SettleWindow,
		OutputLimit:    n.OutputLimit,
		Interpreter:    n.Interpreter,
		PackageManager: n.PackageManager,
		Env:            env,
		LogDir:         n.LogDir,
	}
}

func (n *NodeConfig) resolveEnv(base string) error {
	n.vars = map[string]string{}
	for _, p := range n.EnvFiles {
		if !filepath.IsAbs(p) && base != "" {
			p = filepath.Join(base, p)
		}
		pairs, err := loadEnvFile(p)
		if err != nil {
			return fmt.Errorf("node.env_files: %w", err)
		}
		for k, v := range pairs {
			n.vars[k] = v
		}
	}
	for _, kv := range n.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("node.env: invalid entry %q", kv)
		}
		n.vars[strings.TrimSpace(k)] = v
	}
	return nil
}

type MonitorConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ArchiveConfig struct {
	Mirror archive.MirrorConfig `mapstructure:"mirror"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", auth.DefaultTokenTTL)
	v.SetDefault("auth.bcrypt_cost", 0)
	v.SetDefault("node.settle_window", node.DefaultSettleWindow)
	v.SetDefault("node.output_limit", 0)
	v.SetDefault("node.interpreter", node.DefaultInterpreter)
	v.SetDefault("node.package_manager", node.DefaultPackageManager)
	v.SetDefault("node.log_dir", "")
	v.SetDefault("node.env", []string{})
	v.SetDefault("node.env_files", []string{})
	v.SetDefault("monitor.concurrency", monitor.DefaultConcurrency)
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("archive.mirror.endpoint", "")
	v.SetDefault("archive.mirror.bucket", "")
	v.SetDefault("archive.mirror.access_key", "")
	v.SetDefault("archive.mirror.secret_key", "")
	v.SetDefault("archive.mirror.region", "")
	v.SetDefault("archive.mirror.use_ssl", false)
	v.SetDefault("archive.mirror.prefix", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
}

// Load reads the configuration file at path (TOML unless the extension says
// YAML), then applies NODEHOST_* environment overrides. An empty path yields
// the defaults plus the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "toml"
	}
}

// normalize fills derived values and validates the result. Relative env file
// paths are resolved against base.
func (c *Config) normalize(base string) error {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Store.DSN == "" {
		c.Store.DSN = filepath.Join(c.DataDir, storeFile)
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with '/': %q", c.Server.BasePath)
	}
	if c.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	if c.Node.SettleWindow < 0 {
		return fmt.Errorf("node.settle_window must not be negative: %s", c.Node.SettleWindow)
	}
	if c.Node.SettleWindow > time.Minute {
		return fmt.Errorf("node.settle_window too large: %s", c.Node.SettleWindow)
	}
	if c.Node.OutputLimit < 0 {
		return fmt.Errorf("node.output_limit must not be negative: %d", c.Node.OutputLimit)
	}
	if c.Monitor.Concurrency <= 0 {
		c.Monitor.Concurrency = monitor.DefaultConcurrency
	}
	if c.Archive.Mirror.Enabled() {
		if err := c.Archive.Mirror.Validate(); err != nil {
			return err
		}
	}
	return c.Node.resolveEnv(base)
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
