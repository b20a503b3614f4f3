// Package config loads the gateway's configuration file.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's top-level configuration.
type Config struct {
	ListenAddress    string            `yaml:"listen_address"`
	BackendDB        string            `yaml:"backend_db"`
	SQLFile          string            `yaml:"sql_file"`
	MySQLConnTimeout time.Duration     `yaml:"mysql_conn_timeout"`
	ConnPoolCapacity int               `yaml:"conn_pool_capacity"`
	TxnIdleTimeout   time.Duration     `yaml:"txn_idle_timeout"`
	DBNameVars       map[string]string `yaml:"dbname_vars"`

	// OpsAddress is not part of spec §6's recognized key table; it
	// configures the supplemented operations HTTP surface (internal/opsapi).
	OpsAddress string `yaml:"ops_address"`
}

// maxTxnIdleTimeout mirrors the original's clamp: a transaction held
// longer than this is almost certainly a leaked caller, not a real
// long-running unit of work.
const maxTxnIdleTimeout = 1800 * time.Second

// ListenAddr returns the host:port portion of ListenAddress.
func (c *Config) ListenAddr() (string, error) {
	u, err := url.Parse(c.ListenAddress)
	if err != nil {
		return "", fmt.Errorf("parsing listen_address: %w", err)
	}
	return u.Host, nil
}

// BackendDSN returns BackendDB in go-sql-driver/mysql's DSN form.
func (c *Config) BackendDSN() (string, error) {
	u, err := url.Parse(c.BackendDB)
	if err != nil {
		return "", fmt.Errorf("parsing backend_db: %w", err)
	}
	if u.Scheme != "mysql" {
		return "", fmt.Errorf("backend_db: unsupported scheme %q (want mysql)", u.Scheme)
	}
	dbname := strings.TrimPrefix(u.Path, "/")
	dsn := fmt.Sprintf("%s@tcp(%s)/%s?parseTime=false", u.User.String(), u.Host, dbname)
	return dsn, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving unmatched references untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution,
// applying defaults and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "tcp://0.0.0.0:3406"
	}
	if cfg.OpsAddress == "" {
		cfg.OpsAddress = "127.0.0.1:9090"
	}
	if cfg.SQLFile == "" {
		cfg.SQLFile = "sqls"
	}
	if cfg.MySQLConnTimeout == 0 {
		cfg.MySQLConnTimeout = 180 * time.Second
	}
	if cfg.ConnPoolCapacity == 0 {
		cfg.ConnPoolCapacity = 100
	}
	if cfg.TxnIdleTimeout == 0 {
		cfg.TxnIdleTimeout = 600 * time.Second
	}
	if cfg.TxnIdleTimeout > maxTxnIdleTimeout {
		log.Printf("txn_idle_timeout %s exceeds %s, clamped", cfg.TxnIdleTimeout, maxTxnIdleTimeout)
		cfg.TxnIdleTimeout = maxTxnIdleTimeout
	}
}

func validate(cfg *Config) error {
	if cfg.BackendDB == "" {
		return fmt.Errorf("backend_db is required")
	}
	if cfg.ConnPoolCapacity <= 0 {
		return fmt.Errorf("conn_pool_capacity must be positive, got %d", cfg.ConnPoolCapacity)
	}
	return nil
}
