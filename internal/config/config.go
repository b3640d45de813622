// Package config loads relayctl configuration from TOML with environment
// overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

type ClientConfig struct {
	BaseURL           string `toml:"base_url"`
	RequestTimeoutMS  int    `toml:"request_timeout_ms"`
	AllowDuplicates   bool   `toml:"allow_duplicate_requests"`
	TransportWorkers  int    `toml:"transport_workers"`
	TransportQueueLen int    `toml:"transport_queue_len"`
	CAFile            string `toml:"ca_file"`
}

// RequestTimeout converts the configured millisecond value.
func (c ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

type LoginConfig struct {
	Mode                 string `toml:"mode"` // "anonymous" or "session"
	LoginURL             string `toml:"login_url"`
	LogoutURL            string `toml:"logout_url"`
	Username             string `toml:"username"`
	Password             string `toml:"password"`
	DomainDependsOnLogin bool   `toml:"domain_depends_on_login"`
}

type AdminConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type ProbeConfig struct {
	Method string `toml:"method"`
	Path   string `toml:"path"`
	Tag    string `toml:"tag"`
	Count  int    `toml:"count"`
}

type Config struct {
	Client ClientConfig  `toml:"client"`
	Login  LoginConfig   `toml:"login"`
	Admin  AdminConfig   `toml:"admin"`
	Probes []ProbeConfig `toml:"probe"`
}

// envOverrides are applied after the file, RELAYQ_ prefixed.
type envOverrides struct {
	BaseURL   string `envconfig:"BASE_URL"`
	AdminAddr string `envconfig:"ADMIN_ADDR"`
	Username  string `envconfig:"LOGIN_USERNAME"`
	Password  string `envconfig:"LOGIN_PASSWORD"`
}

func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Default() Config {
	return Config{
		Client: ClientConfig{
			RequestTimeoutMS:  1500,
			TransportWorkers:  4,
			TransportQueueLen: 64,
		},
		Login: LoginConfig{Mode: "anonymous"},
		Admin: AdminConfig{Addr: ":9300"},
	}
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("relayq", &env); err != nil {
		return fmt.Errorf("config env overrides: %w", err)
	}
	if env.BaseURL != "" {
		cfg.Client.BaseURL = env.BaseURL
	}
	if env.AdminAddr != "" {
		cfg.Admin.Addr = env.AdminAddr
	}
	if env.Username != "" {
		cfg.Login.Username = env.Username
	}
	if env.Password != "" {
		cfg.Login.Password = env.Password
	}
	return nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Client.BaseURL) == "" {
		return fmt.Errorf("client config missing base_url")
	}
	if cfg.Client.RequestTimeoutMS <= 0 {
		return fmt.Errorf("client config request_timeout must be positive")
	}
	if strings.TrimSpace(cfg.Admin.Addr) == "" {
		return fmt.Errorf("admin config missing addr")
	}
	switch cfg.Login.Mode {
	case "anonymous":
	case "session":
		if strings.TrimSpace(cfg.Login.LoginURL) == "" {
			return fmt.Errorf("login config missing login_url for session mode")
		}
	default:
		return fmt.Errorf("login config mode must be anonymous or session, got %q", cfg.Login.Mode)
	}
	for i, probe := range cfg.Probes {
		if err := ValidateProbe(probe); err != nil {
			return fmt.Errorf("probe[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func ValidateProbe(probe ProbeConfig) error {
	if strings.TrimSpace(probe.Method) == "" {
		return fmt.Errorf("method is required")
	}
	if strings.TrimSpace(probe.Path) == "" {
		return fmt.Errorf("path is required")
	}
	if probe.Count < 0 {
		return fmt.Errorf("count must not be negative")
	}
	return nil
}
