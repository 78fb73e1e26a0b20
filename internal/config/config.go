package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3xpluto/quotagate/internal/schedule"
)

const envHMACSecret = "QUOTAGATE_HMAC_SECRET"

type Config struct {
	LogLevel  string                                `yaml:"log_level"`
	Server    ServerConfig                          `yaml:"server"`
	Upstream  UpstreamConfig                        `yaml:"upstream"`
	Auth      AuthConfig                            `yaml:"auth"`
	Store     StoreConfig                           `yaml:"store"`
	Admission AdmissionConfig                       `yaml:"admission"`
	Plans     map[string]map[string]schedule.Limits `yaml:"plans"`
	Routes    []RouteConfig                         `yaml:"routes"`
}

type ServerConfig struct {
	Addr                     string   `yaml:"addr"`
	TrustedProxies           []string `yaml:"trusted_proxies"`
	MaxHeaderBytes           int      `yaml:"max_header_bytes"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
}

type UpstreamConfig struct {
	DialTimeoutSeconds           int `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
	IdleConnTimeoutSeconds       int `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int `yaml:"max_idle_conns_per_host"`
}

type AuthConfig struct {
	HMACSecret string `yaml:"hmac_secret"` // HS256 secret for bearer tokens carrying sub + plan
}

type StoreConfig struct {
	Backend       string        `yaml:"backend"` // "redis" | "postgres" | "sqlite" | "memory"
	KeyPrefix     string        `yaml:"key_prefix"`
	TimeoutMillis int           `yaml:"timeout_ms"`
	Redis         RedisConfig   `yaml:"redis"`
	SQL           SQLConfig     `yaml:"sql"`
	Breaker       BreakerConfig `yaml:"breaker"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SQLConfig struct {
	DSN          string `yaml:"dsn"`
	Table        string `yaml:"table"`
	SweepSeconds int    `yaml:"sweep_seconds"`
}

type BreakerConfig struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	OpenSeconds         int `yaml:"open_seconds"`
	HalfOpenMaxInFlight int `yaml:"half_open_max_in_flight"`
}

type AdmissionConfig struct {
	ChargeLongOnShortReject bool   `yaml:"charge_long_on_short_reject"`
	FailurePolicy           string `yaml:"failure_policy"` // "open" | "closed"
	GraceMultiplier         int    `yaml:"grace_multiplier"`
	DefaultPlan             string `yaml:"default_plan"` // unknown plans resolve here; must be the tightest tier
}

type RouteConfig struct {
	Name           string      `yaml:"name"`
	Match          MatchConfig `yaml:"match"`
	Upstream       string      `yaml:"upstream"`
	StripPrefix    string      `yaml:"strip_prefix"`
	Action         string      `yaml:"action"`
	AllowAnonymous bool        `yaml:"allow_anonymous"`
}

type MatchConfig struct {
	PathPrefix string `yaml:"path_prefix"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	if s := os.Getenv(envHMACSecret); s != "" {
		cfg.Auth.HMACSecret = s
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}

	if cfg.Upstream.DialTimeoutSeconds == 0 {
		cfg.Upstream.DialTimeoutSeconds = 5
	}
	if cfg.Upstream.TLSHandshakeTimeoutSeconds == 0 {
		cfg.Upstream.TLSHandshakeTimeoutSeconds = 5
	}
	if cfg.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		cfg.Upstream.ResponseHeaderTimeoutSeconds = 60
	}
	if cfg.Upstream.IdleConnTimeoutSeconds == 0 {
		cfg.Upstream.IdleConnTimeoutSeconds = 90
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 100
	}
	if cfg.Upstream.MaxIdleConnsPerHost == 0 {
		cfg.Upstream.MaxIdleConnsPerHost = 20
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = "quota:"
	}
	if cfg.Store.TimeoutMillis == 0 {
		cfg.Store.TimeoutMillis = 250
	}
	if cfg.Store.SQL.Table == "" {
		cfg.Store.SQL.Table = "quota_counters"
	}
	if cfg.Store.SQL.SweepSeconds == 0 {
		cfg.Store.SQL.SweepSeconds = 300
	}
	if cfg.Store.Breaker.FailureThreshold == 0 {
		cfg.Store.Breaker.FailureThreshold = 5
	}
	if cfg.Store.Breaker.OpenSeconds == 0 {
		cfg.Store.Breaker.OpenSeconds = 10
	}
	if cfg.Store.Breaker.HalfOpenMaxInFlight == 0 {
		cfg.Store.Breaker.HalfOpenMaxInFlight = 1
	}

	if cfg.Admission.FailurePolicy == "" {
		cfg.Admission.FailurePolicy = "open"
	}
	cfg.Admission.FailurePolicy = strings.ToLower(strings.TrimSpace(cfg.Admission.FailurePolicy))
	if cfg.Admission.GraceMultiplier == 0 {
		cfg.Admission.GraceMultiplier = 3
	}
	if cfg.Admission.DefaultPlan == "" {
		cfg.Admission.DefaultPlan = "free"
	}
}

// Validate checks structure only. Individual limits are not rejected here:
// a malformed entry makes its action unlimited and is reported once when
// the schedule is built.
func Validate(cfg *Config) error {
	if len(cfg.Plans) == 0 {
		return errors.New("no plans configured")
	}
	if _, err := cfg.Schedule(); err != nil {
		return fmt.Errorf("admission.default_plan: %w", err)
	}
	switch cfg.Admission.FailurePolicy {
	case "open", "closed":
	default:
		return fmt.Errorf("admission.failure_policy must be 'open' or 'closed'")
	}
	if cfg.Admission.GraceMultiplier < 1 {
		return fmt.Errorf("admission.grace_multiplier must be >= 1")
	}

	switch cfg.Store.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.Store.Redis.Addr) == "" {
			return fmt.Errorf("store.redis.addr is required when backend is redis")
		}
	case "postgres", "sqlite":
		if strings.TrimSpace(cfg.Store.SQL.DSN) == "" {
			return fmt.Errorf("store.sql.dsn is required when backend is %s", cfg.Store.Backend)
		}
	default:
		return fmt.Errorf("store.backend must be one of redis, postgres, sqlite, memory")
	}
	if cfg.Store.TimeoutMillis < 0 {
		return fmt.Errorf("store.timeout_ms cannot be negative")
	}

	if len(cfg.Routes) == 0 {
		return errors.New("no routes configured")
	}
	seenNames := map[string]struct{}{}
	for i, r := range cfg.Routes {
		idx := fmt.Sprintf("routes[%d]", i)
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("%s.name is required", idx)
		}
		if _, ok := seenNames[name]; ok {
			return fmt.Errorf("duplicate route name: %q", name)
		}
		seenNames[name] = struct{}{}

		pp := strings.TrimSpace(r.Match.PathPrefix)
		if pp == "" || !strings.HasPrefix(pp, "/") {
			return fmt.Errorf("%s.match.path_prefix must start with '/'", idx)
		}
		if strings.TrimSpace(r.Action) == "" {
			return fmt.Errorf("%s.action is required", idx)
		}
		if strings.ContainsRune(r.Action, ':') {
			return fmt.Errorf("%s.action must not contain ':'", idx)
		}
		if r.Upstream == "" {
			return fmt.Errorf("%s.upstream is required", idx)
		}
		if _, err := url.Parse(r.Upstream); err != nil {
			return fmt.Errorf("%s.upstream invalid: %v", idx, err)
		}
		if r.StripPrefix != "" && !strings.HasPrefix(r.StripPrefix, "/") {
			return fmt.Errorf("%s.strip_prefix must start with '/' if set", idx)
		}
	}

	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret (or %s) is required", envHMACSecret)
	}
	return nil
}

// Schedule builds the immutable plan/limit table.
func (c *Config) Schedule() (*schedule.Schedule, error) {
	return schedule.New(c.Admission.DefaultPlan, c.Plans)
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Store.TimeoutMillis) * time.Millisecond
}
