package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        int
	GinMode     string
	TLSCertFile string
	TLSKeyFile  string

	MasterSecret string
	DatabasePath string

	SessionTTL          time.Duration
	SessionCookieName   string
	SessionCookieSecure bool
	ChallengeTTL        time.Duration

	RPID     string
	RPOrigin string
	RPName   string

	Argon2MemoryKiB uint32
	Argon2Time      uint32
	Argon2Threads   uint8

	SandboxBinary      string
	SandboxArgs        []string
	SandboxDataDir     string
	SandboxLogDir      string
	SandboxPortMin     int
	SandboxPortMax     int
	IdleTimeout        time.Duration
	ReapInterval       time.Duration
	ReadyTimeout       time.Duration
	ReadyPoll          time.Duration
	HealthPath         string
	StopGrace          time.Duration
	MaxRestarts        int
	RestartBackoff     time.Duration
	RestartBackoffMax  time.Duration
	UpstreamTimeout    time.Duration
	AllowedOrigins     []string
	FrontendDist       string
	AuthRateLimit      int
	LogLevel           string
	LogFormat          string
	SessionPurgePeriod time.Duration

	ProviderToken     string
	ProviderUpstreams []ProviderUpstream
}

// ProviderUpstream is one allowlisted model provider for the provider
// gateway. APIKey comes from PROVIDER_API_KEY_<NAME>.
type ProviderUpstream struct {
	Name    string
	BaseURL *url.URL
	APIKey  string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// viperEnv reads keys from an optional .env file, with the process
// environment taking precedence.
type viperEnv struct {
	v *viper.Viper
}

func (e viperEnv) Getenv(key string) string { return e.v.GetString(key) }

// FileEnv returns an Env backed by the .env file at path. A missing file is
// not an error; a malformed one is.
func FileEnv(path string) (Env, error) {
	v := viper.New()
	v.AutomaticEnv()
	if path == "" {
		return viperEnv{v: v}, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return viperEnv{v: v}, nil
		}
		return nil, fmt.Errorf("failed to stat env file: %w", err)
	}
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return viperEnv{v: v}, nil
}

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:               9090,
		GinMode:            "release",
		DatabasePath:       "./data/hypervisor.db",
		SessionTTL:         24 * time.Hour,
		SessionCookieName:  "hv_session",
		ChallengeTTL:       5 * time.Minute,
		RPID:               "localhost",
		RPOrigin:           "http://localhost:9090",
		RPName:             "Hypervisor",
		Argon2MemoryKiB:    64 * 1024,
		Argon2Time:         1,
		Argon2Threads:      4,
		SandboxDataDir:     "./data/sandboxes",
		SandboxPortMin:     8080,
		SandboxPortMax:     8179,
		IdleTimeout:        30 * time.Minute,
		ReapInterval:       time.Minute,
		ReadyTimeout:       30 * time.Second,
		ReadyPoll:          100 * time.Millisecond,
		StopGrace:          5 * time.Second,
		MaxRestarts:        5,
		RestartBackoff:     500 * time.Millisecond,
		RestartBackoffMax:  30 * time.Second,
		UpstreamTimeout:    2 * time.Minute,
		AuthRateLimit:      30,
		LogLevel:           "info",
		LogFormat:          "json",
		SessionPurgePeriod: time.Hour,
	}
	p := parser{env: env}

	p.intVar(&cfg.Port, "HYPERVISOR_PORT", 1, 65535)

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}
	cfg.SandboxBinary = env.Getenv("SANDBOX_BINARY")
	if cfg.SandboxBinary == "" {
		return Config{}, fmt.Errorf("SANDBOX_BINARY is required")
	}

	p.stringVar(&cfg.GinMode, "GIN_MODE")
	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	p.stringVar(&cfg.DatabasePath, "HYPERVISOR_DATABASE_PATH")

	p.secondsVar(&cfg.SessionTTL, "SESSION_TTL_SECONDS")
	p.stringVar(&cfg.SessionCookieName, "SESSION_COOKIE_NAME")
	p.boolVar(&cfg.SessionCookieSecure, "SESSION_COOKIE_SECURE")
	p.secondsVar(&cfg.ChallengeTTL, "CHALLENGE_TTL_SECONDS")

	p.stringVar(&cfg.RPID, "WEBAUTHN_RP_ID")
	p.stringVar(&cfg.RPOrigin, "WEBAUTHN_RP_ORIGIN")
	p.stringVar(&cfg.RPName, "WEBAUTHN_RP_NAME")

	memory, iterations, threads := int(cfg.Argon2MemoryKiB), int(cfg.Argon2Time), int(cfg.Argon2Threads)
	p.intVar(&memory, "RECOVERY_ARGON2_MEMORY_KIB", 8, 4*1024*1024)
	p.intVar(&iterations, "RECOVERY_ARGON2_TIME", 1, 100)
	p.intVar(&threads, "RECOVERY_ARGON2_THREADS", 1, 255)
	cfg.Argon2MemoryKiB, cfg.Argon2Time, cfg.Argon2Threads = uint32(memory), uint32(iterations), uint8(threads)

	if raw := strings.TrimSpace(env.Getenv("SANDBOX_ARGS")); raw != "" {
		cfg.SandboxArgs = strings.Fields(raw)
	}
	p.stringVar(&cfg.SandboxDataDir, "SANDBOX_DATA_DIR")
	cfg.SandboxLogDir = env.Getenv("SANDBOX_LOG_DIR")
	p.intVar(&cfg.SandboxPortMin, "SANDBOX_PORT_MIN", 1, 65535)
	p.intVar(&cfg.SandboxPortMax, "SANDBOX_PORT_MAX", 1, 65535)
	p.secondsVar(&cfg.IdleTimeout, "SANDBOX_IDLE_TIMEOUT_SECS")
	p.secondsVar(&cfg.ReapInterval, "SANDBOX_REAP_INTERVAL_SECS")
	p.secondsVar(&cfg.ReadyTimeout, "SANDBOX_READY_TIMEOUT_SECS")
	p.millisVar(&cfg.ReadyPoll, "SANDBOX_READY_POLL_MS")
	cfg.HealthPath = env.Getenv("SANDBOX_HEALTH_PATH")
	p.secondsVar(&cfg.StopGrace, "SANDBOX_STOP_GRACE_SECS")
	p.intVar(&cfg.MaxRestarts, "SANDBOX_MAX_RESTARTS", 0, 1000)
	p.millisVar(&cfg.RestartBackoff, "SANDBOX_RESTART_BACKOFF_MS")
	p.millisVar(&cfg.RestartBackoffMax, "SANDBOX_RESTART_BACKOFF_MAX_MS")

	p.secondsVar(&cfg.UpstreamTimeout, "PROXY_UPSTREAM_TIMEOUT_SECS")
	if raw := env.Getenv("PROXY_ALLOWED_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	cfg.FrontendDist = env.Getenv("FRONTEND_DIST")
	p.intVar(&cfg.AuthRateLimit, "AUTH_RATE_LIMIT_PER_MINUTE", 1, 100000)
	p.stringVar(&cfg.LogLevel, "LOG_LEVEL")
	p.stringVar(&cfg.LogFormat, "LOG_FORMAT")

	cfg.ProviderToken = env.Getenv("PROVIDER_GATEWAY_TOKEN")
	p.providersVar(&cfg.ProviderUpstreams, "PROVIDER_UPSTREAMS")

	if p.err != nil {
		return Config{}, p.err
	}
	if cfg.SandboxPortMin > cfg.SandboxPortMax {
		return Config{}, fmt.Errorf("SANDBOX_PORT_MIN must not exceed SANDBOX_PORT_MAX")
	}
	if cfg.SandboxPortMin <= cfg.Port && cfg.Port <= cfg.SandboxPortMax {
		return Config{}, fmt.Errorf("HYPERVISOR_PORT must be outside the sandbox port range")
	}
	if cfg.RestartBackoffMax < cfg.RestartBackoff {
		return Config{}, fmt.Errorf("SANDBOX_RESTART_BACKOFF_MAX_MS must not be below SANDBOX_RESTART_BACKOFF_MS")
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return Config{}, fmt.Errorf("invalid LOG_FORMAT")
	}
	return cfg, nil
}

// parser keeps the first error so LoadConfigFromEnv can read every key
// without checking after each one.
type parser struct {
	env Env
	err error
}

func (p *parser) fail(key string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s", key)
	}
}

func (p *parser) stringVar(dst *string, key string) {
	if raw := p.env.Getenv(key); raw != "" {
		*dst = raw
	}
}

func (p *parser) intVar(dst *int, key string, min, max int) {
	raw := p.env.Getenv(key)
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		p.fail(key)
		return
	}
	*dst = n
}

func (p *parser) boolVar(dst *bool, key string) {
	raw := p.env.Getenv(key)
	if raw == "" {
		return
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key)
		return
	}
	*dst = b
}

func (p *parser) durationVar(dst *time.Duration, key string, unit time.Duration) {
	raw := p.env.Getenv(key)
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		p.fail(key)
		return
	}
	*dst = time.Duration(n) * unit
}

// providersVar reads "name=https://base,..." pairs. Names are lower case
// path segments; each one's key is read from PROVIDER_API_KEY_<NAME>.
func (p *parser) providersVar(dst *[]ProviderUpstream, key string) {
	raw := p.env.Getenv(key)
	if raw == "" {
		return
	}
	seen := map[string]bool{}
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry == "" {
			continue
		}
		name, base, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" || strings.ContainsAny(name, "/?#") || seen[name] {
			p.fail(key)
			return
		}
		u, err := url.Parse(strings.TrimSpace(base))
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			p.fail(key)
			return
		}
		seen[name] = true
		apiKey := p.env.Getenv("PROVIDER_API_KEY_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")))
		*dst = append(*dst, ProviderUpstream{Name: name, BaseURL: u, APIKey: apiKey})
	}
}

func (p *parser) secondsVar(dst *time.Duration, key string) { p.durationVar(dst, key, time.Second) }

func (p *parser) millisVar(dst *time.Duration, key string) {
	p.durationVar(dst, key, time.Millisecond)
}
