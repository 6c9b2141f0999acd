package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL        = "https://ollama.com/api"
	DefaultConnectTimeout = 30 * time.Second
	DefaultRequestTimeout = 300 * time.Second
	DefaultMaxRetries     = 2
	DefaultHealthInterval = 60 * time.Second
)

// WindowConfig is one sliding-window rate limit scope.
type WindowConfig struct {
	Enabled     bool  `yaml:"enabled"`
	MaxRequests int   `yaml:"max"`
	WindowMs    int64 `yaml:"windowMs"`
}

// RateLimitConfig holds the three independent windows checked in order
// global -> ip -> token.
type RateLimitConfig struct {
	Global WindowConfig `yaml:"global"`
	IP     WindowConfig `yaml:"ip"`
	Token  WindowConfig `yaml:"token"`
}

type Config struct {
	Listen        string `yaml:"listen"`
	DataDir       string `yaml:"dataDir"`
	OllamaBaseURL string `yaml:"ollamaBaseUrl"`

	// APIToken is the legacy single shared secret, used only when no auth
	// tokens exist in the token registry.
	APIToken      string `yaml:"apiToken"`
	AdminPassword string `yaml:"adminPassword"`

	ConnectTimeout      time.Duration `yaml:"-"`
	RequestTimeout      time.Duration `yaml:"-"`
	MaxRetries          int           `yaml:"maxRetries"`
	HealthCheckInterval time.Duration `yaml:"-"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`

	IPAccessMode string   `yaml:"ipAccessMode"` // disabled, whitelist, blacklist
	IPWhitelist  []string `yaml:"ipWhitelist"`
	IPBlacklist  []string `yaml:"ipBlacklist"`

	LogLevel   string `yaml:"logLevel"`
	TrustProxy bool   `yaml:"trustProxy"`

	CacheSize           int `yaml:"cacheSize"`
	MaxIdleConnsPerHost int `yaml:"maxIdleConnsPerHost"`

	// InitialKeys seeds the backend registry on first start, same formats
	// as the batch import endpoint.
	InitialKeys []string `yaml:"initialKeys"`

	// millisecond / second fields as they appear in the YAML file
	ConnectTimeoutMs      int64 `yaml:"connectTimeoutMs"`
	RequestTimeoutMs      int64 `yaml:"requestTimeoutMs"`
	HealthCheckIntervalSn int64 `yaml:"healthCheckIntervalSeconds"`
}

func Default() Config {
	return Config{
		Listen:              ":3000",
		DataDir:             "data",
		OllamaBaseURL:       DefaultBaseURL,
		ConnectTimeout:      DefaultConnectTimeout,
		RequestTimeout:      DefaultRequestTimeout,
		MaxRetries:          DefaultMaxRetries,
		HealthCheckInterval: DefaultHealthInterval,
		RateLimit: RateLimitConfig{
			Global: WindowConfig{Enabled: false, MaxRequests: 1000, WindowMs: 60000},
			IP:     WindowConfig{Enabled: false, MaxRequests: 100, WindowMs: 60000},
			Token:  WindowConfig{Enabled: false, MaxRequests: 60, WindowMs: 60000},
		},
		IPAccessMode:        "disabled",
		LogLevel:            "info",
		CacheSize:           256,
		MaxIdleConnsPerHost: 32,
	}
}

// Load builds the effective config: defaults, then the optional YAML file,
// then environment variable overrides.
func Load(path string) (Config, error) {
	conf := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return conf, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &conf); err != nil {
			return conf, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// YAML duration fields are plain integers
	if conf.ConnectTimeoutMs > 0 {
		conf.ConnectTimeout = time.Duration(conf.ConnectTimeoutMs) * time.Millisecond
	}
	if conf.RequestTimeoutMs > 0 {
		conf.RequestTimeout = time.Duration(conf.RequestTimeoutMs) * time.Millisecond
	}
	if conf.HealthCheckIntervalSn != 0 {
		conf.HealthCheckInterval = time.Duration(conf.HealthCheckIntervalSn) * time.Second
	}

	applyEnv(&conf)

	if err := conf.Validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

func applyEnv(conf *Config) {
	if v := os.Getenv("PORT"); v != "" {
		conf.Listen = ":" + strings.TrimPrefix(v, ":")
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		conf.DataDir = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		conf.OllamaBaseURL = v
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		conf.APIToken = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		conf.AdminPassword = v
	}
	if ms, ok := envInt64("CONNECT_TIMEOUT"); ok {
		conf.ConnectTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := envInt64("REQUEST_TIMEOUT"); ok {
		conf.RequestTimeout = time.Duration(ms) * time.Millisecond
	}
	if n, ok := envInt64("MAX_RETRIES"); ok {
		conf.MaxRetries = int(n)
	}
	if n, ok := envInt64("HEALTH_CHECK_INTERVAL"); ok {
		conf.HealthCheckInterval = time.Duration(n) * time.Second
	}

	applyEnvWindow("GLOBAL", &conf.RateLimit.Global)
	applyEnvWindow("IP", &conf.RateLimit.IP)
	applyEnvWindow("TOKEN", &conf.RateLimit.Token)

	if v := os.Getenv("IP_ACCESS_MODE"); v != "" {
		conf.IPAccessMode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("IP_WHITELIST"); v != "" {
		conf.IPWhitelist = splitList(v)
	}
	if v := os.Getenv("IP_BLACKLIST"); v != "" {
		conf.IPBlacklist = splitList(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		conf.LogLevel = v
	}
	if v := os.Getenv("TRUST_PROXY"); v != "" {
		conf.TrustProxy = envBool(v)
	}
}

func applyEnvWindow(scope string, w *WindowConfig) {
	if v := os.Getenv("RATE_LIMIT_" + scope + "_ENABLED"); v != "" {
		w.Enabled = envBool(v)
	}
	if n, ok := envInt64("RATE_LIMIT_" + scope + "_MAX"); ok {
		w.MaxRequests = int(n)
	}
	if n, ok := envInt64("RATE_LIMIT_" + scope + "_WINDOW"); ok {
		w.WindowMs = n
	}
}

func (c Config) Validate() error {
	switch c.IPAccessMode {
	case "disabled", "whitelist", "blacklist":
	default:
		return fmt.Errorf("invalid IP_ACCESS_MODE %q", c.IPAccessMode)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be >= 0")
	}
	if c.ConnectTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

func envInt64(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
