package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Session   SessionConfig
	Dispatch  DispatchConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
	Worker    WorkerConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SessionConfig governs worker sessions on the gateway.
type SessionConfig struct {
	// WorkerTokens is the handshake allowlist, merged from WORKER_TOKEN,
	// WORKER_TOKENS and the optional YAML tokens file.
	WorkerTokens []string

	// Secret signs session resume tokens. Generated per process when unset;
	// resume then only works against the same instance.
	Secret          string
	SecretGenerated bool

	TokenTTL          time.Duration
	WindowSize        int
	HeartbeatInterval time.Duration
}

// DispatchConfig governs worker selection and the ack/retry lifecycle.
type DispatchConfig struct {
	Strategy        string
	MaxHeartbeatAge time.Duration
	AckTimeout      time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

// RateLimitConfig bounds StartRun calls per client.
type RateLimitConfig struct {
	Enabled       bool
	RunsPerMinute int
}

// Auth modes.
const (
	AuthModeStatic   = "static"
	AuthModeDatabase = "database"
)

// AuthConfig governs API caller authentication.
type AuthConfig struct {
	// Mode selects where principals come from: "static" uses the configured
	// token list, "database" resolves token hashes against the user tables.
	Mode string

	// StaticTokens is the dev/static allowlist, merged from ADMIN_TOKEN and
	// the optional YAML tokens file.
	StaticTokens []StaticToken
}

// StaticToken maps one bearer token to a principal.
type StaticToken struct {
	Token   string   `yaml:"token"`
	Subject string   `yaml:"subject"`
	Roles   []string `yaml:"roles"`
}

// WorkerConfig configures the reference worker binary.
type WorkerConfig struct {
	// GatewayURL is the websocket endpoint of the control plane gateway.
	GatewayURL string
	// Name identifies the worker to the gateway. Left empty, the binary
	// mints a random one at startup.
	Name  string
	Token string
	Queue string
	// Capabilities limits which node types this worker advertises and runs.
	Capabilities []string
	// Packages is the initial local package set, "name@version" entries.
	Packages []string
	// Concurrency bounds how many tasks execute at once; further accepted
	// dispatches queue behind it.
	Concurrency int
	// HTTPAllowPrivate disables the private/loopback address guard on the
	// http executor. Dev only.
	HTTPAllowPrivate bool
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Selection strategy names.
const (
	StrategyDefault       = "default"
	StrategyLeastInflight = "least_inflight"
	StrategyLeastLatency  = "least_latency"
	StrategyRandom        = "random"
)

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "weft"),
			User:        getEnv("POSTGRES_USER", "weft"),
			Password:    getEnv("POSTGRES_PASSWORD", "weft"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Session: SessionConfig{
			TokenTTL:          time.Duration(getEnvInt("SESSION_TOKEN_TTL_SECONDS", 300)) * time.Second,
			WindowSize:        getEnvInt("SESSION_WINDOW_SIZE", 64),
			HeartbeatInterval: time.Duration(getEnvInt("SESSION_HEARTBEAT_SECONDS", 15)) * time.Second,
		},
		Dispatch: DispatchConfig{
			Strategy:        getEnv("DISPATCH_WORKER_STRATEGY", StrategyDefault),
			MaxHeartbeatAge: time.Duration(getEnvInt("DISPATCH_WORKER_MAX_HEARTBEAT_AGE_SECONDS", 45)) * time.Second,
			AckTimeout:      time.Duration(getEnvInt("DISPATCH_ACK_TIMEOUT_SECONDS", 15)) * time.Second,
			MaxAttempts:     getEnvInt("DISPATCH_MAX_ATTEMPTS", 5),
			BackoffBase:     time.Duration(getEnvInt("DISPATCH_BACKOFF_BASE_MS", 250)) * time.Millisecond,
			BackoffMax:      time.Duration(getEnvInt("DISPATCH_BACKOFF_MAX_MS", 30000)) * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvBool("RUN_RATE_LIMIT_ENABLED", true),
			RunsPerMinute: getEnvInt("RUN_RATE_LIMIT_PER_MINUTE", 120),
		},
		Worker: WorkerConfig{
			GatewayURL:       getEnv("GATEWAY_URL", "ws://localhost:8080/gateway"),
			Name:             getEnv("WORKER_NAME", ""),
			Token:            getEnv("WORKER_TOKEN", ""),
			Queue:            getEnv("WORKER_QUEUE", "default"),
			Capabilities:     getEnvSlice("WORKER_CAPABILITIES", []string{"transform", "sleep", "constant", "http"}),
			Packages:         getEnvSlice("WORKER_PACKAGES", []string{"std@1.0.0"}),
			Concurrency:      getEnvInt("WORKER_CONCURRENCY", 4),
			HTTPAllowPrivate: getEnvBool("WORKER_HTTP_ALLOW_PRIVATE", false),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", true),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	tokens, err := loadWorkerTokens()
	if err != nil {
		return nil, err
	}
	cfg.Session.WorkerTokens = tokens

	cfg.Auth.Mode = getEnv("AUTH_MODE", AuthModeStatic)
	cfg.Auth.StaticTokens, err = loadStaticTokens()
	if err != nil {
		return nil, err
	}

	cfg.Session.Secret = getEnv("SESSION_SECRET", "")
	if cfg.Session.Secret == "" {
		secret, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
		cfg.Session.Secret = secret
		cfg.Session.SecretGenerated = true
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Session.WindowSize < 1 {
		return fmt.Errorf("session window size must be >= 1")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be >= 1")
	}

	switch c.Dispatch.Strategy {
	case StrategyDefault, StrategyLeastInflight, StrategyLeastLatency, StrategyRandom:
	default:
		return fmt.Errorf("unknown dispatch strategy: %q", c.Dispatch.Strategy)
	}

	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch max attempts must be >= 1")
	}

	switch c.Auth.Mode {
	case AuthModeStatic, AuthModeDatabase:
	default:
		return fmt.Errorf("unknown auth mode: %q", c.Auth.Mode)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// tokensFile is the YAML shape of the optional worker token allowlist file.
type tokensFile struct {
	WorkerTokens []string `yaml:"worker_tokens"`
}

// loadWorkerTokens merges WORKER_TOKEN, the WORKER_TOKENS list, and the
// WORKER_TOKENS_FILE allowlist. Duplicates are collapsed.
func loadWorkerTokens() ([]string, error) {
	seen := make(map[string]bool)
	var tokens []string

	add := func(tok string) {
		tok = strings.TrimSpace(tok)
		if tok == "" || seen[tok] {
			return
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}

	add(getEnv("WORKER_TOKEN", ""))
	for _, tok := range getEnvSlice("WORKER_TOKENS", nil) {
		add(tok)
	}

	if path := getEnv("WORKER_TOKENS_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read worker tokens file: %w", err)
		}
		var tf tokensFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("failed to parse worker tokens file: %w", err)
		}
		for _, tok := range tf.WorkerTokens {
			add(tok)
		}
	}

	return tokens, nil
}

// apiTokensFile is the YAML shape of the optional API token allowlist file.
type apiTokensFile struct {
	APITokens []StaticToken `yaml:"api_tokens"`
}

// loadStaticTokens merges ADMIN_TOKEN (a single all-roles token for dev and
// smoke tests) with the API_TOKENS_FILE allowlist.
func loadStaticTokens() ([]StaticToken, error) {
	var tokens []StaticToken

	if tok := strings.TrimSpace(getEnv("ADMIN_TOKEN", "")); tok != "" {
		tokens = append(tokens, StaticToken{Token: tok, Subject: "admin", Roles: []string{"admin"}})
	}

	if path := getEnv("API_TOKENS_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read api tokens file: %w", err)
		}
		var tf apiTokensFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("failed to parse api tokens file: %w", err)
		}
		for _, tok := range tf.APITokens {
			if strings.TrimSpace(tok.Token) == "" {
				continue
			}
			tokens = append(tokens, tok)
		}
	}

	return tokens, nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}
