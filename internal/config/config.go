package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/reconciler"
)

// Backends accepted by SHELF_BACKEND.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 5s
	RequestTimeout  time.Duration // per-request timeout, websocket streams excluded

	LogLevel  string // "debug" | "info" | "warn" | "error" | "silent"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	Backend    string // "redis" | "sqlite"
	SQLitePath string // database file when Backend is sqlite

	// Session guard
	JWTSecret string        // HS256 secret, at least 16 bytes
	JWTIssuer string        // optional, tokens must carry it when set
	TokenTTL  time.Duration // lifetime of tokens minted by `shelf token`
	LoginURL  string        // optional, browser requests without a token are redirected here

	// Reconciliation
	DeletePolicy    reconciler.DeletePolicy
	InsertPolicy    reconciler.InsertPolicy
	TombstoneTTL    time.Duration // how long a deleted id shadows late inserts
	LoadRetry       time.Duration // minimum gap between retries of a failed load on request
	ResyncInterval  time.Duration // periodic full load of every session
	SessionIdleTTL  time.Duration // sessions unused this long are closed
	ReapInterval    time.Duration // how often idle sessions are looked for
	WriteBurst      int           // per-user burst on write endpoints
	WriteRefillMin  int           // per-user tokens refilled per minute on write endpoints
	ImportFile      string        // optional Homepage bookmarks.yaml for `shelf import`
	HubBufferEvents int           // per-subscriber queue of the in-process feed (sqlite)

	// Redis
	RedisAddr             string        // ex: "localhost:6379"
	RedisUser             string        // optional
	RedisPassword         string        // optional
	RedisPasswordRequired bool          // true => require password, false => allow empty password
	RedisDB               int           // Redis DB number
	RedisDT               time.Duration // Redis dial timeout (ex: 5s)
	RedisRT               time.Duration // Redis read timeout (ex: 3s)
	RedisWT               time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait          time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout      time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize         int           // Redis connection pool size
	RedisConnectTimeout   time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval    time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold    int           // warn after this many attempts

	AllowedHosts []string // optional, restrict access to specific Host headers
	AllowedCIDRS []string // optional, restrict ops endpoints to specific IPs (e.g. "1.2.3.4, 10.0.0.0/8")
	TrustProxy   bool     // true => trust X-Forwarded-For headers (e.g. cloudflared)
}

func Load() *Config {
	cfg := &Config{
		// Server settings
		ListenPort:      getenv("SHELF_LISTEN_PORT", ":8080"),
		ShutdownTimeout: mustDuration("SHELF_SHUTDOWN_TIMEOUT", 5*time.Second),
		RequestTimeout:  mustDuration("SHELF_REQUEST_TIMEOUT", 5*time.Second),

		// Logging
		LogLevel:  getenv("SHELF_LOG_LEVEL", "info"),
		PrettyLog: mustBool("SHELF_PRETTY_LOG", true),

		// Storage
		Backend:    strings.ToLower(getenv("SHELF_BACKEND", BackendRedis)),
		SQLitePath: getenv("SHELF_SQLITE_PATH", "/data/shelf.db"),

		// Session guard
		JWTSecret: requireEnv("SHELF_JWT_SECRET"),
		JWTIssuer: getenv("SHELF_JWT_ISSUER", "shelf"),
		TokenTTL:  mustDuration("SHELF_TOKEN_TTL", 24*time.Hour),
		LoginURL:  getenv("SHELF_LOGIN_URL", ""),

		// Reconciliation
		DeletePolicy:    mustDeletePolicy("SHELF_DELETE_POLICY"),
		InsertPolicy:    mustInsertPolicy("SHELF_INSERT_POLICY"),
		TombstoneTTL:    mustDuration("SHELF_TOMBSTONE_TTL", reconciler.DefaultTombstoneTTL),
		LoadRetry:       mustDuration("SHELF_LOAD_RETRY_INTERVAL", 2*time.Second),
		ResyncInterval:  mustDuration("SHELF_RESYNC_INTERVAL", 10*time.Minute),
		SessionIdleTTL:  mustDuration("SHELF_SESSION_IDLE_TTL", 30*time.Minute),
		ReapInterval:    mustDuration("SHELF_REAP_INTERVAL", time.Minute),
		WriteBurst:      getenvInt("SHELF_WRITE_BURST", 20),
		WriteRefillMin:  getenvInt("SHELF_WRITE_REFILL_PER_MIN", 60),
		ImportFile:      getenv("SHELF_IMPORT_FILE", ""),
		HubBufferEvents: getenvInt("SHELF_HUB_BUFFER", 64),

		// Redis settings
		RedisAddr:             getenv("SHELF_REDIS_ADDR", "localhost:6379"),
		RedisUser:             getenv("SHELF_REDIS_USERNAME", "default"),
		RedisPasswordRequired: mustBool("SHELF_REDIS_PASSWORD_REQUIRED", true),
		RedisPassword:         getenv("SHELF_REDIS_PASSWORD", ""),
		RedisDT:               mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:               mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:               mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:          mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:      mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:         getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout:   mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:    mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:    getenvInt("REDIS_WARN_THRESHOLD", 3),

		// Access restrictions
		AllowedHosts: splitAndTrim(getenv("SHELF_ALLOWED_HOSTS", "")),
		AllowedCIDRS: parseAllowedIPs(getenv("SHELF_ALLOWED_CIDRS", "")),
		TrustProxy:   mustBool("SHELF_TRUST_PROXY", true),
	}

	switch cfg.Backend {
	case BackendRedis:
		cfg.RedisDB = requireEnvInt("SHELF_REDIS_DB")
		// Validate Redis password configuration
		if cfg.RedisPasswordRequired && cfg.RedisPassword == "" {
			panic("❌ FATAL: SHELF_REDIS_PASSWORD is required when SHELF_REDIS_PASSWORD_REQUIRED=true")
		}
	case BackendSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			panic("❌ FATAL: SHELF_SQLITE_PATH is required when SHELF_BACKEND=sqlite")
		}
	default:
		panic(fmt.Sprintf("❌ FATAL: SHELF_BACKEND must be %q or %q, got %q", BackendRedis, BackendSQLite, cfg.Backend))
	}

	if len(cfg.JWTSecret) < 16 {
		panic("❌ FATAL: SHELF_JWT_SECRET must be at least 16 bytes")
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		cfgCopy.RedisPassword = "***REDACTED***"
		cfgCopy.JWTSecret = "***REDACTED***"
		if cfg.RedisUser != "" {
			cfgCopy.RedisUser = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func requireEnvInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("❌ FATAL: Invalid integer value for %s: %s", key, v))
	}
	return i
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// mustDeletePolicy panics on an unknown value instead of falling back to the default.
func mustDeletePolicy(key string) reconciler.DeletePolicy {
	p, err := reconciler.ParseDeletePolicy(os.Getenv(key))
	if err != nil {
		panic(fmt.Sprintf("❌ FATAL: Invalid value for %s: %v", key, err))
	}
	return p
}

func mustInsertPolicy(key string) reconciler.InsertPolicy {
	p, err := reconciler.ParseInsertPolicy(os.Getenv(key))
	if err != nil {
		panic(fmt.Sprintf("❌ FATAL: Invalid value for %s: %v", key, err))
	}
	return p
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
