// Package config resolves runtime configuration from the environment once at
// startup. Every knob has a default except the two key secrets, which are
// required for the service to boot.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "FINCORE_"

// RateScopes enumerates limiter scopes with configurable ceilings.
var RateScopes = []string{"login", "api", "upload", "export", "admin"}

// RateLimit holds the per-minute and per-hour ceilings for one scope.
type RateLimit struct {
	PerMinute int
	PerHour   int
}

// PasswordPolicy is the tenant-overridable default password policy.
type PasswordPolicy struct {
	MinLength         int
	RequireUpper      bool
	RequireLower      bool
	RequireDigit      bool
	RequireSymbol     bool
	HistoryCount      int
	ExpiryDays        int
	MaxFailedAttempts int
	LockoutMinutes    int
}

// Config is the resolved runtime configuration.
type Config struct {
	Addr      string
	PGDSN     string
	RedisAddr string

	// MasterKey is the base secret for per-tenant field encryption.
	MasterKey []byte
	// TokenSecret signs access tokens.
	TokenSecret []byte

	AccessTTL            time.Duration
	RefreshTTL           time.Duration
	SessionIdleTimeout   time.Duration
	SessionLifetime      time.Duration
	SessionMaxConcurrent int

	PasswordHashMemoryKiB uint32
	PasswordHashTime      uint32

	RateLimits     map[string]RateLimit
	AbuseThreshold int

	// IPRateBurst/IPRatePerSecond bound raw request rates per client IP
	// ahead of the identity-aware limiter. Zero disables the gate.
	IPRateBurst     int
	IPRatePerSecond int

	DefaultPasswordPolicy PasswordPolicy
}

var defaultRateLimits = map[string]RateLimit{
	"login":  {PerMinute: 5, PerHour: 60},
	"api":    {PerMinute: 100, PerHour: 3000},
	"upload": {PerMinute: 10, PerHour: 100},
	"export": {PerMinute: 2, PerHour: 5},
	"admin":  {PerMinute: 30, PerHour: 300},
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:      getString("ADDR", ":8080"),
		PGDSN:     getString("PG_DSN", ""),
		RedisAddr: getString("REDIS_ADDR", "localhost:6379"),

		AccessTTL:            getDuration("ACCESS_TTL", 15*time.Minute),
		RefreshTTL:           getDuration("REFRESH_TTL", 14*24*time.Hour),
		SessionIdleTimeout:   getDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SessionLifetime:      getDuration("SESSION_LIFETIME", 12*time.Hour),
		SessionMaxConcurrent: getInt("SESSION_MAX_CONCURRENT", 5),

		PasswordHashMemoryKiB: uint32(getInt("PASSWORD_HASH_MEMORY_KIB", 64*1024)),
		PasswordHashTime:      uint32(getInt("PASSWORD_HASH_TIME", 2)),

		AbuseThreshold: getInt("ABUSE_THRESHOLD", 5),

		IPRateBurst:     getInt("IP_RATE_BURST", 50),
		IPRatePerSecond: getInt("IP_RATE_PER_SECOND", 25),

		DefaultPasswordPolicy: PasswordPolicy{
			MinLength:         getInt("PASSWORD_MIN_LENGTH", 10),
			RequireUpper:      getBool("PASSWORD_REQUIRE_UPPER", true),
			RequireLower:      getBool("PASSWORD_REQUIRE_LOWER", true),
			RequireDigit:      getBool("PASSWORD_REQUIRE_DIGIT", true),
			RequireSymbol:     getBool("PASSWORD_REQUIRE_SYMBOL", true),
			HistoryCount:      getInt("PASSWORD_HISTORY_COUNT", 5),
			ExpiryDays:        getInt("PASSWORD_EXPIRY_DAYS", 90),
			MaxFailedAttempts: getInt("PASSWORD_MAX_FAILED_ATTEMPTS", 5),
			LockoutMinutes:    getInt("PASSWORD_LOCKOUT_MINUTES", 15),
		},
	}

	if raw := strings.TrimSpace(os.Getenv(envPrefix + "MASTER_KEY")); raw != "" {
		cfg.MasterKey = []byte(raw)
	}
	if raw := strings.TrimSpace(os.Getenv(envPrefix + "TOKEN_SECRET")); raw != "" {
		cfg.TokenSecret = []byte(raw)
	}

	cfg.RateLimits = make(map[string]RateLimit, len(defaultRateLimits))
	for _, scope := range RateScopes {
		def := defaultRateLimits[scope]
		upper := strings.ToUpper(scope)
		cfg.RateLimits[scope] = RateLimit{
			PerMinute: getInt("RATE_"+upper+"_PER_MINUTE", def.PerMinute),
			PerHour:   getInt("RATE_"+upper+"_PER_HOUR", def.PerHour),
		}
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if len(c.MasterKey) == 0 {
		return errors.New("config: " + envPrefix + "MASTER_KEY is required")
	}
	if len(c.TokenSecret) == 0 {
		return errors.New("config: " + envPrefix + "TOKEN_SECRET is required")
	}
	if len(c.MasterKey) < 32 {
		return fmt.Errorf("config: master key must be at least 32 bytes, got %d", len(c.MasterKey))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= c.AccessTTL {
		return errors.New("config: refresh TTL must exceed access TTL")
	}
	return nil
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func getDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
