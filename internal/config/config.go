// Package config loads server settings from the environment.
//
// Load reads every setting and applies defaults; Validate rejects settings
// that are unsafe for the current environment. In production a strong
// JWT_SECRET and a PostgreSQL DATABASE_URL are mandatory. Elsewhere a
// missing JWT secret is replaced by a random one that lasts for the process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every server setting.
type Config struct {
	Port        string
	Environment string

	DatabaseURL string
	RedisURL    string

	JWTSecret    string
	JWTSecretOld string // accepted for validation during key rotation
	TokenTTL     time.Duration

	StorageRoot    string
	MaxUploadBytes int64
	DockerHost     string

	ReconcileInterval time.Duration
	StartTimeout      time.Duration
	StopGrace         time.Duration
	BuildTimeout      time.Duration

	RateLimitPerMinute int
	AllowedOrigins     []string

	BackupBucket    string
	BackupRegion    string
	BackupEndpoint  string
	BackupAccessKey string
	BackupSecretKey string
	LocalBackupDir  string
	BackupKey       string
	BackupRetain    int

	OwnerEmail    string
	OwnerPassword string

	parseErrors []string
}

// Load reads the configuration from the environment. Values that fail to
// parse are reported by Validate.
func Load() *Config {
	c := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: GetEnvironment(),

		DatabaseURL: getEnv("DATABASE_URL", "sqlite://bothost.db"),
		RedisURL:    os.Getenv("REDIS_URL"),

		JWTSecret:    os.Getenv("JWT_SECRET"),
		JWTSecretOld: os.Getenv("JWT_SECRET_OLD"),

		StorageRoot: getEnv("STORAGE_ROOT", "./data/bots"),
		DockerHost:  os.Getenv("DOCKER_HOST"),

		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),

		BackupBucket:    os.Getenv("BACKUP_S3_BUCKET"),
		BackupRegion:    getEnv("BACKUP_S3_REGION", "us-east-1"),
		BackupEndpoint:  os.Getenv("BACKUP_S3_ENDPOINT"),
		BackupAccessKey: os.Getenv("BACKUP_S3_ACCESS_KEY"),
		BackupSecretKey: os.Getenv("BACKUP_S3_SECRET_KEY"),
		LocalBackupDir:  os.Getenv("BACKUP_LOCAL_DIR"),
		BackupKey:       os.Getenv("BACKUP_ENCRYPTION_KEY"),

		OwnerEmail:    os.Getenv("OWNER_EMAIL"),
		OwnerPassword: os.Getenv("OWNER_PASSWORD"),
	}

	c.TokenTTL = c.duration("JWT_TTL", 24*time.Hour)
	c.ReconcileInterval = c.duration("RECONCILE_INTERVAL", 30*time.Second)
	c.StartTimeout = c.duration("ENGINE_START_TIMEOUT", 30*time.Second)
	c.StopGrace = c.duration("ENGINE_STOP_GRACE", 10*time.Second)
	c.BuildTimeout = c.duration("ENGINE_BUILD_TIMEOUT", 5*time.Minute)
	c.RateLimitPerMinute = c.integer("RATE_LIMIT_PER_MINUTE", 60)
	c.MaxUploadBytes = int64(c.integer("MAX_UPLOAD_BYTES", 50<<20))
	c.BackupRetain = c.integer("BACKUP_RETAIN", 5)

	return c
}

// Validate checks the loaded settings and returns warnings worth logging.
// In development it fills in a random JWT secret when none is configured.
func (c *Config) Validate() (warnings []string, err error) {
	verr := &ValidationError{}
	verr.Invalid = append(verr.Invalid, c.parseErrors...)

	production := c.IsProduction()

	switch {
	case c.JWTSecret == "" && production:
		verr.Missing = append(verr.Missing, "JWT_SECRET")
	case c.JWTSecret == "":
		secret, err := GenerateSecureSecret(48)
		if err != nil {
			return nil, err
		}
		c.JWTSecret = secret
		verr.Warnings = append(verr.Warnings, "JWT_SECRET not set; using a random secret, tokens will not survive a restart")
	case production:
		if err := validateJWTSecret(c.JWTSecret); err != nil {
			verr.Invalid = append(verr.Invalid, fmt.Sprintf("JWT_SECRET: %v", err))
		}
	}

	if production {
		if err := validateDatabaseURL(c.DatabaseURL); err != nil {
			verr.Invalid = append(verr.Invalid, fmt.Sprintf("DATABASE_URL: %v", err))
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		verr.Invalid = append(verr.Invalid, fmt.Sprintf("PORT: %q is not a number", c.Port))
	}
	for name, d := range map[string]time.Duration{
		"JWT_TTL":              c.TokenTTL,
		"RECONCILE_INTERVAL":   c.ReconcileInterval,
		"ENGINE_START_TIMEOUT": c.StartTimeout,
		"ENGINE_STOP_GRACE":    c.StopGrace,
		"ENGINE_BUILD_TIMEOUT": c.BuildTimeout,
	} {
		if d <= 0 {
			verr.Invalid = append(verr.Invalid, name+": must be positive")
		}
	}
	if c.RateLimitPerMinute <= 0 {
		verr.Invalid = append(verr.Invalid, "RATE_LIMIT_PER_MINUTE: must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		verr.Invalid = append(verr.Invalid, "MAX_UPLOAD_BYTES: must be positive")
	}
	if c.BackupRetain <= 0 {
		verr.Invalid = append(verr.Invalid, "BACKUP_RETAIN: must be positive")
	}
	if c.StorageRoot == "" {
		verr.Missing = append(verr.Missing, "STORAGE_ROOT")
	}
	if (c.BackupAccessKey == "") != (c.BackupSecretKey == "") {
		verr.Invalid = append(verr.Invalid, "BACKUP_S3_ACCESS_KEY and BACKUP_S3_SECRET_KEY must be set together")
	}
	if (c.OwnerEmail == "") != (c.OwnerPassword == "") {
		verr.Invalid = append(verr.Invalid, "OWNER_EMAIL and OWNER_PASSWORD must be set together")
	}

	if verr.HasErrors() {
		return verr.Warnings, verr
	}
	return verr.Warnings, nil
}

// IsProduction reports whether the server runs in production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction || c.Environment == "prod"
}

// UsesSQLite reports whether DatabaseURL points at an embedded database.
func (c *Config) UsesSQLite() bool {
	return strings.HasPrefix(c.DatabaseURL, "sqlite://") || strings.HasPrefix(c.DatabaseURL, "file:")
}

// SQLitePath returns the database file for a sqlite:// URL.
func (c *Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

func (c *Config) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s: %q is not a duration", key, raw))
		return def
	}
	return d
}

func (c *Config) integer(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s: %q is not an integer", key, raw))
		return def
	}
	return n
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
