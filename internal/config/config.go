package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrConfig = errors.New("invalid configuration")

type Config struct {
	ServiceName string
	HTTPAddr    string
	LogLevel    string

	DBDriver    string
	DatabaseURL string

	JWTSecret          []byte
	JWTIssuer          string
	JWTAudience        string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	OTPTTL             time.Duration
	OTPMaxAttempts     int
	PasswordHasher     string
	DefaultRole        string
	RegistrableRoles   []string
	CodeStore          string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	SMTPHost           string
	SMTPPort           int
	SMTPUsername       string
	SMTPPassword       string
	SMTPDisplayName    string
	SMTPEnableSSL      bool
	KafkaBrokers       []string
	KafkaTopic         string
	RateLimitPerMinute int
	CleanupInterval    time.Duration
}

// Load reads .env (when present) and the process environment. Missing
// signing parameters are reported as ErrConfig.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Notice: .env file not found: %v. Using system environment variables", err)
	}

	cfg := &Config{
		ServiceName: EnvDefault("SERVICE_NAME", "auth"),
		HTTPAddr:    EnvDefault("HTTP_ADDR", ":8080"),
		LogLevel:    EnvDefault("LOG_LEVEL", "info"),

		DBDriver:    EnvDefault("DB_DRIVER", "pgx"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		JWTSecret:       []byte(os.Getenv("JWT_SECRET")),
		JWTIssuer:       os.Getenv("JWT_ISSUER"),
		JWTAudience:     os.Getenv("JWT_AUDIENCE"),
		AccessTokenTTL:  time.Duration(EnvIntDefault("JWT_DURATION_MINUTES", 15)) * time.Minute,
		RefreshTokenTTL: EnvDurationDefault("REFRESH_TOKEN_TTL", 20*24*time.Hour),
		OTPTTL:          EnvDurationDefault("OTP_TTL", 15*time.Minute),
		OTPMaxAttempts:  EnvIntDefault("OTP_MAX_ATTEMPTS", 5),

		PasswordHasher:   EnvDefault("PASSWORD_HASHER", "bcrypt"),
		DefaultRole:      EnvDefault("DEFAULT_ROLE", "user"),
		RegistrableRoles: CSV(os.Getenv("REGISTRABLE_ROLES")),

		CodeStore:     EnvDefault("CODE_STORE", "db"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       EnvIntDefault("REDIS_DB", 0),

		SMTPHost:        os.Getenv("SMTP_HOST"),
		SMTPPort:        EnvIntDefault("SMTP_PORT", 587),
		SMTPUsername:    os.Getenv("SMTP_USERNAME"),
		SMTPPassword:    os.Getenv("SMTP_PASSWORD"),
		SMTPDisplayName: EnvDefault("SMTP_DISPLAY_NAME", "Accounts"),
		SMTPEnableSSL:   EnvBoolDefault("SMTP_ENABLE_SSL", false),

		KafkaBrokers: CSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   EnvDefault("KAFKA_TOPIC", "auth.events"),

		RateLimitPerMinute: EnvIntDefault("RATE_LIMIT_RPM", 60),
		CleanupInterval:    EnvDurationDefault("CLEANUP_INTERVAL", time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var missing []string
	if len(c.JWTSecret) == 0 {
		missing = append(missing, "JWT_SECRET")
	}
	if c.JWTIssuer == "" {
		missing = append(missing, "JWT_ISSUER")
	}
	if c.JWTAudience == "" {
		missing = append(missing, "JWT_AUDIENCE")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.CodeStore == "redis" && c.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required env %s", ErrConfig, strings.Join(missing, ", "))
	}

	switch {
	case c.AccessTokenTTL <= 0:
		return fmt.Errorf("%w: JWT_DURATION_MINUTES must be positive", ErrConfig)
	case c.RefreshTokenTTL <= 0:
		return fmt.Errorf("%w: REFRESH_TOKEN_TTL must be positive", ErrConfig)
	case c.CleanupInterval <= 0:
		return fmt.Errorf("%w: CLEANUP_INTERVAL must be positive", ErrConfig)
	case c.CodeStore != "db" && c.CodeStore != "redis":
		return fmt.Errorf("%w: CODE_STORE must be db or redis, got %q", ErrConfig, c.CodeStore)
	}
	return nil
}

// SMTPEnabled reports whether enough SMTP settings exist to send mail.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != "" && c.SMTPUsername != ""
}

func CSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func EnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func EnvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func EnvBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func EnvDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
