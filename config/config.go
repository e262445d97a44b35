package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Cookie   CookieConfig
	Agent    AgentConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:5173,chrome-extension://abc)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/pagetrail?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int           // pool size; 0 keeps the driver default
	ConnLife time.Duration // max connection lifetime; 0 keeps the driver default
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the bucket event blobs are archived to.
type AWSConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	RecordingsBucket string
	Endpoint         string // optional S3-compatible endpoint (MinIO, localstack)
	// ArchiveThreshold is the event count above which uploaded recordings are
	// moved to S3. Zero archives every recording; negative disables archiving.
	ArchiveThreshold int
}

// CookieConfig controls the auth cookies issued by the backend.
type CookieConfig struct {
	Domain   string
	Secure   bool
	SameSite string // lax, strict or none
}

// AgentConfig holds the recorder agent settings.
type AgentConfig struct {
	ListenAddr           string
	BackendURL           string
	CookieURL            string // URL whose cookies carry the login; defaults to BackendURL
	FlushDebounce        time.Duration
	TeardownTimeout      time.Duration
	CookiePollInterval   time.Duration
	MaxPendingRecordings int
	HTTPTimeout          time.Duration
	KeyPrefix            string // prefix for the agent's Redis keys
	RelayChannel         string // Redis pub/sub channel mirroring relay broadcasts; empty disables
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	backendURL := strings.TrimRight(getEnv("AGENT_BACKEND_URL", "http://localhost:5000"), "/")

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "5000"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/pagetrail?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "pagetrail"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
			ConnLife: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		AWS: AWSConfig{
			Region:           getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket: getEnv("AWS_S3_RECORDINGS_BUCKET", "pagetrail-recordings"),
			Endpoint:         getEnv("AWS_S3_ENDPOINT", ""),
			ArchiveThreshold: getEnvInt("ARCHIVE_THRESHOLD_EVENTS", 5000),
		},
		Cookie: CookieConfig{
			Domain:   getEnv("COOKIE_DOMAIN", ""),
			Secure:   getEnvBool("COOKIE_SECURE", false),
			SameSite: getEnv("COOKIE_SAMESITE", "lax"),
		},
		Agent: AgentConfig{
			ListenAddr:           getEnv("AGENT_LISTEN_ADDR", "127.0.0.1:7420"),
			BackendURL:           backendURL,
			CookieURL:            getEnv("AGENT_COOKIE_URL", backendURL),
			FlushDebounce:        getEnvDuration("AGENT_FLUSH_DEBOUNCE", 2*time.Second),
			TeardownTimeout:      getEnvDuration("AGENT_TEARDOWN_TIMEOUT", time.Second),
			CookiePollInterval:   getEnvDuration("AGENT_COOKIE_POLL_INTERVAL", 2*time.Second),
			MaxPendingRecordings: getEnvInt("AGENT_MAX_PENDING_RECORDINGS", 100),
			HTTPTimeout:          getEnvDuration("AGENT_HTTP_TIMEOUT", 30*time.Second),
			KeyPrefix:            getEnv("AGENT_KEY_PREFIX", "pagetrail:agent:"),
			RelayChannel:         getEnv("AGENT_RELAY_CHANNEL", "pagetrail:relay"),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("2s") or plain milliseconds ("2000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// SplitOrigins returns the comma-separated CORS origins, trimmed.
func (c ServerConfig) SplitOrigins() []string {
	return splitTrim(c.CORSAllowedOrigins, ",")
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
