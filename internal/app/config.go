package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("STOA_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("STOA_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("STOA_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("STOA_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("STOA_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("STOA_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("STOA_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("STOA_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("STOA_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("STOA_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("STOA_READINESS_REQUIRE_DB", false),
	}
}
