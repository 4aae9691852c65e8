package auth

import (
	"errors"
	"os"
	"strings"
	"time"
)

// Config holds access-token settings loaded from environment variables.
type Config struct {
	// SecretKeyHex is the PASETO v4 asymmetric secret key (hex). When empty
	// an ephemeral key is generated, which is only suitable for dev: tokens
	// do not survive a restart.
	SecretKeyHex string

	Issuer         string
	AccessTokenTTL time.Duration
	ClockSkew      time.Duration
}

// LoadConfigFromEnv loads Config with defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		SecretKeyHex:   strings.TrimSpace(os.Getenv("STOA_TOKEN_SECRET_KEY")),
		Issuer:         envStr("STOA_TOKEN_ISSUER", "stoa"),
		AccessTokenTTL: envDur("STOA_TOKEN_TTL", 15*time.Minute),
		ClockSkew:      envDur("STOA_TOKEN_CLOCK_SKEW", 30*time.Second),
	}
	if cfg.Issuer == "" {
		return Config{}, errors.Join(ErrConfig, errors.New("empty issuer"))
	}
	return cfg, nil
}

func envStr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envDur(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
