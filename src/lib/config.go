package lib

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config contains runtime configuration loaded from environment variables.
type Config struct {
	StoreDriver             string
	DatabaseURL             string
	HTTPAddr                string
	LogLevel                string
	RelayPubKey             string
	RelayPrivKey            string
	RateLimitBurst          int
	RateLimitPerMinute      int
	DefaultVoteExpiryDays   int
	MaxVoteExpiryDays       int
	DefaultInviteExpiryDays int
	MaxInviteUses           int
}

func LoadConfig() (Config, error) {
	cfg := Config{
		StoreDriver:  strings.ToLower(getOrDefault("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		HTTPAddr:     getOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:     getOrDefault("LOG_LEVEL", "INFO"),
		RelayPubKey:  strings.ToLower(strings.TrimSpace(os.Getenv("RELAY_PUBKEY"))),
		RelayPrivKey: strings.ToLower(strings.TrimSpace(os.Getenv("RELAY_PRIVKEY"))),
	}

	for _, setting := range []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"RATE_LIMIT_BURST", 30, &cfg.RateLimitBurst},
		{"RATE_LIMIT_PER_MIN", 120, &cfg.RateLimitPerMinute},
		{"DEFAULT_VOTE_EXPIRY_DAYS", 7, &cfg.DefaultVoteExpiryDays},
		{"MAX_VOTE_EXPIRY_DAYS", 30, &cfg.MaxVoteExpiryDays},
		{"DEFAULT_INVITE_EXPIRY_DAYS", 7, &cfg.DefaultInviteExpiryDays},
		{"MAX_INVITE_USES", 100, &cfg.MaxInviteUses},
	} {
		v, err := getIntOrDefault(setting.key, setting.fallback)
		if err != nil {
			return Config{}, err
		}
		*setting.dst = v
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreDriverMemory:
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER must be %q or %q", StoreDriverPostgres, StoreDriverMemory)
	}

	if cfg.RelayPrivKey == "" {
		return Config{}, fmt.Errorf("RELAY_PRIVKEY is required")
	}
	derivedPubKey, err := nostr.GetPublicKey(cfg.RelayPrivKey)
	if err != nil {
		return Config{}, fmt.Errorf("RELAY_PRIVKEY is invalid: %w", err)
	}
	derivedPubKey = strings.ToLower(strings.TrimSpace(derivedPubKey))
	if cfg.RelayPubKey == "" {
		cfg.RelayPubKey = derivedPubKey
	}
	if !strings.EqualFold(cfg.RelayPubKey, derivedPubKey) {
		return Config{}, fmt.Errorf("RELAY_PUBKEY does not match RELAY_PRIVKEY")
	}

	if cfg.RateLimitBurst <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_BURST must be > 0")
	}
	if cfg.RateLimitPerMinute <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_PER_MIN must be > 0")
	}
	if cfg.MaxVoteExpiryDays <= 0 {
		return Config{}, fmt.Errorf("MAX_VOTE_EXPIRY_DAYS must be > 0")
	}
	if cfg.DefaultVoteExpiryDays <= 0 || cfg.DefaultVoteExpiryDays > cfg.MaxVoteExpiryDays {
		return Config{}, fmt.Errorf("DEFAULT_VOTE_EXPIRY_DAYS must be between 1 and MAX_VOTE_EXPIRY_DAYS")
	}
	if cfg.DefaultInviteExpiryDays <= 0 {
		return Config{}, fmt.Errorf("DEFAULT_INVITE_EXPIRY_DAYS must be > 0")
	}
	if cfg.MaxInviteUses <= 0 {
		return Config{}, fmt.Errorf("MAX_INVITE_USES must be > 0")
	}

	return cfg, nil
}

func getOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getIntOrDefault(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	return parsed, nil
}
