// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the full service configuration. All knobs use the BBSNS_ prefix.
type Config struct {
	Addr string

	PGDSN    string
	RedisURL string

	EthRPCURL        string
	ChainID          int64
	MultisigContract string
	TargetContract   string
	RelayerKey       string

	SigningBaseURL string

	RateBurst     int
	RatePerSecond int
}

// Load reads the environment. A missing .env file is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:             envOr("BBSNS_ADDR", ":8080"),
		PGDSN:            os.Getenv("BBSNS_PG_DSN"),
		RedisURL:         os.Getenv("BBSNS_REDIS_URL"),
		EthRPCURL:        os.Getenv("BBSNS_ETH_RPC_URL"),
		MultisigContract: os.Getenv("BBSNS_MULTISIG_CONTRACT"),
		TargetContract:   os.Getenv("BBSNS_TARGET_CONTRACT"),
		RelayerKey:       os.Getenv("BBSNS_RELAYER_KEY"),
		SigningBaseURL:   envOr("BBSNS_SIGNING_BASE_URL", "https://app.bbsns.org"),
	}

	var err error
	if cfg.ChainID, err = envInt64("BBSNS_CHAIN_ID", 1); err != nil {
		return Config{}, err
	}
	burst, err := envInt64("BBSNS_RATE_BURST", 20)
	if err != nil {
		return Config{}, err
	}
	perSecond, err := envInt64("BBSNS_RATE_PER_SECOND", 10)
	if err != nil {
		return Config{}, err
	}
	cfg.RateBurst = int(burst)
	cfg.RatePerSecond = int(perSecond)
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return v, nil
}
