package config

import (
	"github.com/rs/zerolog/log"
)

// Endpoint configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// IndexerAPI is the base URL of the blockchain indexer (balance oracle
	// and protocol market data).
	IndexerAPI string
	// SignerAPI is the base URL of the transaction signer service.
	SignerAPI string
	// RedisAddr is the Redis instance backing the per-treasury execution leases.
	RedisAddr string
)

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	var err error

	IndexerAPI, err = getEnv("INDEXER_API")
	if err != nil {
		return err
	}

	SignerAPI, err = getEnv("SIGNER_API")
	if err != nil {
		return err
	}

	RedisAddr, err = getEnv("REDIS_ADDR")
	if err != nil {
		return err
	}

	log.Debug().
		Str("IndexerAPI", IndexerAPI).
		Str("SignerAPI", SignerAPI).
		Str("RedisAddr", RedisAddr).
		Msg("Endpoint configuration loaded successfully.")

	return nil
}
