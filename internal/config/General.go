package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// StablecoinSymbol is the treasury settlement asset (e.g., "USDC").
	StablecoinSymbol string
	// StablecoinPrecision is the base-unit precision of the settlement asset.
	StablecoinPrecision int

	// ChainID is the chain ID of the target network.
	ChainID string

	// SignerTimeoutSeconds bounds every call to the external signer service.
	SignerTimeoutSeconds int
	// OracleTimeoutSeconds bounds every call to the balance/market oracle.
	OracleTimeoutSeconds int
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// All environment variables are required and must be set.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	StablecoinSymbol, err = getEnv("STABLECOIN_SYMBOL")
	if err != nil {
		return err
	}

	StablecoinPrecision, err = getEnvAsInt("STABLECOIN_PRECISION")
	if err != nil {
		return err
	}

	ChainID, err = getEnv("CHAIN_ID")
	if err != nil {
		return err
	}

	SignerTimeoutSeconds, err = getEnvAsInt("SIGNER_TIMEOUT_SECONDS")
	if err != nil {
		return err
	}

	OracleTimeoutSeconds, err = getEnvAsInt("ORACLE_TIMEOUT_SECONDS")
	if err != nil {
		return err
	}

	// Load endpoint configuration
	if err := loadEndpointConfig(); err != nil {
		return err
	}

	log.Debug().
		Str("StablecoinSymbol", StablecoinSymbol).
		Str("ChainID", ChainID).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvAsInt retrieves an environment variable as an int. Returns error if not set or invalid.
func getEnvAsInt(key string) (int, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid integer, got: " + valueStr)
	}
	return value, nil
}
