package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/webspoilt/yieldroute/internal/config"
	"github.com/webspoilt/yieldroute/internal/engine"
	"github.com/webspoilt/yieldroute/internal/lock"
	"github.com/webspoilt/yieldroute/internal/logger"
	"github.com/webspoilt/yieldroute/internal/oracle"
	"github.com/webspoilt/yieldroute/internal/protocols"
	"github.com/webspoilt/yieldroute/internal/signer"
	"github.com/webspoilt/yieldroute/internal/state"
	"github.com/webspoilt/yieldroute/internal/types"
	"github.com/webspoilt/yieldroute/internal/web"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// main is the entry point for the yield routing engine.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	// Load configuration from environment variables
	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(os.Getenv("LOG_LEVEL"))
	log.Info().Msg("Yield Routing Engine Starting...")

	// Initialize Database Connection
	dbCfg := state.DBConfig{
		Host: os.Getenv("DB_HOST"), Port: mustAtoi(os.Getenv("DB_PORT"), 5432),
		User: os.Getenv("DB_USER"), Password: os.Getenv("DB_PASSWORD"),
		DBName: os.Getenv("DB_NAME"), SSLMode: os.Getenv("DB_SSLMODE"),
	}
	if err := state.InitDB(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer state.CloseDB()
	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	// Load Engine Parameters
	engineParams, err := state.LoadActiveEngineParameters(engine.DEFAULT_PARAMS_CONFIG_NAME)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load active engine parameters, using defaults and saving.")
		defaultParams := config.DefaultEngineParameters
		if _, err := state.SaveEngineParameters(defaultParams, engine.DEFAULT_PARAMS_CONFIG_NAME, engine.DEFAULT_PARAMS_CONFIG_VERSION, true); err != nil {
			log.Fatal().Err(err).Msg("Failed to save initial default engine parameters.")
		}
		engineParams = &defaultParams
	}
	log.Info().Msg("Engine parameters loaded successfully.")

	// --- 2. External Service Clients ---
	oracleClient, err := oracle.NewClient(config.IndexerAPI, time.Duration(config.OracleTimeoutSeconds)*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize indexer oracle client")
	}

	signerClient, err := signer.NewClient(config.SignerAPI, config.ChainID, config.StablecoinPrecision, time.Duration(config.SignerTimeoutSeconds)*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize signer client")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", config.RedisAddr).Msg("Redis connection error")
	}
	defer redisClient.Close()
	leaseManager := lock.NewRedisManager(redisClient)
	log.Info().Str("addr", config.RedisAddr).Msg("Redis connected, treasury leases enabled")

	// --- 3. Protocol Adapter Registry (with Safety Switch) ---
	engineMode := os.Getenv("ENGINE_MODE")
	if engineMode != "live" {
		log.Fatal().Msg("ENGINE_MODE is not set to 'live'. Halting to prevent accidental execution. Set ENGINE_MODE=live to run.")
	}
	log.Warn().Msg("Initializing engine in LIVE mode. Real transactions will be submitted.")

	adapterSet, err := buildAdapterSet(os.Getenv("PROTOCOLS"), *engineParams, oracleClient, signerClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build protocol adapter registry")
	}

	// --- 4. Create Engine Instance with Dependency Injection ---
	log.Info().Msg("Creating engine instance with dependency injection...")

	routingStore := state.NewSQLStore()

	engineConfig := engine.Config{
		Adapters: adapterSet,
		Store:    routingStore,
		Balances: oracleClient,
		Locks:    leaseManager,
		Params:   *engineParams,
	}

	eng, err := engine.New(engineConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine instance")
	}

	log.Info().Msg("Engine instance created successfully")

	// --- 5. Start Web Server ---
	webPort := os.Getenv("WEB_PORT")
	if webPort == "" {
		webPort = "8080"
	}

	webServer := web.NewWebServer(webPort, eng, routingStore, adapterSet, *engineParams)
	go func() {
		log.Info().Str("port", webPort).Str("url", "http://localhost:"+webPort).Msg("Starting treasury API server")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed to start")
		}
	}()

	// --- 6. Start Engine Main Loop ---
	log.Info().Int("intervalSeconds", engineParams.PollIntervalSeconds).Msg("Starting engine main loop")

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start the engine loop (this will run until the context is cancelled)
	eng.RunLoop(ctx)

	log.Info().Msg("Shutdown signal received, engine loop stopped.")
}

// buildAdapterSet parses the PROTOCOLS environment variable into lending
// adapters. The format is a comma separated list of protocol:tier pairs,
// e.g. "aave-v3:LOW,compound-v3:MEDIUM,morpho-blue:HIGH".
func buildAdapterSet(list string, params types.EngineParameters, oracleClient *oracle.Client, signerClient *signer.Client) (*protocols.Set, error) {
	var adapters []protocols.Adapter
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, tier, found := strings.Cut(entry, ":")
		if !found {
			tier = string(types.RiskTierMedium)
			log.Warn().Str("protocol", name).Msg("No risk tier configured for protocol, defaulting to MEDIUM")
		}
		adapter, err := protocols.NewLendingAdapter(protocols.LendingConfig{
			Protocol:            strings.TrimSpace(name),
			RiskTier:            types.RiskTier(strings.ToUpper(strings.TrimSpace(tier))),
			AssetSymbol:         config.StablecoinSymbol,
			Precision:           config.StablecoinPrecision,
			PendingPollInterval: time.Duration(params.PendingPollIntervalMs) * time.Millisecond,
		}, oracleClient, signerClient)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	return protocols.NewSet(adapters...)
}

// Helper to convert string to int with a default value
func mustAtoi(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}
