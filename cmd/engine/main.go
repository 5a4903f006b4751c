package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/go-utils/cli"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	redisadapter "github.com/yieldsensei/tx-engine/adapters/redis"
	"github.com/yieldsensei/tx-engine/jsonrpcserver"
	"github.com/yieldsensei/tx-engine/txengine"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug           = os.Getenv("DEBUG") == "1"
	defaultLogProd         = os.Getenv("LOG_PROD") == "1"
	defaultLogService      = os.Getenv("LOG_SERVICE")
	defaultPort            = cli.GetEnv("PORT", "8080")
	defaultMetricsPort     = cli.GetEnv("METRICS_PORT", "8088")
	defaultProvidersConfig  = cli.GetEnv("PROVIDERS_CONFIG", "providers.yaml")
	defaultConnsPerProvider = cli.GetEnv("CONNECTIONS_PER_PROVIDER", "2")
	defaultRedisEndpoint    = cli.GetEnv("REDIS_ENDPOINT", "")
	defaultChannelName      = cli.GetEnv("REDIS_CHANNEL_NAME", "engine-signals")
	defaultPricesHashKey    = cli.GetEnv("REDIS_PRICES_KEY", "token-prices")
	defaultPostgresDSN      = cli.GetEnv("POSTGRES_DSN", "")
	defaultRelayEndpoint    = cli.GetEnv("PRIVATE_RELAY_ENDPOINT", "")
	defaultSignerKeys       = cli.GetEnv("SIGNER_KEYS", "")
	defaultSelection        = cli.GetEnv("PROVIDER_SELECTION", string(txengine.SelectRoundRobin))
	defaultMaxGasPriceGwei  = cli.GetEnv("MAX_GAS_PRICE_GWEI", "500")
	defaultMarketCacheTTL   = cli.GetEnv("MARKET_CACHE_TTL", "30s")

	// Flags
	debugPtr            = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr          = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr       = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr             = flag.String("port", defaultPort, "port to listen on")
	providersConfigPtr  = flag.String("providers-config", defaultProvidersConfig, "provider endpoints config file")
	connsPerProviderPtr = flag.String("connections-per-provider", defaultConnsPerProvider, "pooled connections opened per provider endpoint")
	redisPtr            = flag.String("redis", defaultRedisEndpoint, "redis url string (empty disables redis)")
	channelPtr          = flag.String("channel", defaultChannelName, "redis pub/sub channel for engine signals")
	pricesHashKeyPtr    = flag.String("prices-key", defaultPricesHashKey, "redis hash holding token prices")
	postgresDSNPtr      = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn (empty disables result storage)")
	relayPtr            = flag.String("relay", defaultRelayEndpoint, "private relay endpoint (empty disables private submission)")
	signerKeysPtr       = flag.String("signer-keys", defaultSignerKeys, "hex private keys (comma separated)")
	selectionPtr        = flag.String("selection", defaultSelection, "provider selection strategy (round_robin, least_latency, random)")
	maxGasPricePtr      = flag.String("max-gas-price-gwei", defaultMaxGasPriceGwei, "hard gas price ceiling in gwei")
	marketCacheTTLPtr   = flag.String("market-cache-ttl", defaultMarketCacheTTL, "pool liquidity cache ttl")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting tx-engine", zap.String("version", version))

	endpoints, err := txengine.LoadProviderEndpoints(*providersConfigPtr)
	if err != nil {
		logger.Fatal("Failed to load providers config", zap.Error(err))
	}
	if len(endpoints) == 0 {
		logger.Fatal("No provider endpoints configured")
	}

	connsPerProvider, err := strconv.Atoi(*connsPerProviderPtr)
	if err != nil || connsPerProvider < 1 {
		logger.Fatal("Connections per provider must be a positive integer")
	}

	signals := txengine.SignalObserver(txengine.NewLogObserver(logger))
	var priceSource txengine.PriceSource
	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient := redis.NewClient(redisOpts)
		signals = txengine.MultiObserver{
			txengine.NewLogObserver(logger),
			redisadapter.NewSignalPublisher(logger, redisClient, *channelPtr),
		}
		priceSource = redisadapter.NewPriceStore(redisClient, *pricesHashKeyPtr)
	}

	poolCfg := txengine.DefaultPoolConfig()
	pool := txengine.NewConnectionPool(logger, poolCfg, signals)

	managerCfg := txengine.DefaultManagerConfig()
	managerCfg.Strategy = txengine.SelectionStrategy(*selectionPtr)
	manager := txengine.NewProviderManager(logger, managerCfg, pool, signals)
	if priceSource != nil {
		manager.SetPriceSource(priceSource)
	}

	gasCfg := txengine.DefaultGasConfig()
	maxGwei, err := strconv.ParseInt(*maxGasPricePtr, 10, 64)
	if err != nil || maxGwei <= 0 {
		logger.Fatal("Max gas price must be a positive integer (gwei)")
	}
	gasCfg.MaxGasPrice = new(big.Int).Mul(big.NewInt(maxGwei), big.NewInt(1e9))
	pricer := txengine.NewGasPricer(logger, gasCfg, manager)

	batcher := txengine.NewTransactionBatcher(logger, txengine.DefaultBatchConfig(), pricer, manager, signals)

	marketTTL, err := time.ParseDuration(*marketCacheTTLPtr)
	if err != nil {
		logger.Fatal("Failed to parse market cache ttl", zap.Error(err))
	}
	market := txengine.NewCachingMarketData(txengine.NewChainMarketData(manager), marketTTL)
	analyzer := txengine.NewMEVRiskAnalyzer(logger, txengine.DefaultMEVConfig(), market)

	var relay txengine.RelayBackend
	if *relayPtr != "" {
		relay = txengine.NewJSONRPCRelay(*relayPtr)
	}

	var results txengine.ResultBackend
	if *postgresDSNPtr != "" {
		dbBackend, err := txengine.NewDBBackend(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		results = dbBackend
	}

	signer := txengine.NewLocalSigner()
	for _, hexKey := range strings.Split(*signerKeysPtr, ",") {
		hexKey = strings.TrimSpace(strings.TrimPrefix(hexKey, "0x"))
		if hexKey == "" {
			continue
		}
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			logger.Fatal("Failed to parse signer key", zap.Error(err))
		}
		addr := signer.AddKey(key)
		logger.Info("Loaded signer key", zap.String("address", addr.Hex()))
	}

	engine := txengine.NewExecutionEngine(logger, pool, manager, pricer, batcher, analyzer, relay, results)
	for _, ep := range endpoints {
		engine.RegisterProvider(ep, connsPerProvider)
		logger.Info("Registered provider",
			zap.String("vendor", string(ep.Vendor)), zap.String("chain", string(ep.Chain)))
	}
	engineWg := engine.Start(ctx)

	api := txengine.NewAPI(logger, engine, signer)

	jsonRPCServer, err := jsonrpcserver.NewHandler(jsonrpcserver.Methods{
		txengine.SendTransactionEndpointName:    api.SendTransaction,
		txengine.SendRawTransactionEndpointName: api.SendRawTransaction,
		txengine.AddToBatchEndpointName:         api.AddToBatch,
		txengine.ExecuteBatchEndpointName:       api.ExecuteBatch,
		txengine.HealthEndpointName:             api.Health,
	})
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", defaultMetricsPort),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	// drain in-flight work before closing the result store
	engineWg.Wait()
	if results != nil {
		if err := results.Close(); err != nil {
			logger.Error("Failed to close result backend", zap.Error(err))
		}
	}
}
