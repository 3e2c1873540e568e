package main

import (
	"context"
	"crypto/ecdsa"
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
	"sync"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/bundle-submitter/adapters/postgres"
	redisadapter "github.com/flashbots/bundle-submitter/adapters/redis"
	"github.com/flashbots/bundle-submitter/config"
	"github.com/flashbots/bundle-submitter/endpoints"
	"github.com/flashbots/bundle-submitter/events"
	"github.com/flashbots/bundle-submitter/jsonrpcserver"
	"github.com/flashbots/bundle-submitter/nonce"
	"github.com/flashbots/bundle-submitter/relay"
	"github.com/flashbots/bundle-submitter/router"
	"github.com/flashbots/bundle-submitter/signature"
	"github.com/flashbots/go-utils/cli"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug           = os.Getenv("DEBUG") == "1"
	defaultLogProd         = os.Getenv("LOG_PROD") == "1"
	defaultLogService      = os.Getenv("LOG_SERVICE")
	defaultPort            = cli.GetEnv("PORT", "8080")
	defaultMetricsPort     = cli.GetEnv("METRICS_PORT", "8088")
	defaultEndpointsConfig = cli.GetEnv("ENDPOINTS_CONFIG", "endpoints.yaml")
	defaultChainID         = cli.GetEnv("CHAIN_ID", "")
	defaultPolicy          = cli.GetEnv("SELECTION_POLICY", string(config.DefaultPoolConfig.Policy))
	defaultTradingKey      = os.Getenv("TRADING_PRIVATE_KEY")
	defaultRelayEnabled    = cli.GetEnv("RELAY_ENABLED", "1")
	defaultRelayURL        = cli.GetEnv("RELAY_URL", config.DefaultRelayConfig.URL)
	defaultRelaySignerKey  = os.Getenv("RELAY_SIGNER_KEY")
	defaultRelayRateLimit  = cli.GetEnv("RELAY_RATE_LIMIT", "0")
	defaultRelaySimulate   = cli.GetEnv("RELAY_SIMULATE", "0")
	defaultProfitThreshold = cli.GetEnv("PROFIT_THRESHOLD_USD", "50")
	defaultFallback        = cli.GetEnv("FALLBACK_TO_PUBLIC", "1")
	defaultMaxBaseFee      = cli.GetEnv("MAX_BASE_FEE_GWEI", "100")
	defaultPriorityFee     = cli.GetEnv("PRIORITY_FEE_GWEI", "2")
	defaultRedisEndpoint   = cli.GetEnv("REDIS_ENDPOINT", "")
	defaultChannelName     = cli.GetEnv("REDIS_CHANNEL_NAME", "submitter-events")
	defaultPostgresDSN     = cli.GetEnv("POSTGRES_DSN", "")
	defaultAllowedSigners  = cli.GetEnv("ALLOWED_SIGNERS", "")

	// Flags
	debugPtr           = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr         = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr      = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr            = flag.String("port", defaultPort, "port to listen on")
	endpointsConfigPtr = flag.String("endpoints-config", defaultEndpointsConfig, "endpoints config file")
	chainIDPtr         = flag.String("chain-id", defaultChainID, "expected chain id, read from the endpoints if empty")
	policyPtr          = flag.String("selection-policy", defaultPolicy, "endpoint selection policy (priority, load-balanced)")
	tradingKeyPtr      = flag.String("trading-key", defaultTradingKey, "private key of the trading wallet")
	relayEnabledPtr    = flag.String("relay-enabled", defaultRelayEnabled, "submit profitable transactions through the relay (0-1)")
	relayURLPtr        = flag.String("relay-url", defaultRelayURL, "relay url")
	relaySignerKeyPtr  = flag.String("relay-signer-key", defaultRelaySignerKey, "private key used to sign relay requests")
	relayRateLimitPtr  = flag.String("relay-rate-limit", defaultRelayRateLimit, "max relay submissions per second, 0 disables limiting")
	relaySimulatePtr   = flag.String("relay-simulate", defaultRelaySimulate, "simulate bundles before submitting (0-1)")
	profitThresholdPtr = flag.String("profit-threshold", defaultProfitThreshold, "min estimated profit in USD to use the relay")
	fallbackPtr        = flag.String("fallback-to-public", defaultFallback, "send publicly when the relay fails (0-1)")
	maxBaseFeePtr      = flag.String("max-base-fee", defaultMaxBaseFee, "base fee cap in gwei")
	priorityFeePtr     = flag.String("priority-fee", defaultPriorityFee, "priority fee in gwei")
	redisPtr           = flag.String("redis", defaultRedisEndpoint, "redis url string, events are not published if empty")
	channelPtr         = flag.String("channel", defaultChannelName, "redis pub/sub channel name string")
	postgresDSNPtr     = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, outcomes are not stored if empty")
	allowedSignersPtr  = flag.String("allowed-signers", defaultAllowedSigners, "addresses allowed to call the api (comma separated), any if empty")
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

	logger.Info("Starting bundle-submitter", zap.String("version", version))

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	bus := events.NewBus(logger)
	backgroundWg := &sync.WaitGroup{}
	archives := startSinks(ctx, logger, bus, backgroundWg)

	pool := endpoints.NewPool(logger, cfg.Pool, bus, endpoints.DialEthClient)
	if err := pool.Initialize(ctx, cfg.Endpoints); err != nil {
		logger.Fatal("Failed to initialize endpoint pool", zap.Error(err))
	}
	defer pool.Close()
	healthWg := pool.StartHealthLoop(ctx)

	chainID, err := pool.ChainID(ctx)
	if err != nil {
		logger.Fatal("Failed to get chain id", zap.Error(err))
	}
	if cfg.ChainID != nil && cfg.ChainID.Cmp(chainID) != 0 {
		logger.Fatal("Endpoints serve an unexpected chain", zap.String("expected", cfg.ChainID.String()), zap.String("actual", chainID.String()))
	}
	cfg.ChainID = chainID

	tradingWallet := crypto.PubkeyToAddress(cfg.TradingKey.PublicKey)
	nonces := nonce.NewManager(logger, tradingWallet, pool)

	var (
		submitter   *relay.Submitter
		relayWg     = &sync.WaitGroup{}
		routerRelay router.Relay
		apiRelay    router.RelayStatus
	)
	if cfg.Relay.Enabled {
		client := relay.NewJSONRPCClient(cfg.Relay.URL, signature.NewSigner(cfg.Relay.SignerKey))
		submitter = relay.NewSubmitter(logger, cfg.Relay, client, pool, bus)
		if err := submitter.Initialize(ctx, tradingWallet); err != nil {
			logger.Error("Failed to initialize relay, delivering publicly only", zap.Error(err))
		} else {
			relayWg = submitter.Start(ctx)
		}
		routerRelay, apiRelay = submitter, submitter
	}

	rt := router.New(logger, cfg, pool, routerRelay, nonces, bus)
	api := router.NewAPI(logger, rt, pool, apiRelay, archives...)

	jsonRPCServer, err := jsonrpcserver.NewHandler(api.Methods(), jsonrpcserver.Opts{
		Log:            logger,
		AllowedSigners: parseAddresses(*allowedSignersPtr),
		ErrorCodes:     router.ErrorCodes,
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
	// stop resolving bundles before the loops feeding them
	rt.Close()
	relayWg.Wait()
	healthWg.Wait()
	backgroundWg.Wait()
}

func loadConfig() (config.Config, error) {
	cfg := config.Config{
		Pool:   config.DefaultPoolConfig,
		Fees:   config.DefaultFeeConfig,
		Relay:  config.DefaultRelayConfig,
		Router: config.DefaultRouterConfig,
	}

	var err error
	if cfg.Endpoints, err = config.LoadEndpoints(*endpointsConfigPtr); err != nil {
		return cfg, err
	}
	if cfg.Pool.Policy, err = config.ParsePolicy(*policyPtr); err != nil {
		return cfg, err
	}
	if *chainIDPtr != "" {
		chainID, ok := new(big.Int).SetString(*chainIDPtr, 10)
		if !ok {
			return cfg, fmt.Errorf("invalid chain id %q", *chainIDPtr)
		}
		cfg.ChainID = chainID
	}
	if cfg.TradingKey, err = parseKey(*tradingKeyPtr); err != nil {
		return cfg, fmt.Errorf("trading key: %w", err)
	}

	cfg.Relay.Enabled = *relayEnabledPtr == "1"
	cfg.Relay.URL = *relayURLPtr
	cfg.Relay.Simulate = *relaySimulatePtr == "1"
	if *relaySignerKeyPtr != "" {
		if cfg.Relay.SignerKey, err = parseKey(*relaySignerKeyPtr); err != nil {
			return cfg, fmt.Errorf("relay signer key: %w", err)
		}
	}
	if cfg.Relay.RateLimit, err = strconv.ParseFloat(*relayRateLimitPtr, 64); err != nil {
		return cfg, fmt.Errorf("relay rate limit: %w", err)
	}

	if cfg.Router.ProfitThresholdUSD, err = strconv.ParseFloat(*profitThresholdPtr, 64); err != nil {
		return cfg, fmt.Errorf("profit threshold: %w", err)
	}
	cfg.Router.FallbackToPublic = *fallbackPtr == "1"
	if cfg.Fees.MaxBaseFeeGwei, err = strconv.ParseFloat(*maxBaseFeePtr, 64); err != nil {
		return cfg, fmt.Errorf("max base fee: %w", err)
	}
	if cfg.Fees.PriorityFeeGwei, err = strconv.ParseFloat(*priorityFeePtr, 64); err != nil {
		return cfg, fmt.Errorf("priority fee: %w", err)
	}

	return cfg, cfg.Validate()
}

func parseKey(s string) (*ecdsa.PrivateKey, error) {
	if s == "" {
		return nil, errors.New("not set")
	}
	return crypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
}

func parseAddresses(s string) []common.Address {
	var res []common.Address
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			res = append(res, common.HexToAddress(a))
		}
	}
	return res
}

// startSinks forwards events to the configured redis and postgres backends
// and returns them as bundle archives, the durable store first.
func startSinks(ctx context.Context, logger *zap.Logger, bus *events.Bus, wg *sync.WaitGroup) []router.BundleArchive {
	var (
		sinks    []events.Sink
		archives []router.BundleArchive
	)
	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient := redis.NewClient(redisOpts)
		// keep bundle outcomes for roughly a day of blocks
		publisher := redisadapter.NewEventPublisher(redisClient, *channelPtr, 7200*12*time.Second, "submitter-bundle:")
		sinks = append(sinks, publisher)
		archives = append(archives, publisher)
	}
	if *postgresDSNPtr != "" {
		dbBackend, err := postgres.NewDBBackend(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		sinks = append(sinks, dbBackend)
		archives = append([]router.BundleArchive{dbBackend}, archives...)
	}

	for _, sink := range sinks {
		ch, unsubscribe := bus.Subscribe(1024)
		wg.Add(1)
		go func(sink events.Sink) {
			defer wg.Done()
			defer unsubscribe()
			events.Forward(ctx, logger, ch, sink)
			if closer, ok := sink.(interface{ Close() error }); ok {
				if err := closer.Close(); err != nil {
					logger.Error("Failed to close event sink", zap.Error(err))
				}
			}
		}(sink)
	}
	return archives
}
