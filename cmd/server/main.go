package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/tgate/internal/gateway"
	"github.com/tyemirov/tgate/internal/web"
	"github.com/tyemirov/tgate/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "tgate",
		Short:   "Federated login gateway issuing local JWT sessions with Redis and SQL token persistence",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	flags := rootCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("frontend_url", gateway.DefaultFrontendURL, "Front-end base URL used for login redirects")
	flags.String("jwt_signing_key", "", "HS256 signing secret for local access and refresh credentials")
	flags.String("jwt_issuer", "tgate", "Issuer claim for local credentials")
	for _, provider := range gateway.SupportedProviders() {
		flags.String(provider+"_client_id", "", provider+" OAuth client id")
		flags.String(provider+"_client_secret", "", provider+" OAuth client secret")
		flags.String(provider+"_redirect_uri", "", provider+" OAuth redirect URI registered with the provider")
		flags.String(provider+"_auth_url", "", "Override of the "+provider+" authorization endpoint")
		flags.String(provider+"_token_url", "", "Override of the "+provider+" token endpoint")
		flags.String(provider+"_profile_url", "", "Override of the "+provider+" profile endpoint")
	}
	flags.String("cache_mode", gateway.CacheModeDisabled, "Cache tier: disabled, redis, or memory")
	flags.String("redis_host", "", "Redis host")
	flags.Int("redis_port", 6379, "Redis port")
	flags.String("redis_username", "", "Redis ACL username (default user when empty)")
	flags.String("redis_password", "", "Redis password")
	flags.Bool("redis_tls", false, "Connect to Redis over TLS")
	flags.String("database_url", "", "Durable tier URL (postgres:// or sqlite://; leave empty to run without one)")
	flags.Duration("provider_timeout", 10*time.Second, "Timeout for each provider token or profile call")
	flags.Duration("store_timeout", gateway.DefaultStoreTimeout, "Timeout for each storage tier call")
	flags.Duration("durable_purge_interval", time.Hour, "Interval between purges of expired durable rows; 0 disables")
	flags.Duration("durable_retention", gateway.RefreshCredentialTTL, "How long durable rows outlive their provider token expiry")
	flags.Bool("enable_cors", false, "Enable CORS for the front-end origin and cors_allowed_origins")
	flags.StringSlice("cors_allowed_origins", []string{}, "Additional allowed origins when CORS is enabled")

	flags.VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeInvalidCacheMode        = "config.invalid_cache_mode"
	configCodeInvalidProviderTimeout  = "config.invalid_provider_timeout"
	configCodeInvalidStoreTimeout     = "config.invalid_store_timeout"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig assembles the configuration once from flags and APP_* environment variables.
// Provider registrations are checked per request so one misconfigured provider does not stop the others.
func LoadServerConfig() (gateway.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return gateway.ServerConfig{}, &gateway.ConfigurationError{Field: "jwt_signing_key"}
	}
	jwtIssuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if jwtIssuer == "" {
		jwtIssuer = "tgate"
	}

	cacheMode := strings.ToLower(strings.TrimSpace(viper.GetString("cache_mode")))
	if cacheMode == "" {
		cacheMode = gateway.CacheModeDisabled
	}
	switch cacheMode {
	case gateway.CacheModeDisabled, gateway.CacheModeMemory:
	case gateway.CacheModeRedis:
		if strings.TrimSpace(viper.GetString("redis_host")) == "" {
			return gateway.ServerConfig{}, &gateway.ConfigurationError{Field: "redis_host"}
		}
	default:
		return gateway.ServerConfig{}, configError(configCodeInvalidCacheMode, "cache_mode must be one of disabled, redis, memory")
	}

	providerTimeout := 10 * time.Second
	if viper.IsSet("provider_timeout") {
		providerTimeout = viper.GetDuration("provider_timeout")
	}
	if providerTimeout <= 0 {
		return gateway.ServerConfig{}, configError(configCodeInvalidProviderTimeout, "provider_timeout must be greater than zero")
	}
	storeTimeout := gateway.DefaultStoreTimeout
	if viper.IsSet("store_timeout") {
		storeTimeout = viper.GetDuration("store_timeout")
	}
	if storeTimeout <= 0 {
		return gateway.ServerConfig{}, configError(configCodeInvalidStoreTimeout, "store_timeout must be greater than zero")
	}

	providers := make(map[string]gateway.ProviderConfig, len(gateway.SupportedProviders()))
	for _, provider := range gateway.SupportedProviders() {
		providers[provider] = gateway.ProviderConfig{
			ClientID:     viper.GetString(provider + "_client_id"),
			ClientSecret: viper.GetString(provider + "_client_secret"),
			RedirectURI:  viper.GetString(provider + "_redirect_uri"),
			AuthURL:      viper.GetString(provider + "_auth_url"),
			TokenURL:     viper.GetString(provider + "_token_url"),
			ProfileURL:   viper.GetString(provider + "_profile_url"),
		}
	}

	redisPort := viper.GetInt("redis_port")
	if redisPort == 0 {
		redisPort = 6379
	}

	return gateway.ServerConfig{
		FrontendBaseURL: gateway.NormalizeFrontendURL(viper.GetString("frontend_url")),
		SigningKey:      []byte(jwtSigningKey),
		Issuer:          jwtIssuer,
		Providers:       providers,
		Cache: gateway.CacheConfig{
			Mode:       cacheMode,
			Host:       viper.GetString("redis_host"),
			Port:       redisPort,
			Username:   viper.GetString("redis_username"),
			Password:   viper.GetString("redis_password"),
			TLSEnabled: viper.GetBool("redis_tls"),
		},
		DatabaseURL:        strings.TrimSpace(viper.GetString("database_url")),
		ProviderTimeout:    providerTimeout,
		StoreTimeout:       storeTimeout,
		EnableCORS:         viper.GetBool("enable_cors"),
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(gateway.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	signalContext, stopSignals := signal.NotifyContext(commandContext, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsRecorder, metricsErr := gateway.NewPrometheusMetrics(registry)
	if metricsErr != nil {
		return metricsErr
	}

	clock := gateway.NewSystemClock()

	var cacheTier gateway.CacheTier
	switch serverConfig.Cache.Mode {
	case gateway.CacheModeRedis:
		redisTier := gateway.NewRedisCacheTier(serverConfig.Cache)
		defer func() { _ = redisTier.Close() }()
		cacheTier = redisTier
		logger.Info("using redis cache tier",
			zap.String("host", serverConfig.Cache.Host),
			zap.Int("port", serverConfig.Cache.Port),
			zap.Bool("tls", serverConfig.Cache.TLSEnabled))
	case gateway.CacheModeMemory:
		cacheTier = gateway.NewMemoryCacheTier(clock)
		logger.Info("using in-memory cache tier")
	default:
		logger.Warn("cache tier disabled; authorization codes and refresh will fail closed",
			zap.String("code", "config.cache_disabled"))
	}

	var durableTier gateway.DurableTier
	var gormTier *gateway.GormDurableTier
	if serverConfig.DatabaseURL != "" {
		openedTier, openErr := gateway.NewGormDurableTier(signalContext, serverConfig.DatabaseURL)
		if openErr != nil {
			logger.Warn("durable tier unavailable; continuing without it",
				zap.String("code", "store.durable.open_failed"),
				zap.Error(openErr))
		} else {
			defer func() { _ = openedTier.Close() }()
			gormTier = openedTier
			durableTier = openedTier
			logger.Info("using durable tier", zap.String("driver", openedTier.Driver()))
		}
	}

	store := gateway.NewDualTierTokenStore(cacheTier, durableTier,
		gateway.WithStoreTimeout(serverConfig.StoreTimeout),
		gateway.WithStoreLogger(logger),
		gateway.WithStoreMetrics(metricsRecorder),
		gateway.WithStoreClock(clock))

	issuer, issuerErr := gateway.NewCredentialIssuer(serverConfig.SigningKey, serverConfig.Issuer, clock)
	if issuerErr != nil {
		return issuerErr
	}

	providers := make([]gateway.ProviderExchangeClient, 0, len(serverConfig.Providers))
	for _, name := range gateway.SupportedProviders() {
		providers = append(providers, gateway.NewOAuthProviderClient(name, serverConfig.Providers[name], serverConfig.ProviderTimeout, nil))
	}
	orchestrator, orchestratorErr := gateway.NewLoginOrchestrator(issuer, store, serverConfig.FrontendBaseURL, providers,
		gateway.WithOrchestratorLogger(logger),
		gateway.WithOrchestratorMetrics(metricsRecorder))
	if orchestratorErr != nil {
		return orchestratorErr
	}

	probe := gateway.NewConnectivityProbe(cacheTier,
		gateway.WithProbeLogger(logger),
		gateway.WithProbeMetrics(metricsRecorder))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.FrontendBaseURL, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	gateway.MountGatewayRoutes(router, orchestrator, issuer)

	principalValidator, validatorErr := sessionvalidator.New(serverConfig.SigningKey, serverConfig.Issuer,
		sessionvalidator.WithTimeSource(clock.Now))
	if validatorErr != nil {
		return validatorErr
	}
	protected := router.Group("/api")
	protected.Use(principalValidator.GinMiddleware(sessionvalidator.DefaultContextKey))
	protected.GET("/me", web.HandleWhoAmI(logger))

	router.GET("/api/gateway/status", web.HandleGatewayStatus(orchestrator, store, probe))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	server := &http.Server{
		Addr:              viper.GetString("listen_addr"),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runContext, cancelRun := context.WithCancel(signalContext)
	defer cancelRun()
	group, groupContext := errgroup.WithContext(runContext)

	group.Go(func() error {
		return probe.Run(groupContext)
	})
	if gormTier != nil {
		purgeInterval := viper.GetDuration("durable_purge_interval")
		retention := viper.GetDuration("durable_retention")
		group.Go(func() error {
			return runDurablePurge(groupContext, gormTier, clock, purgeInterval, retention, logger)
		})
	}
	group.Go(func() error {
		defer cancelRun()
		logger.Info("listening", zap.String("addr", server.Addr))
		if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupContext.Done()
		graceContext, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceContext); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	return group.Wait()
}

type expiredRowPurger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// runDurablePurge removes durable rows whose provider token expired more than retention ago.
// Purge failures are logged; the loop only stops with its context.
func runDurablePurge(ctx context.Context, purger expiredRowPurger, clock gateway.Clock, interval time.Duration, retention time.Duration, logger *zap.Logger) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			purgeOnce(ctx, purger, clock.Now().Add(-retention), logger)
		}
	}
}

func purgeOnce(ctx context.Context, purger expiredRowPurger, cutoff time.Time, logger *zap.Logger) {
	removed, err := purger.PurgeExpired(ctx, cutoff)
	if err != nil {
		logger.Warn("durable purge failed",
			zap.String("code", "store.durable.purge_failed"),
			zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Info("durable purge removed expired rows",
			zap.String("code", "store.durable.purged"),
			zap.Int64("rows", removed))
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
