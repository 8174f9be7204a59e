package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tgate/internal/gateway"
	"go.uber.org/zap"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigRequiresSigningKey(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error when jwt_signing_key is missing")
	}
	var configurationError *gateway.ConfigurationError
	if !errors.As(err, &configurationError) || configurationError.Field != "jwt_signing_key" {
		t.Fatalf("expected configuration error for jwt_signing_key, got %v", err)
	}
	expectedMessage := "config.missing_jwt_signing_key: jwt_signing_key must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name            string
		settings        map[string]any
		expectedMessage string
	}{
		{
			name:            "unknown cache mode",
			settings:        map[string]any{"cache_mode": "memcached"},
			expectedMessage: "config.invalid_cache_mode: cache_mode must be one of disabled, redis, memory",
		},
		{
			name:            "redis without host",
			settings:        map[string]any{"cache_mode": "redis"},
			expectedMessage: "config.missing_redis_host: redis_host must be provided",
		},
		{
			name:            "zero provider timeout",
			settings:        map[string]any{"provider_timeout": time.Duration(0)},
			expectedMessage: "config.invalid_provider_timeout: provider_timeout must be greater than zero",
		},
		{
			name:            "negative store timeout",
			settings:        map[string]any{"store_timeout": -time.Second},
			expectedMessage: "config.invalid_store_timeout: store_timeout must be greater than zero",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			viper.Set("jwt_signing_key", "signing-secret")
			for key, value := range testCase.settings {
				viper.Set(key, value)
			}
			_, err := LoadServerConfig()
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestLoadServerConfigAssemblesProvidersAndDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("frontend_url", "app.example.com/")
	viper.Set("google_client_id", "google-client")
	viper.Set("google_client_secret", "google-secret")
	viper.Set("google_redirect_uri", "https://gateway.example.com/auth/google/callback")
	viper.Set("naver_token_url", "https://naver.test/token")
	viper.Set("cache_mode", "REDIS")
	viper.Set("redis_host", "cache.internal")
	viper.Set("redis_tls", true)

	serverConfig, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if serverConfig.FrontendBaseURL != "https://app.example.com" {
		t.Fatalf("unexpected frontend url %q", serverConfig.FrontendBaseURL)
	}
	if serverConfig.Issuer != "tgate" {
		t.Fatalf("unexpected issuer %q", serverConfig.Issuer)
	}
	google := serverConfig.Providers["google"]
	if google.ClientID != "google-client" || google.ClientSecret != "google-secret" || google.RedirectURI == "" {
		t.Fatalf("unexpected google config %+v", google)
	}
	if serverConfig.Providers["naver"].TokenURL != "https://naver.test/token" {
		t.Fatalf("expected naver token override, got %+v", serverConfig.Providers["naver"])
	}
	if _, ok := serverConfig.Providers["kakao"]; !ok {
		t.Fatalf("expected kakao registration")
	}
	if serverConfig.Cache.Mode != gateway.CacheModeRedis || serverConfig.Cache.Port != 6379 || !serverConfig.Cache.TLSEnabled {
		t.Fatalf("unexpected cache config %+v", serverConfig.Cache)
	}
	if serverConfig.ProviderTimeout != 10*time.Second || serverConfig.StoreTimeout != gateway.DefaultStoreTimeout {
		t.Fatalf("unexpected timeouts %v %v", serverConfig.ProviderTimeout, serverConfig.StoreTimeout)
	}
}

func TestPrepareServerConfigStoresConfigOnContext(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	viper.Set("jwt_signing_key", "signing-secret")

	command := &cobra.Command{}
	if err := prepareServerConfig(command, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	serverConfig, ok := command.Context().Value(serverConfigContextKey).(gateway.ServerConfig)
	if !ok || string(serverConfig.SigningKey) != "signing-secret" {
		t.Fatalf("expected server config on context, got %#v", command.Context().Value(serverConfigContextKey))
	}
}

func TestRunServerWiresTiersAndStops(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("cache_mode", "memory")
	viper.Set("database_url", "sqlite://"+filepath.Join(t.TempDir(), "tokens.db"))
	viper.Set("listen_addr", "127.0.0.1:0")

	originalServe := serveHTTP
	defer func() { serveHTTP = originalServe }()
	var handled atomic.Int32
	serveHTTP = func(server *http.Server) error {
		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/gateway/status", nil))
		if recorder.Code == http.StatusOK {
			handled.Add(1)
		}
		metricsRecorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(metricsRecorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if metricsRecorder.Code == http.StatusOK {
			handled.Add(1)
		}
		return http.ErrServerClosed
	}

	command := &cobra.Command{}
	command.SetContext(context.Background())
	if err := prepareServerConfig(command, nil); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := runServer(command, nil); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if handled.Load() != 2 {
		t.Fatalf("expected status and metrics endpoints to answer 200, got %d", handled.Load())
	}
}

type recordingPurger struct {
	calls   atomic.Int32
	cutoffs chan time.Time
}

func (purger *recordingPurger) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	purger.calls.Add(1)
	select {
	case purger.cutoffs <- cutoff:
	default:
	}
	return 1, nil
}

type fixedClock struct{ current time.Time }

func (clock fixedClock) Now() time.Time { return clock.current }

func TestRunDurablePurgeUsesRetentionCutoff(t *testing.T) {
	now := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
	purger := &recordingPurger{cutoffs: make(chan time.Time, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runDurablePurge(ctx, purger, fixedClock{current: now}, 5*time.Millisecond, 24*time.Hour, zap.NewNop())
	}()

	select {
	case cutoff := <-purger.cutoffs:
		if !cutoff.Equal(now.Add(-24 * time.Hour)) {
			t.Fatalf("unexpected cutoff %v", cutoff)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("purge did not run")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected nil on cancel, got %v", err)
	}
}

func TestRunDurablePurgeDisabled(t *testing.T) {
	purger := &recordingPurger{cutoffs: make(chan time.Time, 1)}
	if err := runDurablePurge(context.Background(), purger, fixedClock{}, 0, time.Hour, zap.NewNop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if purger.calls.Load() != 0 {
		t.Fatalf("expected no purge when disabled")
	}
}
