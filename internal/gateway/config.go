package gateway

import (
	"strings"
	"time"
)

// Cache modes accepted by CacheConfig.Mode.
const (
	CacheModeDisabled = "disabled"
	CacheModeRedis    = "redis"
	CacheModeMemory   = "memory"
)

// DefaultFrontendURL is used when no front-end base URL is configured.
const DefaultFrontendURL = "http://localhost:3000"

// ServerConfig is assembled once at process start and shared by reference.
type ServerConfig struct {
	FrontendBaseURL    string
	SigningKey         []byte
	Issuer             string
	Providers          map[string]ProviderConfig
	Cache              CacheConfig
	DatabaseURL        string
	ProviderTimeout    time.Duration
	StoreTimeout       time.Duration
	EnableCORS         bool
	CORSAllowedOrigins []string
}

// ProviderConfig holds the client registration for one OAuth provider.
// Endpoint fields override the built-in catalog when set.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string
	TokenURL     string
	ProfileURL   string
	Scopes       []string
}

// CacheConfig configures the cache tier connection.
type CacheConfig struct {
	Mode       string
	Host       string
	Port       int
	Username   string
	Password   string
	TLSEnabled bool
}

// validate reports the first missing client registration field.
func (configuration ProviderConfig) validate(provider string) error {
	switch {
	case strings.TrimSpace(configuration.ClientID) == "":
		return &ConfigurationError{Field: provider + "_client_id"}
	case strings.TrimSpace(configuration.ClientSecret) == "":
		return &ConfigurationError{Field: provider + "_client_secret"}
	case strings.TrimSpace(configuration.RedirectURI) == "":
		return &ConfigurationError{Field: provider + "_redirect_uri"}
	}
	return nil
}

// NormalizeFrontendURL defaults an empty URL and adds https:// when no scheme is present.
func NormalizeFrontendURL(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return DefaultFrontendURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		return "https://" + trimmed
	}
	return trimmed
}
