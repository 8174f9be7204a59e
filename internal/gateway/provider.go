package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultProviderTimeout = 10 * time.Second
	defaultProviderExpiry  = time.Hour
	maxProfileBytes        = 1 << 20
)

// ProviderTokenSet holds the tokens returned by a code exchange.
// RefreshToken is empty when the provider omitted it.
type ProviderTokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// RawProfile is a provider profile payload exactly as received.
type RawProfile []byte

// ProviderExchangeClient performs the network round trips to one identity provider.
type ProviderExchangeClient interface {
	Name() string
	AuthCodeURL(state string) (string, error)
	ExchangeCode(ctx context.Context, code string, state string) (ProviderTokenSet, error)
	FetchProfile(ctx context.Context, accessToken string) (RawProfile, error)
}

type providerEndpoints struct {
	authURL    string
	tokenURL   string
	profileURL string
	scopes     []string
}

var providerCatalog = map[string]providerEndpoints{
	"google": {
		authURL:    "https://accounts.google.com/o/oauth2/v2/auth",
		tokenURL:   "https://oauth2.googleapis.com/token",
		profileURL: "https://www.googleapis.com/oauth2/v2/userinfo",
		scopes:     []string{"openid", "profile", "email"},
	},
	"naver": {
		authURL:    "https://nid.naver.com/oauth2.0/authorize",
		tokenURL:   "https://nid.naver.com/oauth2.0/token",
		profileURL: "https://openapi.naver.com/v1/nid/me",
	},
	"kakao": {
		authURL:    "https://kauth.kakao.com/oauth/authorize",
		tokenURL:   "https://kauth.kakao.com/oauth/token",
		profileURL: "https://kapi.kakao.com/v2/user/me",
		scopes:     []string{"profile_nickname", "account_email"},
	},
}

// SupportedProviders lists the providers with built-in endpoints.
func SupportedProviders() []string {
	names := make([]string, 0, len(providerCatalog))
	for name := range providerCatalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OAuthProviderClient implements ProviderExchangeClient over the authorization-code grant.
type OAuthProviderClient struct {
	name          string
	configuration ProviderConfig
	oauthConfig   *oauth2.Config
	profileURL    string
	httpClient    *http.Client
	timeout       time.Duration
}

// NewOAuthProviderClient builds a client for the named provider. Missing registration
// fields are reported per request so that an unconfigured provider never blocks startup.
func NewOAuthProviderClient(name string, configuration ProviderConfig, timeout time.Duration, httpClient *http.Client) *OAuthProviderClient {
	endpoints := providerCatalog[name]
	if configuration.AuthURL != "" {
		endpoints.authURL = configuration.AuthURL
	}
	if configuration.TokenURL != "" {
		endpoints.tokenURL = configuration.TokenURL
	}
	if configuration.ProfileURL != "" {
		endpoints.profileURL = configuration.ProfileURL
	}
	if len(configuration.Scopes) > 0 {
		endpoints.scopes = configuration.Scopes
	}
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &OAuthProviderClient{
		name:          name,
		configuration: configuration,
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURI,
			Scopes:       endpoints.scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   endpoints.authURL,
				TokenURL:  endpoints.tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		profileURL: endpoints.profileURL,
		httpClient: httpClient,
		timeout:    timeout,
	}
}

// Name returns the provider identifier.
func (client *OAuthProviderClient) Name() string {
	return client.name
}

// AuthCodeURL returns the provider authorization URL carrying the supplied state.
func (client *OAuthProviderClient) AuthCodeURL(state string) (string, error) {
	if err := client.ready(); err != nil {
		return "", err
	}
	if client.oauthConfig.Endpoint.AuthURL == "" {
		return "", &ConfigurationError{Field: client.name + "_auth_url"}
	}
	return client.oauthConfig.AuthCodeURL(state), nil
}

// ExchangeCode trades an authorization code for provider tokens in a single attempt.
func (client *OAuthProviderClient) ExchangeCode(ctx context.Context, code string, state string) (ProviderTokenSet, error) {
	if strings.TrimSpace(code) == "" {
		return ProviderTokenSet{}, fmt.Errorf("provider.exchange.%s: %w", client.name, ErrMissingCode)
	}
	if err := client.ready(); err != nil {
		return ProviderTokenSet{}, err
	}
	requestCtx, cancel := client.requestContext(ctx)
	defer cancel()

	var options []oauth2.AuthCodeOption
	if state != "" {
		options = append(options, oauth2.SetAuthURLParam("state", state))
	}
	token, err := client.oauthConfig.Exchange(requestCtx, code, options...)
	if err != nil {
		return ProviderTokenSet{}, fmt.Errorf("provider.exchange.%s: %w", client.name, translateExchangeError(err))
	}
	return ProviderTokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    tokenLifetime(token),
	}, nil
}

// FetchProfile loads the user profile with the provider access token as bearer.
func (client *OAuthProviderClient) FetchProfile(ctx context.Context, accessToken string) (RawProfile, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, fmt.Errorf("provider.profile.%s: %w", client.name, &ProviderError{Status: http.StatusUnauthorized, Body: "empty access token"})
	}
	if client.profileURL == "" {
		return nil, &ConfigurationError{Field: client.name + "_profile_url"}
	}
	requestCtx, cancel := client.requestContext(ctx)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, client.profileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("provider.profile.%s: %w", client.name, err)
	}
	request.Header.Set("Accept", "application/json")

	bearerClient := oauth2.NewClient(requestCtx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	response, err := bearerClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("provider.profile.%s: %w", client.name, &ProviderError{Body: err.Error()})
	}
	defer func() { _ = response.Body.Close() }()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxProfileBytes))
	if readErr != nil {
		return nil, fmt.Errorf("provider.profile.%s: %w", client.name, &ProviderError{Status: response.StatusCode, Body: readErr.Error()})
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("provider.profile.%s: %w", client.name, &ProviderError{Status: response.StatusCode, Body: string(body)})
	}
	return RawProfile(body), nil
}

func (client *OAuthProviderClient) ready() error {
	if err := client.configuration.validate(client.name); err != nil {
		return err
	}
	if client.oauthConfig.Endpoint.TokenURL == "" {
		return &ConfigurationError{Field: client.name + "_token_url"}
	}
	return nil
}

func (client *OAuthProviderClient) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeoutCtx, cancel := context.WithTimeout(ctx, client.timeout)
	return context.WithValue(timeoutCtx, oauth2.HTTPClient, client.httpClient), cancel
}

func translateExchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &ProviderError{Status: status, Body: string(retrieveErr.Body)}
	}
	return &ProviderError{Body: err.Error()}
}

// tokenLifetime reads expires_in from the raw response; some providers send it as a string.
func tokenLifetime(token *oauth2.Token) time.Duration {
	switch value := token.Extra("expires_in").(type) {
	case float64:
		if value > 0 {
			return time.Duration(value) * time.Second
		}
	case int64:
		if value > 0 {
			return time.Duration(value) * time.Second
		}
	case string:
		if seconds, err := strconv.ParseInt(value, 10, 64); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultProviderExpiry
}
