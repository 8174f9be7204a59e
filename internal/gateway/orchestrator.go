package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LoginPhase names a state of a single login attempt.
type LoginPhase string

const (
	PhaseStart             LoginPhase = "start"
	PhaseExchanging        LoginPhase = "exchanging"
	PhaseProfileFetched    LoginPhase = "profile_fetched"
	PhaseIdentityResolved  LoginPhase = "identity_resolved"
	PhaseCredentialsIssued LoginPhase = "credentials_issued"
	PhasePersisted         LoginPhase = "persisted"
	PhaseSuccess           LoginPhase = "success"
	PhaseFailed            LoginPhase = "failed"
)

// FailureReason is the caller-visible classification of a failed attempt.
type FailureReason string

const (
	ReasonProviderError      FailureReason = "provider_error"
	ReasonMissingCode        FailureReason = "missing_code"
	ReasonExchangeError      FailureReason = "exchange_error"
	ReasonProfileError       FailureReason = "profile_error"
	ReasonMalformedProfile   FailureReason = "malformed_profile"
	ReasonConfigurationError FailureReason = "configuration_error"
	ReasonInvalidCode        FailureReason = "invalid_code"
	ReasonCredentialError    FailureReason = "credential_error"
)

var failureMessages = map[FailureReason]string{
	ReasonProviderError:      "the provider did not authorize the login",
	ReasonMissingCode:        "authorization code is required",
	ReasonExchangeError:      "token exchange with the provider failed",
	ReasonProfileError:       "fetching the provider profile failed",
	ReasonMalformedProfile:   "the provider profile did not identify a user",
	ReasonConfigurationError: "the provider is not configured",
	ReasonInvalidCode:        "invalid or expired authorization code",
	ReasonCredentialError:    "session credentials could not be issued",
}

// CallbackRequest carries the provider redirect parameters.
type CallbackRequest struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// LoginOutcome is the structured result of one attempt. Err carries internal
// detail for logs and is never rendered to the caller.
type LoginOutcome struct {
	Phase       LoginPhase
	FailedAt    LoginPhase
	Reason      FailureReason
	Message     string
	Provider    string
	Identity    Identity
	Access      SessionCredential
	Refresh     SessionCredential
	RedirectURL string
	Persist     PersistReport
	Err         error
}

// Succeeded reports whether the attempt reached SUCCESS.
func (outcome LoginOutcome) Succeeded() bool {
	return outcome.Phase == PhaseSuccess
}

// AuthorizationRequest is the provider redirect target and the state it embeds.
type AuthorizationRequest struct {
	URL   string
	State string
}

// RefreshResult carries a rotated credential pair.
type RefreshResult struct {
	Identity Identity
	Access   SessionCredential
	Refresh  SessionCredential
}

// CredentialSnapshot is the live local credential pair held by the cache tier.
type CredentialSnapshot struct {
	Provider     string
	SubjectID    string
	AccessToken  string
	RefreshToken string
}

// OrchestratorOption customizes a LoginOrchestrator.
type OrchestratorOption func(*LoginOrchestrator)

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger *zap.Logger) OrchestratorOption {
	return func(orchestrator *LoginOrchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithOrchestratorMetrics sets the metrics recorder.
func WithOrchestratorMetrics(metrics MetricsRecorder) OrchestratorOption {
	return func(orchestrator *LoginOrchestrator) {
		if metrics != nil {
			orchestrator.metrics = metrics
		}
	}
}

// WithAuthorizationCodeTTL overrides the lifetime of stashed authorization codes.
func WithAuthorizationCodeTTL(ttl time.Duration) OrchestratorOption {
	return func(orchestrator *LoginOrchestrator) {
		if ttl > 0 {
			orchestrator.codeTTL = ttl
		}
	}
}

// WithStateGenerator overrides OAuth state generation.
func WithStateGenerator(generate func() string) OrchestratorOption {
	return func(orchestrator *LoginOrchestrator) {
		if generate != nil {
			orchestrator.newState = generate
		}
	}
}

// LoginOrchestrator drives code exchange, identity resolution, credential issuance, and persistence.
type LoginOrchestrator struct {
	providers       map[string]ProviderExchangeClient
	normalizer      ProfileNormalizer
	issuer          *CredentialIssuer
	store           *DualTierTokenStore
	frontendBaseURL string
	codeTTL         time.Duration
	newState        func() string
	logger          *zap.Logger
	metrics         MetricsRecorder
}

// NewLoginOrchestrator wires the components; the issuer and store are required.
func NewLoginOrchestrator(issuer *CredentialIssuer, store *DualTierTokenStore, frontendBaseURL string, providers []ProviderExchangeClient, options ...OrchestratorOption) (*LoginOrchestrator, error) {
	if issuer == nil {
		return nil, errors.New("orchestrator.new: credential issuer is required")
	}
	if store == nil {
		return nil, errors.New("orchestrator.new: token store is required")
	}
	orchestrator := &LoginOrchestrator{
		providers:       make(map[string]ProviderExchangeClient, len(providers)),
		issuer:          issuer,
		store:           store,
		frontendBaseURL: NormalizeFrontendURL(frontendBaseURL),
		codeTTL:         DefaultAuthorizationCodeTTL,
		newState:        uuid.NewString,
		logger:          zap.NewNop(),
		metrics:         noopMetrics{},
	}
	for _, provider := range providers {
		if provider != nil {
			orchestrator.providers[provider.Name()] = provider
		}
	}
	for _, option := range options {
		option(orchestrator)
	}
	return orchestrator, nil
}

// Providers lists the registered provider names.
func (orchestrator *LoginOrchestrator) Providers() []string {
	names := make([]string, 0, len(orchestrator.providers))
	for name := range orchestrator.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasProvider reports whether a client is registered for the provider.
func (orchestrator *LoginOrchestrator) HasProvider(provider string) bool {
	_, ok := orchestrator.providers[provider]
	return ok
}

// FrontendBaseURL is the redirect target for every failed attempt.
func (orchestrator *LoginOrchestrator) FrontendBaseURL() string {
	return orchestrator.frontendBaseURL
}

// AuthorizationURL builds the provider redirect with a fresh random state.
func (orchestrator *LoginOrchestrator) AuthorizationURL(provider string) (AuthorizationRequest, error) {
	client, ok := orchestrator.providers[provider]
	if !ok {
		return AuthorizationRequest{}, fmt.Errorf("orchestrator.auth_url.%s: %w", provider, ErrUnknownProvider)
	}
	state := orchestrator.newState()
	target, err := client.AuthCodeURL(state)
	if err != nil {
		return AuthorizationRequest{}, err
	}
	return AuthorizationRequest{URL: target, State: state}, nil
}

// Login runs one attempt through the state machine. Storage faults never fail it.
func (orchestrator *LoginOrchestrator) Login(ctx context.Context, provider string, request CallbackRequest, redirectPath string) LoginOutcome {
	if request.Error != "" {
		message := strings.TrimSpace(request.ErrorDescription)
		if message == "" {
			message = request.Error
		}
		outcome := orchestrator.fail(provider, PhaseStart, ReasonProviderError, fmt.Errorf("orchestrator.provider_error: %s", request.Error))
		outcome.Message = message
		return outcome
	}
	if strings.TrimSpace(request.Code) == "" {
		return orchestrator.fail(provider, PhaseStart, ReasonMissingCode, ErrMissingCode)
	}
	client, ok := orchestrator.providers[provider]
	if !ok {
		return orchestrator.fail(provider, PhaseStart, ReasonConfigurationError, fmt.Errorf("orchestrator.login.%s: %w", provider, ErrUnknownProvider))
	}

	orchestrator.trace(provider, PhaseExchanging)
	tokens, err := client.ExchangeCode(ctx, request.Code, request.State)
	if err != nil {
		var configurationError *ConfigurationError
		if errors.As(err, &configurationError) {
			return orchestrator.fail(provider, PhaseExchanging, ReasonConfigurationError, err)
		}
		return orchestrator.fail(provider, PhaseExchanging, ReasonExchangeError, err)
	}

	rawProfile, err := client.FetchProfile(ctx, tokens.AccessToken)
	if err != nil {
		var configurationError *ConfigurationError
		if errors.As(err, &configurationError) {
			return orchestrator.fail(provider, PhaseExchanging, ReasonConfigurationError, err)
		}
		return orchestrator.fail(provider, PhaseExchanging, ReasonProfileError, err)
	}
	orchestrator.trace(provider, PhaseProfileFetched)

	identity, err := orchestrator.normalizer.Normalize(provider, rawProfile)
	if err != nil {
		return orchestrator.fail(provider, PhaseProfileFetched, ReasonMalformedProfile, err)
	}
	orchestrator.trace(provider, PhaseIdentityResolved)

	access, refresh, err := orchestrator.issuer.Issue(identity)
	if err != nil {
		return orchestrator.fail(provider, PhaseIdentityResolved, ReasonCredentialError, err)
	}
	orchestrator.trace(provider, PhaseCredentialsIssued)

	report := orchestrator.store.PersistAll(ctx, provider, identity.ExternalID, tokens, access, refresh)
	orchestrator.trace(provider, PhasePersisted)

	orchestrator.logger.Info("login succeeded",
		zap.String("code", "login.success"),
		zap.String("provider", provider),
		zap.String("subject", identity.ExternalID),
		zap.Int("cache_writes", report.CacheWrites),
		zap.Int("cache_failures", report.CacheFailures),
		zap.Bool("durable_written", report.DurableWritten))
	orchestrator.metrics.Increment(metricLoginSucceeded)
	return LoginOutcome{
		Phase:       PhaseSuccess,
		Provider:    provider,
		Identity:    identity,
		Access:      access,
		Refresh:     refresh,
		RedirectURL: orchestrator.successRedirect(provider, redirectPath),
		Persist:     report,
	}
}

// StashAuthorizationCode records a one-time code with the state it was issued for.
func (orchestrator *LoginOrchestrator) StashAuthorizationCode(ctx context.Context, provider string, code string, state string) error {
	if !orchestrator.HasProvider(provider) {
		return fmt.Errorf("orchestrator.stash_code.%s: %w", provider, ErrUnknownProvider)
	}
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("orchestrator.stash_code.%s: %w", provider, ErrMissingCode)
	}
	return orchestrator.store.PutAuthorizationCode(ctx, provider, code, state, orchestrator.codeTTL)
}

// RedeemAuthorizationCode consumes a stashed code and, when its state matches, logs in.
// Replayed, expired, unknown, and mismatched codes are indistinguishable to the caller.
func (orchestrator *LoginOrchestrator) RedeemAuthorizationCode(ctx context.Context, provider string, code string, state string, redirectPath string) LoginOutcome {
	if strings.TrimSpace(code) == "" {
		return orchestrator.fail(provider, PhaseStart, ReasonMissingCode, ErrMissingCode)
	}
	storedState, found := orchestrator.store.VerifyAndDelete(ctx, provider, code)
	if !found || subtle.ConstantTimeCompare([]byte(storedState), []byte(state)) != 1 {
		orchestrator.metrics.Increment(metricCodeRejected)
		return orchestrator.fail(provider, PhaseStart, ReasonInvalidCode, fmt.Errorf("orchestrator.redeem_code.%s: %w", provider, ErrCodeNotFound))
	}
	return orchestrator.Login(ctx, provider, CallbackRequest{Code: code, State: state}, redirectPath)
}

// Refresh rotates the local credential pair. The presented refresh credential must
// match the one the cache tier currently holds; without a cache tier refresh fails closed.
func (orchestrator *LoginOrchestrator) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	claims, err := orchestrator.issuer.ParseRefresh(refreshToken)
	if err != nil {
		orchestrator.metrics.Increment(metricRefreshRejected)
		return RefreshResult{}, err
	}
	current, found := orchestrator.store.Get(ctx, ClassLocalRefresh, claims.Provider, claims.Subject)
	if !found || subtle.ConstantTimeCompare([]byte(current), []byte(refreshToken)) != 1 {
		orchestrator.metrics.Increment(metricRefreshRejected)
		return RefreshResult{}, fmt.Errorf("orchestrator.refresh.%s: %w", claims.Provider, ErrInvalidCredential)
	}
	identity := claims.Identity()
	access, refresh, err := orchestrator.issuer.Issue(identity)
	if err != nil {
		return RefreshResult{}, err
	}
	orchestrator.store.RotateLocal(ctx, identity.Provider, identity.ExternalID, access, refresh)
	orchestrator.metrics.Increment(metricRefreshSucceeded)
	return RefreshResult{Identity: identity, Access: access, Refresh: refresh}, nil
}

// Logout revokes every stored credential for the identity, best-effort.
func (orchestrator *LoginOrchestrator) Logout(ctx context.Context, provider string, subjectID string) {
	orchestrator.store.Revoke(ctx, provider, subjectID)
	orchestrator.metrics.Increment(metricLogout)
	orchestrator.logger.Info("logout",
		zap.String("code", "logout"),
		zap.String("provider", provider),
		zap.String("subject", subjectID))
}

// CurrentCredentials returns the live local pair; found is false when neither is cached.
func (orchestrator *LoginOrchestrator) CurrentCredentials(ctx context.Context, provider string, subjectID string) (CredentialSnapshot, bool) {
	snapshot := CredentialSnapshot{Provider: provider, SubjectID: subjectID}
	accessToken, accessFound := orchestrator.store.Get(ctx, ClassLocalAccess, provider, subjectID)
	refreshToken, refreshFound := orchestrator.store.Get(ctx, ClassLocalRefresh, provider, subjectID)
	snapshot.AccessToken = accessToken
	snapshot.RefreshToken = refreshToken
	return snapshot, accessFound || refreshFound
}

func (orchestrator *LoginOrchestrator) fail(provider string, phase LoginPhase, reason FailureReason, err error) LoginOutcome {
	orchestrator.logger.Warn("login failed",
		zap.String("code", metricLoginFailedPrefix+string(reason)),
		zap.String("provider", provider),
		zap.String("phase", string(phase)),
		zap.Error(err))
	orchestrator.metrics.Increment(metricLoginFailedPrefix + string(reason))
	return LoginOutcome{
		Phase:       PhaseFailed,
		FailedAt:    phase,
		Reason:      reason,
		Message:     failureMessages[reason],
		Provider:    provider,
		RedirectURL: orchestrator.frontendBaseURL,
		Err:         err,
	}
}

func (orchestrator *LoginOrchestrator) trace(provider string, phase LoginPhase) {
	orchestrator.logger.Debug("login phase",
		zap.String("provider", provider),
		zap.String("phase", string(phase)))
}

// successRedirect accepts only same-site relative paths; anything else falls back to the provider dashboard.
func (orchestrator *LoginOrchestrator) successRedirect(provider string, redirectPath string) string {
	path := strings.TrimSpace(redirectPath)
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") || strings.Contains(path, "\\") {
		return orchestrator.frontendBaseURL + "/dashboard/" + url.PathEscape(provider)
	}
	return orchestrator.frontendBaseURL + path
}
