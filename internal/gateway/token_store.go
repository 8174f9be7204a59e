package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TokenClass namespaces cache-tier keys.
type TokenClass string

const (
	ClassProviderAccess    TokenClass = "provider_access"
	ClassProviderRefresh   TokenClass = "provider_refresh"
	ClassLocalAccess       TokenClass = "local_access"
	ClassLocalRefresh      TokenClass = "local_refresh"
	ClassAuthorizationCode TokenClass = "code"
)

var credentialClasses = []TokenClass{ClassProviderAccess, ClassProviderRefresh, ClassLocalAccess, ClassLocalRefresh}

const (
	// DefaultStoreTimeout bounds every individual tier call.
	DefaultStoreTimeout = 3 * time.Second
	// DefaultAuthorizationCodeTTL is the lifetime of a stashed authorization code.
	DefaultAuthorizationCodeTTL = 10 * time.Minute

	maxUpsertAttempts = 2
)

// TokenKey renders {class}:{provider}:{subject}; for authorization codes the subject is the code.
func TokenKey(class TokenClass, provider string, subjectID string) string {
	return string(class) + ":" + provider + ":" + subjectID
}

// PersistReport summarizes what reached each tier.
type PersistReport struct {
	CacheWrites    int
	CacheFailures  int
	DurableWritten bool
}

// TokenStoreOption customizes a DualTierTokenStore.
type TokenStoreOption func(*DualTierTokenStore)

// WithStoreTimeout sets the per-call tier timeout.
func WithStoreTimeout(timeout time.Duration) TokenStoreOption {
	return func(store *DualTierTokenStore) {
		if timeout > 0 {
			store.timeout = timeout
		}
	}
}

// WithStoreLogger sets the logger used for degradation events.
func WithStoreLogger(logger *zap.Logger) TokenStoreOption {
	return func(store *DualTierTokenStore) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithStoreMetrics sets the metrics recorder.
func WithStoreMetrics(metrics MetricsRecorder) TokenStoreOption {
	return func(store *DualTierTokenStore) {
		if metrics != nil {
			store.metrics = metrics
		}
	}
}

// WithStoreClock sets the clock used for durable expiry timestamps.
func WithStoreClock(clock Clock) TokenStoreOption {
	return func(store *DualTierTokenStore) {
		if clock != nil {
			store.clock = clock
		}
	}
}

// DualTierTokenStore keeps credentials in a TTL cache tier and a durable tier.
// Either tier may be nil; a nil tier is absent and its operations degrade to no-ops.
type DualTierTokenStore struct {
	cache   CacheTier
	durable DurableTier
	timeout time.Duration
	logger  *zap.Logger
	metrics MetricsRecorder
	clock   Clock
}

// NewDualTierTokenStore composes the tiers.
func NewDualTierTokenStore(cache CacheTier, durable DurableTier, options ...TokenStoreOption) *DualTierTokenStore {
	store := &DualTierTokenStore{
		cache:   cache,
		durable: durable,
		timeout: DefaultStoreTimeout,
		logger:  zap.NewNop(),
		metrics: noopMetrics{},
		clock:   NewSystemClock(),
	}
	for _, option := range options {
		option(store)
	}
	return store
}

// CacheAvailable reports whether a cache tier is configured.
func (store *DualTierTokenStore) CacheAvailable() bool {
	return store.cache != nil
}

// DurableAvailable reports whether a durable tier is configured.
func (store *DualTierTokenStore) DurableAvailable() bool {
	return store.durable != nil
}

// Put writes a value for the class with an explicit TTL. Only the TTL and value
// invariants are reported; tier faults are logged and absorbed.
func (store *DualTierTokenStore) Put(ctx context.Context, class TokenClass, provider string, subjectID string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("token_store.put.%s: %w", class, ErrMissingTTL)
	}
	if value == "" {
		return fmt.Errorf("token_store.put.%s: %w", class, ErrEmptyTokenValue)
	}
	store.writeCache(ctx, TokenKey(class, provider, subjectID), value, ttl)
	return nil
}

// Get reads a live value; absence in the cache tier means not currently valid.
func (store *DualTierTokenStore) Get(ctx context.Context, class TokenClass, provider string, subjectID string) (string, bool) {
	if store.cache == nil {
		return "", false
	}
	tierCtx, cancel := store.tierContext(ctx)
	defer cancel()
	value, err := store.cache.Get(tierCtx, TokenKey(class, provider, subjectID))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			store.degradedCache("store.cache.get_failed", class, provider, err)
		}
		return "", false
	}
	return value, true
}

// Delete removes a value from the cache tier.
func (store *DualTierTokenStore) Delete(ctx context.Context, class TokenClass, provider string, subjectID string) {
	store.deleteCache(ctx, provider, TokenKey(class, provider, subjectID))
}

// PutAuthorizationCode stashes a one-time code with the state it was issued for.
func (store *DualTierTokenStore) PutAuthorizationCode(ctx context.Context, provider string, code string, state string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("token_store.put.%s: %w", ClassAuthorizationCode, ErrMissingTTL)
	}
	if code == "" {
		return fmt.Errorf("token_store.put.%s: %w", ClassAuthorizationCode, ErrEmptyTokenValue)
	}
	// An empty state is stored as-is so redemption with an empty state still matches.
	store.setCache(ctx, TokenKey(ClassAuthorizationCode, provider, code), state, ttl)
	return nil
}

// VerifyAndDelete consumes a stashed code. A replayed, expired, or unknown code,
// or an unavailable cache tier, all report found=false.
func (store *DualTierTokenStore) VerifyAndDelete(ctx context.Context, provider string, code string) (string, bool) {
	if store.cache == nil || code == "" {
		return "", false
	}
	tierCtx, cancel := store.tierContext(ctx)
	defer cancel()
	state, err := store.cache.GetAndDelete(tierCtx, TokenKey(ClassAuthorizationCode, provider, code))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			store.degradedCache("store.cache.getdel_failed", ClassAuthorizationCode, provider, err)
		}
		return "", false
	}
	return state, true
}

// PersistAll writes the four credential classes to the cache tier and upserts the
// durable row. The tiers fail independently and neither failure is returned.
func (store *DualTierTokenStore) PersistAll(ctx context.Context, provider string, subjectID string, tokens ProviderTokenSet, access SessionCredential, refresh SessionCredential) PersistReport {
	providerTTL := tokens.ExpiresIn
	if providerTTL <= 0 {
		providerTTL = defaultProviderExpiry
	}
	var report PersistReport
	record := func(written bool) {
		if written {
			report.CacheWrites++
		} else {
			report.CacheFailures++
		}
	}
	if tokens.AccessToken != "" {
		record(store.writeCache(ctx, TokenKey(ClassProviderAccess, provider, subjectID), tokens.AccessToken, providerTTL))
	}
	if tokens.RefreshToken != "" {
		record(store.writeCache(ctx, TokenKey(ClassProviderRefresh, provider, subjectID), tokens.RefreshToken, RefreshCredentialTTL))
	}
	record(store.writeCache(ctx, TokenKey(ClassLocalAccess, provider, subjectID), access.Token, access.TTL()))
	record(store.writeCache(ctx, TokenKey(ClassLocalRefresh, provider, subjectID), refresh.Token, refresh.TTL()))

	providerExpiresAt := store.clock.Now().UTC().Add(providerTTL)
	report.DurableWritten = store.upsertDurable(ctx, provider, subjectID, true, func(row *StoredTokenRecord) {
		if tokens.AccessToken != "" {
			row.ProviderAccessToken = tokens.AccessToken
		}
		if tokens.RefreshToken != "" {
			row.ProviderRefreshToken = tokens.RefreshToken
		}
		row.ProviderExpiresAt = providerExpiresAt
		applyLocalCredentials(row, access, refresh)
	})
	return report
}

// RotateLocal replaces the local credential pair after a refresh. The durable row is
// updated only when one exists.
func (store *DualTierTokenStore) RotateLocal(ctx context.Context, provider string, subjectID string, access SessionCredential, refresh SessionCredential) PersistReport {
	var report PersistReport
	for _, credential := range []struct {
		class TokenClass
		value SessionCredential
	}{{ClassLocalAccess, access}, {ClassLocalRefresh, refresh}} {
		if store.writeCache(ctx, TokenKey(credential.class, provider, subjectID), credential.value.Token, credential.value.TTL()) {
			report.CacheWrites++
		} else {
			report.CacheFailures++
		}
	}
	report.DurableWritten = store.upsertDurable(ctx, provider, subjectID, false, func(row *StoredTokenRecord) {
		applyLocalCredentials(row, access, refresh)
	})
	return report
}

// Revoke deletes every credential class for the identity and its durable row.
func (store *DualTierTokenStore) Revoke(ctx context.Context, provider string, subjectID string) {
	keys := make([]string, 0, len(credentialClasses))
	for _, class := range credentialClasses {
		keys = append(keys, TokenKey(class, provider, subjectID))
	}
	store.deleteCache(ctx, provider, keys...)

	if store.durable == nil {
		return
	}
	tierCtx, cancel := store.tierContext(ctx)
	defer cancel()
	if err := store.durable.DeleteByProviderAndSubject(tierCtx, provider, subjectID); err != nil {
		store.degradedDurable("store.durable.delete_failed", provider, err)
	}
}

func applyLocalCredentials(row *StoredTokenRecord, access SessionCredential, refresh SessionCredential) {
	row.LocalAccessToken = access.Token
	row.LocalAccessExpiresAt = access.ExpiresAt.UTC()
	row.LocalRefreshToken = refresh.Token
	row.LocalRefreshExpiresAt = refresh.ExpiresAt.UTC()
}

func (store *DualTierTokenStore) writeCache(ctx context.Context, key string, value string, ttl time.Duration) bool {
	if value == "" {
		return false
	}
	return store.setCache(ctx, key, value, ttl)
}

func (store *DualTierTokenStore) setCache(ctx context.Context, key string, value string, ttl time.Duration) bool {
	if store.cache == nil || ttl <= 0 {
		return false
	}
	tierCtx, cancel := store.tierContext(ctx)
	defer cancel()
	if err := store.cache.Set(tierCtx, key, value, ttl); err != nil {
		store.logger.Warn("cache tier write failed",
			zap.String("code", "store.cache.put_failed"),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		store.metrics.Increment(metricCacheDegraded)
		return false
	}
	return true
}

func (store *DualTierTokenStore) deleteCache(ctx context.Context, provider string, keys ...string) {
	if store.cache == nil {
		return
	}
	tierCtx, cancel := store.tierContext(ctx)
	defer cancel()
	if err := store.cache.Delete(tierCtx, keys...); err != nil {
		store.logger.Warn("cache tier delete failed",
			zap.String("code", "store.cache.delete_failed"),
			zap.String("provider", provider),
			zap.Error(err))
		store.metrics.Increment(metricCacheDegraded)
	}
}

// upsertDurable runs find, mutate-or-create, save. A duplicate-key race is retried
// once after re-reading; a second conflict is absorbed like any other tier fault.
func (store *DualTierTokenStore) upsertDurable(ctx context.Context, provider string, subjectID string, createIfMissing bool, mutate func(*StoredTokenRecord)) bool {
	if store.durable == nil {
		return false
	}
	for attempt := 1; attempt <= maxUpsertAttempts; attempt++ {
		written, err := store.upsertOnce(ctx, provider, subjectID, createIfMissing, mutate)
		if err == nil {
			return written
		}
		if errors.Is(err, ErrConflict) && attempt < maxUpsertAttempts {
			store.logger.Info("durable tier upsert conflict, retrying",
				zap.String("code", "store.durable.conflict_retry"),
				zap.String("provider", provider),
				zap.Int("attempt", attempt))
			store.metrics.Increment(metricDurableConflict)
			continue
		}
		store.degradedDurable("store.durable.upsert_failed", provider, err)
		return false
	}
	return false
}

func (store *DualTierTokenStore) upsertOnce(ctx context.Context, provider string, subjectID string, createIfMissing bool, mutate func(*StoredTokenRecord)) (bool, error) {
	findCtx, cancelFind := store.tierContext(ctx)
	existing, findErr := store.durable.FindByProviderAndSubject(findCtx, provider, subjectID)
	cancelFind()

	writeCtx, cancelWrite := store.tierContext(ctx)
	defer cancelWrite()
	switch {
	case findErr == nil:
		mutate(&existing)
		if err := store.durable.Save(writeCtx, &existing); err != nil {
			return false, err
		}
		return true, nil
	case errors.Is(findErr, ErrRecordNotFound):
		if !createIfMissing {
			return false, nil
		}
		created := StoredTokenRecord{Provider: provider, SubjectID: subjectID}
		mutate(&created)
		if err := store.durable.Create(writeCtx, &created); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, findErr
	}
}

func (store *DualTierTokenStore) tierContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, store.timeout)
}

func (store *DualTierTokenStore) degradedCache(code string, class TokenClass, provider string, err error) {
	store.logger.Warn("cache tier unavailable",
		zap.String("code", code),
		zap.String("class", string(class)),
		zap.String("provider", provider),
		zap.Error(err))
	store.metrics.Increment(metricCacheDegraded)
}

func (store *DualTierTokenStore) degradedDurable(code string, provider string, err error) {
	store.logger.Warn("durable tier unavailable",
		zap.String("code", code),
		zap.String("provider", provider),
		zap.Error(errors.Join(ErrStoreUnavailable, err)))
	store.metrics.Increment(metricDurableDegraded)
}
