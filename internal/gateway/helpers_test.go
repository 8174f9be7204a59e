package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var testNow = time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{current: start}
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *fakeClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

// fakeProvider serves /token and /profile like an OAuth provider.
type fakeProvider struct {
	server *httptest.Server

	tokenRequests   atomic.Int32
	profileRequests atomic.Int32

	mutex             sync.Mutex
	tokenStatus       int
	tokenBody         string
	profileStatus     int
	profileBody       string
	lastForm          url.Values
	lastAuthorization string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	provider := &fakeProvider{
		tokenStatus:   http.StatusOK,
		tokenBody:     `{"access_token":"pat1","refresh_token":"prt1","expires_in":3600,"token_type":"Bearer"}`,
		profileStatus: http.StatusOK,
		profileBody:   `{"id":"u1","name":"Alice","email":"a@example.com","verified_email":true}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(writer http.ResponseWriter, request *http.Request) {
		provider.tokenRequests.Add(1)
		_ = request.ParseForm()
		provider.mutex.Lock()
		provider.lastForm = request.PostForm
		status, body := provider.tokenStatus, provider.tokenBody
		provider.mutex.Unlock()
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(status)
		_, _ = fmt.Fprint(writer, body)
	})
	mux.HandleFunc("/profile", func(writer http.ResponseWriter, request *http.Request) {
		provider.profileRequests.Add(1)
		provider.mutex.Lock()
		provider.lastAuthorization = request.Header.Get("Authorization")
		status, body := provider.profileStatus, provider.profileBody
		provider.mutex.Unlock()
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(status)
		_, _ = fmt.Fprint(writer, body)
	})
	provider.server = httptest.NewServer(mux)
	t.Cleanup(provider.server.Close)
	return provider
}

func (provider *fakeProvider) setToken(status int, body string) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.tokenStatus, provider.tokenBody = status, body
}

func (provider *fakeProvider) setProfile(status int, body string) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.profileStatus, provider.profileBody = status, body
}

func (provider *fakeProvider) form() url.Values {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return provider.lastForm
}

func (provider *fakeProvider) authorization() string {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return provider.lastAuthorization
}

func (provider *fakeProvider) requests() int32 {
	return provider.tokenRequests.Load() + provider.profileRequests.Load()
}

func (provider *fakeProvider) config() ProviderConfig {
	return ProviderConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://gateway.test/auth/google/callback",
		AuthURL:      provider.server.URL + "/authorize",
		TokenURL:     provider.server.URL + "/token",
		ProfileURL:   provider.server.URL + "/profile",
	}
}

func (provider *fakeProvider) client(name string) *OAuthProviderClient {
	return NewOAuthProviderClient(name, provider.config(), 2*time.Second, provider.server.Client())
}

func newMiniredisTier(t *testing.T) (*miniredis.Miniredis, *RedisCacheTier) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, NewRedisCacheTierWithClient(client)
}

// newUnreachableRedisTier points at an address nothing listens on any more.
func newUnreachableRedisTier(t *testing.T) *RedisCacheTier {
	t.Helper()
	server := miniredis.RunT(t)
	address := server.Addr()
	server.Close()
	client := redis.NewClient(&redis.Options{
		Addr:        address,
		DialTimeout: 200 * time.Millisecond,
		ReadTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheTierWithClient(client)
}

func newSQLiteTier(t *testing.T) *GormDurableTier {
	t.Helper()
	tier, err := NewGormDurableTier(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("open sqlite tier: %v", err)
	}
	t.Cleanup(func() { _ = tier.Close() })
	return tier
}

func countRows(t *testing.T, tier *GormDurableTier) int64 {
	t.Helper()
	var count int64
	if err := tier.db.Model(&StoredTokenRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return count
}

func newTestIssuer(t *testing.T, clock Clock) *CredentialIssuer {
	t.Helper()
	issuer, err := NewCredentialIssuer([]byte("test-signing-key"), "tgate-test", clock)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	return issuer
}

// scriptedDurableTier is an in-memory DurableTier whose Create can be made to lose a unique-constraint race.
type scriptedDurableTier struct {
	mutex           sync.Mutex
	rows            map[string]StoredTokenRecord
	raceOnCreate    int
	alwaysConflict  bool
	failAll         error
	createCalls     int
	saveCalls       int
	findCalls       int
	deleteCalls     int
	nextID          uint64
	rivalAccessSeed string
}

func newScriptedDurableTier() *scriptedDurableTier {
	return &scriptedDurableTier{rows: make(map[string]StoredTokenRecord), rivalAccessSeed: "rival-access"}
}

func durableKey(provider string, subjectID string) string {
	return provider + "/" + subjectID
}

func (tier *scriptedDurableTier) FindByProviderAndSubject(ctx context.Context, provider string, subjectID string) (StoredTokenRecord, error) {
	tier.mutex.Lock()
	defer tier.mutex.Unlock()
	tier.findCalls++
	if tier.failAll != nil {
		return StoredTokenRecord{}, tier.failAll
	}
	record, ok := tier.rows[durableKey(provider, subjectID)]
	if !ok || tier.alwaysConflict {
		return StoredTokenRecord{}, fmt.Errorf("scripted.find: %w", ErrRecordNotFound)
	}
	return record, nil
}

func (tier *scriptedDurableTier) Create(ctx context.Context, record *StoredTokenRecord) error {
	tier.mutex.Lock()
	defer tier.mutex.Unlock()
	tier.createCalls++
	if tier.failAll != nil {
		return tier.failAll
	}
	key := durableKey(record.Provider, record.SubjectID)
	if tier.alwaysConflict {
		return errors.Join(ErrConflict, errors.New("duplicate key value violates unique constraint"))
	}
	if tier.raceOnCreate > 0 {
		tier.raceOnCreate--
		tier.nextID++
		tier.rows[key] = StoredTokenRecord{ID: tier.nextID, Provider: record.Provider, SubjectID: record.SubjectID, ProviderAccessToken: tier.rivalAccessSeed}
		return errors.Join(ErrConflict, errors.New("duplicate key value violates unique constraint"))
	}
	if _, exists := tier.rows[key]; exists {
		return errors.Join(ErrConflict, errors.New("duplicate key value violates unique constraint"))
	}
	tier.nextID++
	record.ID = tier.nextID
	tier.rows[key] = *record
	return nil
}

func (tier *scriptedDurableTier) Save(ctx context.Context, record *StoredTokenRecord) error {
	tier.mutex.Lock()
	defer tier.mutex.Unlock()
	tier.saveCalls++
	if tier.failAll != nil {
		return tier.failAll
	}
	tier.rows[durableKey(record.Provider, record.SubjectID)] = *record
	return nil
}

func (tier *scriptedDurableTier) DeleteByProviderAndSubject(ctx context.Context, provider string, subjectID string) error {
	tier.mutex.Lock()
	defer tier.mutex.Unlock()
	tier.deleteCalls++
	if tier.failAll != nil {
		return tier.failAll
	}
	delete(tier.rows, durableKey(provider, subjectID))
	return nil
}

func (tier *scriptedDurableTier) row(provider string, subjectID string) (StoredTokenRecord, bool) {
	tier.mutex.Lock()
	defer tier.mutex.Unlock()
	record, ok := tier.rows[durableKey(provider, subjectID)]
	return record, ok
}
