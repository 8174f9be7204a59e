package sessionvalidator

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tgate/internal/gateway"
)

var validatorNow = time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)

type stoppedClock time.Time

func (clock stoppedClock) Now() time.Time {
	return time.Time(clock)
}

var alice = gateway.Identity{
	ExternalID:      "u1",
	Provider:        "google",
	DisplayName:     "Alice",
	Email:           "a@example.com",
	EmailVerified:   true,
	ProfileImageURL: "https://img.example.com/a.png",
}

// issueCredentials mints a pair the way the gateway does.
func issueCredentials(t *testing.T, signingKey string, issuer string, issuedAt time.Time) (string, string) {
	t.Helper()
	credentialIssuer, err := gateway.NewCredentialIssuer([]byte(signingKey), issuer, stoppedClock(issuedAt))
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	access, refresh, err := credentialIssuer.Issue(alice)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return access.Token, refresh.Token
}

func newValidatorAt(t *testing.T, now time.Time, options ...Option) *Validator {
	t.Helper()
	options = append([]Option{WithTimeSource(func() time.Time { return now })}, options...)
	validator, err := New([]byte("shared-key"), "tgate", options...)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return validator
}

func TestNewRequiresKeyAndIssuer(t *testing.T) {
	if _, err := New(nil, "tgate"); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected ErrMissingSigningKey, got %v", err)
	}
	if _, err := New([]byte("shared-key"), "  "); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected ErrMissingIssuer, got %v", err)
	}
	validator, err := New([]byte("shared-key"), "tgate", WithCookieName(""), WithLeeway(-time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if validator.cookieName != DefaultCookieName || validator.leeway != 0 {
		t.Fatalf("expected defaults to survive empty options, got %q %v", validator.cookieName, validator.leeway)
	}
}

func TestValidateTokenReturnsPrincipal(t *testing.T) {
	accessToken, _ := issueCredentials(t, "shared-key", "tgate", validatorNow)
	principal, err := newValidatorAt(t, validatorNow).ValidateToken(accessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	expected := Principal{
		SubjectID:     "u1",
		Provider:      "google",
		DisplayName:   "Alice",
		Email:         "a@example.com",
		EmailVerified: true,
		AvatarURL:     "https://img.example.com/a.png",
		ExpiresAt:     validatorNow.Add(gateway.AccessCredentialTTL),
	}
	if principal != expected {
		t.Fatalf("expected %+v, got %+v", expected, principal)
	}
}

func TestValidateTokenRejections(t *testing.T) {
	testCases := []struct {
		name     string
		token    func(t *testing.T) string
		expected error
	}{
		{
			name:     "blank",
			token:    func(t *testing.T) string { return " " },
			expected: ErrMissingToken,
		},
		{
			name: "other signing key",
			token: func(t *testing.T) string {
				accessToken, _ := issueCredentials(t, "someone-elses-key", "tgate", validatorNow)
				return accessToken
			},
			expected: ErrInvalidToken,
		},
		{
			name: "other issuer",
			token: func(t *testing.T) string {
				accessToken, _ := issueCredentials(t, "shared-key", "elsewhere", validatorNow)
				return accessToken
			},
			expected: ErrInvalidIssuer,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				accessToken, _ := issueCredentials(t, "shared-key", "tgate", validatorNow.Add(-gateway.AccessCredentialTTL-time.Minute))
				return accessToken
			},
			expected: ErrTokenExpired,
		},
		{
			name: "refresh credential",
			token: func(t *testing.T) string {
				_, refreshToken := issueCredentials(t, "shared-key", "tgate", validatorNow)
				return refreshToken
			},
			expected: ErrWrongTokenUse,
		},
		{
			name:     "garbage",
			token:    func(t *testing.T) string { return "not.a.jwt" },
			expected: ErrInvalidToken,
		},
	}
	validator := newValidatorAt(t, validatorNow)
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token(t)); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestLeewayToleratesSkew(t *testing.T) {
	issuedAt := validatorNow.Add(-gateway.AccessCredentialTTL - 10*time.Second)
	accessToken, _ := issueCredentials(t, "shared-key", "tgate", issuedAt)

	if _, err := newValidatorAt(t, validatorNow).ValidateToken(accessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiry without leeway, got %v", err)
	}
	if _, err := newValidatorAt(t, validatorNow, WithLeeway(time.Minute)).ValidateToken(accessToken); err != nil {
		t.Fatalf("expected leeway to accept, got %v", err)
	}
}

func TestValidateRequestSources(t *testing.T) {
	accessToken, _ := issueCredentials(t, "shared-key", "tgate", validatorNow)
	validator := newValidatorAt(t, validatorNow, WithCookieName("session"))

	bearer := httptest.NewRequest(http.MethodGet, "/orders", nil)
	bearer.Header.Set("Authorization", "bearer "+accessToken)
	if principal, err := validator.ValidateRequest(bearer); err != nil || principal.SubjectID != "u1" {
		t.Fatalf("expected bearer accepted, got %+v %v", principal, err)
	}

	cookie := httptest.NewRequest(http.MethodGet, "/orders", nil)
	cookie.AddCookie(&http.Cookie{Name: "session", Value: accessToken})
	if _, err := validator.ValidateRequest(cookie); err != nil {
		t.Fatalf("expected cookie accepted, got %v", err)
	}

	wrongCookie := httptest.NewRequest(http.MethodGet, "/orders", nil)
	wrongCookie.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: accessToken})
	if _, err := validator.ValidateRequest(wrongCookie); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected only the configured cookie to count, got %v", err)
	}
	if _, err := validator.ValidateRequest(nil); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected nil request rejected, got %v", err)
	}
}

func TestGinMiddlewareStoresPrincipal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	accessToken, _ := issueCredentials(t, "shared-key", "tgate", validatorNow)
	validator := newValidatorAt(t, validatorNow)

	router := gin.New()
	router.GET("/orders", validator.GinMiddleware(""), func(contextGin *gin.Context) {
		principal, ok := PrincipalFromGin(contextGin, "")
		if !ok || principal.Email != "a@example.com" {
			contextGin.Status(http.StatusInternalServerError)
			return
		}
		contextGin.Status(http.StatusOK)
	})

	testCases := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{name: "valid", header: "Bearer " + accessToken, status: http.StatusOK},
		{name: "missing", status: http.StatusUnauthorized, body: `{"error":"missing_credential"}`},
		{name: "invalid", header: "Bearer junk", status: http.StatusUnauthorized, body: `{"error":"invalid_credential"}`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/orders", nil)
			if testCase.header != "" {
				request.Header.Set("Authorization", testCase.header)
			}
			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, request)
			if recorder.Code != testCase.status {
				t.Fatalf("expected %d, got %d", testCase.status, recorder.Code)
			}
			if testCase.body != "" && recorder.Body.String() != testCase.body {
				t.Fatalf("unexpected body %s", recorder.Body.String())
			}
		})
	}
}
