// Package sessionvalidator lets downstream services verify gateway access credentials
// offline, with only the shared signing key and issuer.
package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultCookieName is consulted when a request carries no bearer header.
	DefaultCookieName = "gateway_access"
	// DefaultContextKey is where GinMiddleware stores the Principal.
	DefaultContextKey = "gateway_principal"

	accessTokenUse = "access"
)

var (
	ErrMissingSigningKey = errors.New("sessionvalidator.missing_signing_key")
	ErrMissingIssuer     = errors.New("sessionvalidator.missing_issuer")
	ErrMissingToken      = errors.New("sessionvalidator.missing_token")
	ErrInvalidToken      = errors.New("sessionvalidator.invalid_token")
	ErrInvalidIssuer     = errors.New("sessionvalidator.invalid_issuer")
	ErrTokenExpired      = errors.New("sessionvalidator.expired")
	// ErrWrongTokenUse rejects refresh credentials presented as access credentials.
	ErrWrongTokenUse = errors.New("sessionvalidator.wrong_token_use")
)

// Claims is the payload the gateway signs into its credentials.
type Claims struct {
	Provider          string `json:"provider"`
	TokenUse          string `json:"token_use"`
	UserDisplayName   string `json:"user_display_name"`
	UserEmail         string `json:"user_email"`
	UserEmailVerified bool   `json:"user_email_verified"`
	UserAvatarURL     string `json:"user_avatar_url,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated user a validated access credential describes.
type Principal struct {
	SubjectID     string    `json:"id"`
	Provider      string    `json:"provider"`
	DisplayName   string    `json:"name"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"emailVerified"`
	AvatarURL     string    `json:"profileImage,omitempty"`
	ExpiresAt     time.Time `json:"expires"`
}

func (claims *Claims) principal() Principal {
	principal := Principal{
		SubjectID:     claims.Subject,
		Provider:      claims.Provider,
		DisplayName:   claims.UserDisplayName,
		Email:         claims.UserEmail,
		EmailVerified: claims.UserEmailVerified,
		AvatarURL:     claims.UserAvatarURL,
	}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return principal
}

// Option customizes a Validator.
type Option func(*Validator)

// WithCookieName overrides the fallback cookie.
func WithCookieName(name string) Option {
	return func(validator *Validator) {
		if strings.TrimSpace(name) != "" {
			validator.cookieName = name
		}
	}
}

// WithTimeSource overrides the clock used for expiry checks.
func WithTimeSource(now func() time.Time) Option {
	return func(validator *Validator) {
		if now != nil {
			validator.now = now
		}
	}
}

// WithLeeway tolerates clock skew between the gateway and this service.
func WithLeeway(leeway time.Duration) Option {
	return func(validator *Validator) {
		if leeway > 0 {
			validator.leeway = leeway
		}
	}
}

// Validator checks gateway access credentials.
type Validator struct {
	signingKey []byte
	issuer     string
	cookieName string
	leeway     time.Duration
	now        func() time.Time
}

// New builds a Validator for credentials signed with signingKey by issuer.
func New(signingKey []byte, issuer string, options ...Option) (*Validator, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("sessionvalidator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("sessionvalidator.new: %w", ErrMissingIssuer)
	}
	validator := &Validator{
		signingKey: signingKey,
		issuer:     issuer,
		cookieName: DefaultCookieName,
		now:        time.Now,
	}
	for _, option := range options {
		option(validator)
	}
	return validator, nil
}

// ValidateToken verifies signature, issuer, expiry and token use.
func (validator *Validator) ValidateToken(tokenString string) (Principal, error) {
	if strings.TrimSpace(tokenString) == "" {
		return Principal{}, fmt.Errorf("sessionvalidator.validate: %w", ErrMissingToken)
	}
	claims := &Claims{}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(validator.leeway),
		jwt.WithTimeFunc(validator.now))
	switch {
	case errors.Is(parseErr, jwt.ErrTokenExpired):
		return Principal{}, fmt.Errorf("sessionvalidator.validate: %w", ErrTokenExpired)
	case parseErr != nil, !parsedToken.Valid, claims.Subject == "":
		return Principal{}, fmt.Errorf("sessionvalidator.validate: %w", ErrInvalidToken)
	case claims.Issuer != validator.issuer:
		return Principal{}, fmt.Errorf("sessionvalidator.validate: %w", ErrInvalidIssuer)
	case claims.TokenUse != accessTokenUse:
		return Principal{}, fmt.Errorf("sessionvalidator.validate: %w", ErrWrongTokenUse)
	}
	return claims.principal(), nil
}

// ValidateRequest prefers a bearer Authorization header and falls back to the cookie.
func (validator *Validator) ValidateRequest(request *http.Request) (Principal, error) {
	if request == nil {
		return Principal{}, fmt.Errorf("sessionvalidator.validate_request: %w", ErrMissingToken)
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(request.Header.Get("Authorization")), " ")
	if found && strings.EqualFold(scheme, "Bearer") {
		return validator.ValidateToken(strings.TrimSpace(token))
	}
	cookie, err := request.Cookie(validator.cookieName)
	if err != nil {
		return Principal{}, fmt.Errorf("sessionvalidator.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateToken(cookie.Value)
}

// GinMiddleware rejects unauthenticated requests with 401 and stores the Principal under contextKey.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		principal, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			reason := "invalid_credential"
			if errors.Is(err, ErrMissingToken) {
				reason = "missing_credential"
			}
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reason})
			return
		}
		contextGin.Set(contextKey, principal)
		contextGin.Next()
	}
}

// PrincipalFromGin returns the Principal stored by GinMiddleware.
func PrincipalFromGin(contextGin *gin.Context, contextKey string) (Principal, bool) {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	value, exists := contextGin.Get(contextKey)
	if !exists {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}
