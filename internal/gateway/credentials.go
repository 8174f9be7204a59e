package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential lifetimes are policy constants, independent of provider expiry.
const (
	AccessCredentialTTL  = 3600 * time.Second
	RefreshCredentialTTL = 2592000 * time.Second
)

// CredentialKind distinguishes access from refresh credentials.
type CredentialKind string

const (
	CredentialKindAccess  CredentialKind = "access"
	CredentialKindRefresh CredentialKind = "refresh"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}

// SessionCredential is a self-issued signed token bound to one identity.
type SessionCredential struct {
	Kind      CredentialKind
	SubjectID string
	Provider  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Token     string
}

// TTL returns the lifetime the credential was issued with.
func (credential SessionCredential) TTL() time.Duration {
	return credential.ExpiresAt.Sub(credential.IssuedAt)
}

// CredentialClaims are embedded in both access and refresh credentials.
type CredentialClaims struct {
	Provider          string `json:"provider"`
	TokenUse          string `json:"token_use"`
	UserDisplayName   string `json:"user_display_name"`
	UserEmail         string `json:"user_email"`
	UserEmailVerified bool   `json:"user_email_verified"`
	UserAvatarURL     string `json:"user_avatar_url,omitempty"`
	jwt.RegisteredClaims
}

// Identity rebuilds the identity snapshot carried by the claims.
func (claims *CredentialClaims) Identity() Identity {
	return Identity{
		ExternalID:      claims.Subject,
		Provider:        claims.Provider,
		DisplayName:     claims.UserDisplayName,
		Email:           claims.UserEmail,
		EmailVerified:   claims.UserEmailVerified,
		ProfileImageURL: claims.UserAvatarURL,
	}
}

// CredentialIssuer mints HS256 access and refresh credentials.
type CredentialIssuer struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// NewCredentialIssuer validates signing material; a failure here is fatal at startup.
func NewCredentialIssuer(signingKey []byte, issuer string, clock Clock) (*CredentialIssuer, error) {
	if len(signingKey) == 0 {
		return nil, &ConfigurationError{Field: "jwt_signing_key"}
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, &ConfigurationError{Field: "jwt_issuer"}
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &CredentialIssuer{signingKey: signingKey, issuer: issuer, clock: clock}, nil
}

// Issue mints an independent access and refresh credential for the identity.
func (issuer *CredentialIssuer) Issue(identity Identity) (SessionCredential, SessionCredential, error) {
	if strings.TrimSpace(identity.ExternalID) == "" || strings.TrimSpace(identity.Provider) == "" {
		return SessionCredential{}, SessionCredential{}, fmt.Errorf("credential.issue: %w", ErrUnresolvedIdentity)
	}
	issuedAt := issuer.clock.Now().UTC().Truncate(time.Second)
	access, err := issuer.mint(identity, CredentialKindAccess, issuedAt, AccessCredentialTTL)
	if err != nil {
		return SessionCredential{}, SessionCredential{}, err
	}
	refresh, err := issuer.mint(identity, CredentialKindRefresh, issuedAt, RefreshCredentialTTL)
	if err != nil {
		return SessionCredential{}, SessionCredential{}, err
	}
	return access, refresh, nil
}

// ParseRefresh validates a refresh credential and returns its claims.
func (issuer *CredentialIssuer) ParseRefresh(tokenString string) (*CredentialClaims, error) {
	return issuer.parse(tokenString, CredentialKindRefresh)
}

// ParseAccess validates an access credential and returns its claims.
func (issuer *CredentialIssuer) ParseAccess(tokenString string) (*CredentialClaims, error) {
	return issuer.parse(tokenString, CredentialKindAccess)
}

func (issuer *CredentialIssuer) mint(identity Identity, kind CredentialKind, issuedAt time.Time, ttl time.Duration) (SessionCredential, error) {
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, CredentialClaims{
		Provider:          identity.Provider,
		TokenUse:          string(kind),
		UserDisplayName:   identity.DisplayName,
		UserEmail:         identity.Email,
		UserEmailVerified: identity.EmailVerified,
		UserAvatarURL:     identity.ProfileImageURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer.issuer,
			Subject:   identity.ExternalID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(issuer.signingKey)
	if err != nil {
		return SessionCredential{}, fmt.Errorf("credential.sign.%s: %w", kind, err)
	}
	return SessionCredential{
		Kind:      kind,
		SubjectID: identity.ExternalID,
		Provider:  identity.Provider,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Token:     signed,
	}, nil
}

func (issuer *CredentialIssuer) parse(tokenString string, kind CredentialKind) (*CredentialClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("credential.parse.%s: %w", kind, ErrInvalidCredential)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &CredentialClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return issuer.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer.issuer),
		jwt.WithTimeFunc(issuer.clock.Now))
	if parseErr != nil {
		return nil, fmt.Errorf("credential.parse.%s: %w", kind, errors.Join(ErrInvalidCredential, parseErr))
	}
	claims, ok := parsedToken.Claims.(*CredentialClaims)
	if !ok || !parsedToken.Valid || claims.TokenUse != string(kind) || claims.Subject == "" || claims.Provider == "" {
		return nil, fmt.Errorf("credential.parse.%s: %w", kind, ErrInvalidCredential)
	}
	return claims, nil
}
