package gateway

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Identity is the canonical user produced per login; it is never persisted on its own.
type Identity struct {
	ExternalID      string
	Provider        string
	DisplayName     string
	Email           string
	EmailVerified   bool
	ProfileImageURL string
}

// profileFieldPaths lists gjson paths per canonical field; the first non-empty match wins.
type profileFieldPaths struct {
	envelope       string
	externalID     []string
	displayName    []string
	email          []string
	emailVerified  []string
	profileImage   []string
	alwaysVerified bool
}

var flatProfilePaths = profileFieldPaths{
	externalID:    []string{"id", "sub"},
	displayName:   []string{"name", "nickname"},
	email:         []string{"email"},
	emailVerified: []string{"verified_email", "email_verified"},
	profileImage:  []string{"picture", "profile_image"},
}

var profilePathsByProvider = map[string]profileFieldPaths{
	"google": flatProfilePaths,
	"naver": {
		envelope:       "response",
		externalID:     []string{"response.id"},
		displayName:    []string{"response.name", "response.nickname"},
		email:          []string{"response.email"},
		profileImage:   []string{"response.profile_image"},
		alwaysVerified: true,
	},
	"kakao": {
		externalID:    []string{"id"},
		displayName:   []string{"kakao_account.profile.nickname", "properties.nickname"},
		email:         []string{"kakao_account.email"},
		emailVerified: []string{"kakao_account.is_email_verified"},
		profileImage:  []string{"kakao_account.profile.profile_image_url", "properties.profile_image"},
	},
}

// ProfileNormalizer maps provider profile payloads onto Identity.
type ProfileNormalizer struct{}

// Normalize extracts the canonical identity; only a missing external id is fatal.
func (ProfileNormalizer) Normalize(provider string, raw RawProfile) (Identity, error) {
	if !gjson.ValidBytes(raw) {
		return Identity{}, fmt.Errorf("profile.normalize.%s: invalid json: %w", provider, ErrMalformedProfile)
	}
	paths, ok := profilePathsByProvider[provider]
	if !ok {
		paths = flatProfilePaths
	}
	document := gjson.ParseBytes(raw)
	if paths.envelope != "" && !document.Get(paths.envelope).IsObject() {
		return Identity{}, fmt.Errorf("profile.normalize.%s: missing %s envelope: %w", provider, paths.envelope, ErrMalformedProfile)
	}
	externalID := firstString(document, paths.externalID)
	if externalID == "" {
		return Identity{}, fmt.Errorf("profile.normalize.%s: missing external id: %w", provider, ErrMalformedProfile)
	}
	emailVerified := paths.alwaysVerified
	if !emailVerified {
		for _, path := range paths.emailVerified {
			if result := document.Get(path); result.Exists() {
				emailVerified = result.Bool()
				break
			}
		}
	}
	return Identity{
		ExternalID:      externalID,
		Provider:        provider,
		DisplayName:     firstString(document, paths.displayName),
		Email:           firstString(document, paths.email),
		EmailVerified:   emailVerified,
		ProfileImageURL: firstString(document, paths.profileImage),
	}, nil
}

// firstString also stringifies numeric ids such as kakao's.
func firstString(document gjson.Result, paths []string) string {
	for _, path := range paths {
		result := document.Get(path)
		if !result.Exists() || result.Type == gjson.Null || result.IsObject() || result.IsArray() {
			continue
		}
		if value := strings.TrimSpace(result.String()); value != "" {
			return value
		}
	}
	return ""
}
