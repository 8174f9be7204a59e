package gateway

import (
	"errors"
	"testing"
)

func TestProfileNormalizerMapsProviderPayloads(t *testing.T) {
	testCases := []struct {
		name     string
		provider string
		raw      string
		expected Identity
	}{
		{
			name:     "google userinfo",
			provider: "google",
			raw:      `{"id":"u1","name":"Alice","email":"a@example.com","verified_email":true,"picture":"https://img/a.png"}`,
			expected: Identity{ExternalID: "u1", Provider: "google", DisplayName: "Alice", Email: "a@example.com", EmailVerified: true, ProfileImageURL: "https://img/a.png"},
		},
		{
			name:     "google minimal",
			provider: "google",
			raw:      `{"id":"u1","name":"Alice","email":"a@example.com"}`,
			expected: Identity{ExternalID: "u1", Provider: "google", DisplayName: "Alice", Email: "a@example.com"},
		},
		{
			name:     "openid sub",
			provider: "google",
			raw:      `{"sub":"109","email_verified":true}`,
			expected: Identity{ExternalID: "109", Provider: "google", EmailVerified: true},
		},
		{
			name:     "naver envelope",
			provider: "naver",
			raw:      `{"resultcode":"00","message":"success","response":{"id":"n-7","nickname":"nick","email":"n@example.com","profile_image":"https://img/n.png"}}`,
			expected: Identity{ExternalID: "n-7", Provider: "naver", DisplayName: "nick", Email: "n@example.com", EmailVerified: true, ProfileImageURL: "https://img/n.png"},
		},
		{
			name:     "kakao numeric id",
			provider: "kakao",
			raw:      `{"id":4242,"kakao_account":{"email":"k@example.com","is_email_verified":true,"profile":{"nickname":"kay","profile_image_url":"https://img/k.png"}}}`,
			expected: Identity{ExternalID: "4242", Provider: "kakao", DisplayName: "kay", Email: "k@example.com", EmailVerified: true, ProfileImageURL: "https://img/k.png"},
		},
		{
			name:     "kakao legacy properties",
			provider: "kakao",
			raw:      `{"id":7,"properties":{"nickname":"old","profile_image":"https://img/o.png"}}`,
			expected: Identity{ExternalID: "7", Provider: "kakao", DisplayName: "old", ProfileImageURL: "https://img/o.png"},
		},
		{
			name:     "unknown provider uses flat mapping",
			provider: "github",
			raw:      `{"id":"g1","name":null,"nickname":"octo","email":{"nested":true}}`,
			expected: Identity{ExternalID: "g1", Provider: "github", DisplayName: "octo"},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			identity, err := ProfileNormalizer{}.Normalize(testCase.provider, RawProfile(testCase.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if identity != testCase.expected {
				t.Fatalf("expected %+v, got %+v", testCase.expected, identity)
			}
		})
	}
}

func TestProfileNormalizerRejectsMalformedProfiles(t *testing.T) {
	testCases := []struct {
		name     string
		provider string
		raw      string
	}{
		{name: "invalid json", provider: "google", raw: `{"id":`},
		{name: "missing id", provider: "google", raw: `{"name":"Alice"}`},
		{name: "blank id", provider: "google", raw: `{"id":"  "}`},
		{name: "naver without envelope", provider: "naver", raw: `{"id":"n-7"}`},
		{name: "naver envelope without id", provider: "naver", raw: `{"response":{"email":"n@example.com"}}`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := ProfileNormalizer{}.Normalize(testCase.provider, RawProfile(testCase.raw))
			if !errors.Is(err, ErrMalformedProfile) {
				t.Fatalf("expected ErrMalformedProfile, got %v", err)
			}
		})
	}
}
