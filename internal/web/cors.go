package web

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors.origin.wildcard: wildcard origin not allowed with credentials")
	errEmptyAllowedOrigins = errors.New("cors.origin.empty: no explicit origins provided")
	errInvalidOrigin       = errors.New("cors.origin.invalid")
)

// ConfigureCORS allows credentialed cross-origin requests from the front-end
// origin plus an explicit allow-list.
func ConfigureCORS(logger *zap.Logger, frontendBaseURL string, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	candidates := make([]string, 0, len(allowedOrigins)+1)
	if strings.TrimSpace(frontendBaseURL) != "" {
		if origin, err := originOf(frontendBaseURL); err == nil {
			candidates = append(candidates, origin)
		}
	}
	candidates = append(candidates, allowedOrigins...)
	sanitized, err := sanitizeOrigins(logger, candidates)
	if err != nil {
		return nil, err
	}
	return cors.New(cors.Config{
		AllowOrigins:     sanitized,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Type", "Location"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

// originOf strips the path from a base URL such as https://app.example.com/portal.
func originOf(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, rawURL)
	}
	return strings.ToLower(parsed.Scheme) + "://" + parsed.Host, nil
}

func sanitizeOrigins(logger *zap.Logger, candidates []string) ([]string, error) {
	ordered := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			ordered = append(ordered, trimmed)
		}
	}
	if len(ordered) == 0 {
		return nil, errEmptyAllowedOrigins
	}

	seen := make(map[string]struct{}, len(ordered))
	sanitized := make([]string, 0, len(ordered))
	for _, origin := range ordered {
		if origin == "*" {
			return nil, errWildcardOrigin
		}
		parsed, parseErr := url.Parse(origin)
		switch {
		case parseErr != nil || parsed.Scheme == "" || parsed.Host == "":
			return nil, fmt.Errorf("%w: %s", errInvalidOrigin, origin)
		case parsed.Path != "" && parsed.Path != "/":
			return nil, fmt.Errorf("%w: %s contains path segment", errInvalidOrigin, origin)
		case parsed.RawQuery != "" || parsed.Fragment != "":
			return nil, fmt.Errorf("%w: %s contains query or fragment", errInvalidOrigin, origin)
		}
		scheme := strings.ToLower(parsed.Scheme)
		if scheme != "https" && scheme != "http" {
			return nil, fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, origin)
		}
		normalized := scheme + "://" + parsed.Host
		if _, exists := seen[normalized]; exists {
			continue
		}
		if scheme == "http" && !isDevelopmentHost(parsed.Hostname()) {
			logger.Warn("unsafe cors origin configured",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", normalized))
		}
		seen[normalized] = struct{}{}
		sanitized = append(sanitized, normalized)
	}
	sort.Strings(sanitized)
	return sanitized, nil
}

func isDevelopmentHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1":
		return true
	default:
		return false
	}
}
