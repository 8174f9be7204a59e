package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const claimsContextKey = "gateway_claims"

// RequireAccessCredential validates the bearer access credential and injects its claims.
func RequireAccessCredential(issuer *CredentialIssuer) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		tokenString := bearerToken(contextGin.GetHeader("Authorization"))
		if tokenString == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_credential"})
			return
		}
		claims, err := issuer.ParseAccess(tokenString)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credential"})
			return
		}
		SetClaims(contextGin, claims)
		contextGin.Next()
	}
}

// ClaimsFromContext returns the claims injected by RequireAccessCredential.
func ClaimsFromContext(contextGin *gin.Context) (*CredentialClaims, bool) {
	value, exists := contextGin.Get(claimsContextKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*CredentialClaims)
	return claims, ok && claims != nil
}

func bearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// SetClaims stores validated claims on the request context.
func SetClaims(contextGin *gin.Context, claims *CredentialClaims) {
	contextGin.Set(claimsContextKey, claims)
}
