package gateway

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

type callbackPayload struct {
	Code             string `json:"code" form:"code"`
	State            string `json:"state" form:"state"`
	Error            string `json:"error" form:"error"`
	ErrorDescription string `json:"error_description" form:"error_description"`
	RedirectPath     string `json:"redirect_path" form:"redirect_path"`
}

type refreshPayload struct {
	RefreshToken string `json:"refresh_token" form:"refresh_token"`
}

// MountGatewayRoutes registers the login, code, refresh, logout, and introspection endpoints.
func MountGatewayRoutes(router gin.IRouter, orchestrator *LoginOrchestrator, issuer *CredentialIssuer) {
	requireProvider := func(contextGin *gin.Context) (string, bool) {
		provider := strings.ToLower(contextGin.Param("provider"))
		if !orchestrator.HasProvider(provider) {
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
			return "", false
		}
		return provider, true
	}

	router.POST("/auth/:provider/auth-url", func(contextGin *gin.Context) {
		provider, ok := requireProvider(contextGin)
		if !ok {
			return
		}
		authorization, err := orchestrator.AuthorizationURL(provider)
		if err != nil {
			var configurationError *ConfigurationError
			if errors.As(err, &configurationError) {
				contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": string(ReasonConfigurationError)})
				return
			}
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"authUrl": authorization.URL, "state": authorization.State})
	})

	router.GET("/auth/:provider/callback", func(contextGin *gin.Context) {
		provider, ok := requireProvider(contextGin)
		if !ok {
			return
		}
		outcome := orchestrator.Login(contextGin.Request.Context(), provider, CallbackRequest{
			Code:             contextGin.Query("code"),
			State:            contextGin.Query("state"),
			Error:            contextGin.Query("error"),
			ErrorDescription: contextGin.Query("error_description"),
		}, "")
		if !outcome.Succeeded() {
			contextGin.Redirect(http.StatusFound, outcome.RedirectURL)
			return
		}
		// Credentials travel in the fragment so they never reach server logs or Referer headers.
		fragment := url.Values{}
		fragment.Set("access_token", outcome.Access.Token)
		fragment.Set("refresh_token", outcome.Refresh.Token)
		fragment.Set("token_type", "Bearer")
		fragment.Set("expires_in", strconv.FormatInt(int64(outcome.Access.TTL().Seconds()), 10))
		contextGin.Redirect(http.StatusFound, outcome.RedirectURL+"#"+fragment.Encode())
	})

	router.POST("/auth/:provider/callback", func(contextGin *gin.Context) {
		provider, ok := requireProvider(contextGin)
		if !ok {
			return
		}
		var inbound callbackPayload
		if err := contextGin.ShouldBind(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		outcome := orchestrator.Login(contextGin.Request.Context(), provider, CallbackRequest{
			Code:             inbound.Code,
			State:            inbound.State,
			Error:            inbound.Error,
			ErrorDescription: inbound.ErrorDescription,
		}, inbound.RedirectPath)
		writeOutcome(contextGin, outcome)
	})

	router.POST("/auth/:provider/code", func(contextGin *gin.Context) {
		provider, ok := requireProvider(contextGin)
		if !ok {
			return
		}
		var inbound callbackPayload
		if err := contextGin.ShouldBind(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		if err := orchestrator.StashAuthorizationCode(contextGin.Request.Context(), provider, inbound.Code, inbound.State); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": string(ReasonMissingCode)})
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.POST("/auth/:provider/token", func(contextGin *gin.Context) {
		provider, ok := requireProvider(contextGin)
		if !ok {
			return
		}
		var inbound callbackPayload
		if err := contextGin.ShouldBind(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		outcome := orchestrator.RedeemAuthorizationCode(contextGin.Request.Context(), provider, inbound.Code, inbound.State, inbound.RedirectPath)
		writeOutcome(contextGin, outcome)
	})

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		var inbound refreshPayload
		if err := contextGin.ShouldBind(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		result, err := orchestrator.Refresh(contextGin.Request.Context(), inbound.RefreshToken)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credential"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"success":          true,
			"accessToken":      result.Access.Token,
			"refreshToken":     result.Refresh.Token,
			"tokenType":        "Bearer",
			"expiresIn":        int64(result.Access.TTL().Seconds()),
			"refreshExpiresIn": int64(result.Refresh.TTL().Seconds()),
		})
	})

	authenticated := router.Group("/", RequireAccessCredential(issuer))

	authenticated.POST("/auth/logout", func(contextGin *gin.Context) {
		claims, _ := ClaimsFromContext(contextGin)
		orchestrator.Logout(contextGin.Request.Context(), claims.Provider, claims.Subject)
		contextGin.Status(http.StatusNoContent)
	})

	authenticated.GET("/auth/:provider/tokens/:subject", func(contextGin *gin.Context) {
		provider, ok := requireProvider(contextGin)
		if !ok {
			return
		}
		claims, _ := ClaimsFromContext(contextGin)
		subjectID := contextGin.Param("subject")
		if claims.Provider != provider || claims.Subject != subjectID {
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		snapshot, found := orchestrator.CurrentCredentials(contextGin.Request.Context(), provider, subjectID)
		if !found {
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"provider":     snapshot.Provider,
			"subject":      snapshot.SubjectID,
			"accessToken":  snapshot.AccessToken,
			"refreshToken": snapshot.RefreshToken,
		})
	})
}

func writeOutcome(contextGin *gin.Context, outcome LoginOutcome) {
	if !outcome.Succeeded() {
		contextGin.JSON(statusForReason(outcome.Reason), gin.H{
			"success":     false,
			"error":       string(outcome.Reason),
			"message":     outcome.Message,
			"redirectUrl": outcome.RedirectURL,
		})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"success":          true,
		"accessToken":      outcome.Access.Token,
		"refreshToken":     outcome.Refresh.Token,
		"tokenType":        "Bearer",
		"expiresIn":        int64(outcome.Access.TTL().Seconds()),
		"refreshExpiresIn": int64(outcome.Refresh.TTL().Seconds()),
		"redirectUrl":      outcome.RedirectURL,
		"user": gin.H{
			"id":            outcome.Identity.ExternalID,
			"provider":      outcome.Identity.Provider,
			"name":          outcome.Identity.DisplayName,
			"email":         outcome.Identity.Email,
			"emailVerified": outcome.Identity.EmailVerified,
			"profileImage":  outcome.Identity.ProfileImageURL,
		},
	})
}

func statusForReason(reason FailureReason) int {
	switch reason {
	case ReasonProviderError, ReasonMissingCode, ReasonInvalidCode:
		return http.StatusBadRequest
	case ReasonExchangeError, ReasonProfileError, ReasonMalformedProfile:
		return http.StatusBadGateway
	case ReasonCredentialError:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
