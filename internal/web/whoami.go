package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tgate/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// HandleWhoAmI renders the principal stored by sessionvalidator's gin middleware.
func HandleWhoAmI(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		principal, ok := sessionvalidator.PrincipalFromGin(contextGin, sessionvalidator.DefaultContextKey)
		if !ok || principal.SubjectID == "" {
			logger.Warn("missing principal on context",
				zap.String("code", "api.me.missing_principal"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.JSON(http.StatusOK, principal)
	}
}
