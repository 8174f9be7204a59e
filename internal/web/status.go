package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tgate/internal/gateway"
)

// ProviderLister reports the configured login providers.
type ProviderLister interface {
	Providers() []string
}

// TierReporter reports which storage tiers are configured.
type TierReporter interface {
	CacheAvailable() bool
	DurableAvailable() bool
}

// ProbeReporter reports the cache connectivity probe outcome.
type ProbeReporter interface {
	Status() gateway.ProbeStatus
}

// HandleGatewayStatus reports liveness and tier status. It always answers 200
// because tier degradation never stops logins.
func HandleGatewayStatus(providers ProviderLister, tiers TierReporter, probe ProbeReporter) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		cacheState := string(gateway.ProbeStateDisabled)
		if tiers.CacheAvailable() && probe != nil {
			cacheState = string(probe.Status().State)
		}
		response := gin.H{
			"status":    "ok",
			"providers": providers.Providers(),
			"cache": gin.H{
				"configured": tiers.CacheAvailable(),
				"state":      cacheState,
			},
			"durable": gin.H{
				"configured": tiers.DurableAvailable(),
			},
		}
		if probe != nil {
			response["probe"] = probe.Status()
		}
		contextGin.JSON(http.StatusOK, response)
	}
}
