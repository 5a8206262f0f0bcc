package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"findmyspot-backend/config"
	"findmyspot-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router. metricsHandler may be nil.
func NewRouter(d Deps, cfg config.ServerConfig, metricsHandler http.Handler) *gin.Engine {
	r := gin.Default()
	if cfg.RequestIPHeader != "" {
		r.TrustedPlatform = cfg.RequestIPHeader
	}

	handler := NewHandler(d)

	rateLimiter := mw.RateLimiter(mw.NewIPRateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, 10*time.Minute))

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	caching := mw.Cache(cache.New(ttl, 2*ttl), ttl)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		// Spot geometry never changes while running.
		api.GET("/spots", caching, handler.GetSpots)
		api.GET("/spots/status", handler.GetSpotStatus)
		api.GET("/spots/:spot_id/remaining", handler.GetRemainingTime)

		api.POST("/reservations", handler.PostReservation)
		api.DELETE("/reservations/:spot_id", handler.DeleteReservation)

		api.POST("/users", handler.PostUser)
		api.POST("/login", handler.PostLogin)
		api.GET("/users/:username", handler.GetUser)
		api.POST("/users/:username/topup", handler.PostTopUp)
		api.GET("/users/:username/history", handler.GetHistory)

		api.POST("/detections", handler.PostDetections)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	r.GET("/ws", handler.GetWS)
	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}

	return r
}
