package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"snackloader-backend/config"
	"snackloader-backend/internal/auth"
	"snackloader-backend/internal/feeding"
	"snackloader-backend/internal/mw"
	"snackloader-backend/internal/store"
)

// Deps are the collaborators the router hands to its handlers.
type Deps struct {
	Store       store.Store
	Coordinator *feeding.Coordinator
	// Verifier guards frontend routes; nil disables authentication.
	Verifier auth.Verifier
	WebPush  *webpush.Options
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
	// Responses caches device GETs; nil gets a cache private to the router.
	Responses *mw.ResponseCache
}

// NewResponseCache builds the device GET cache for cfg.
func NewResponseCache(cfg config.ServerConfig) *mw.ResponseCache {
	return mw.NewResponseCache(cache.New(cfg.CacheTTL(), 10*time.Minute), cfg.CacheTTL())
}

// NewRouter creates and configures a new Gin router.
func NewRouter(cfg config.ServerConfig, d Deps) *gin.Engine {
	r := gin.New()
	handler := NewHandler(d.Store, d.Coordinator, d.WebPush, d.Logger)

	origins := cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(gin.Recovery())
	r.Use(mw.RequestLogger(d.Logger, cfg.RequestIPHeader))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}))
	r.Use(mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, cfg.RequestIPHeader))

	responses := d.Responses
	if responses == nil {
		responses = NewResponseCache(cfg)
	}
	caching := responses.Cache(deviceID)
	if cfg.CacheTTL() <= 0 {
		caching = func(c *gin.Context) { c.Next() }
	}
	requireUser := mw.Auth(d.Verifier)
	defaultDevice := d.Coordinator.Config().DefaultDeviceID

	deviceRoutes := func(g *gin.RouterGroup) {
		g.Use(responses.InvalidateOnWrite(deviceID))

		frontend := g.Group("", requireUser)
		{
			frontend.GET("/status", caching, handler.GetStatus)
			frontend.POST("/settings", handler.UpdateSettings)
			frontend.POST("/feed-cat", handler.FeedCat)
			frontend.POST("/feed-dog", handler.FeedDog)
			frontend.GET("/feed-logs", caching, handler.GetFeedLogs)
			frontend.GET("/feed-logs/export", handler.ExportFeedLogs)
			frontend.GET("/telemetry", handler.GetTelemetry)
		}

		// Called by the feeder itself.
		g.GET("/commands", handler.GetCommands)
		g.POST("/commands/:cmdId/processed", handler.MarkCommandProcessed)
		g.POST("/telemetry", handler.PostTelemetry)
		g.POST("/heartbeat", handler.Heartbeat)
		g.POST("/feed-log", handler.LogFeeding)
	}

	api := r.Group("/api")
	{
		api.POST("/devices", requireUser, handler.RegisterDevice)
		api.GET("/devices", requireUser, handler.ListDevices)

		deviceRoutes(api.Group("/device/:id"))

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	// Single-device deployments address the default device without an id.
	deviceRoutes(r.Group("/device", withDevice(defaultDevice)))

	camera := r.Group("", withDevice(defaultDevice))
	{
		camera.POST("/pet-detected", handler.PetDetected)
		camera.POST("/camera", requireUser, handler.SetCamera)
		camera.GET("/commands/camera", handler.GetCameraCommand)
	}

	r.GET("/health", handler.Health)
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/", Root)

	return r
}
