// Package router registers the HTTP routes and the middleware chain.
package router

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/infusion-chair-coordinator/internal/config"
	"github.com/iliyamo/infusion-chair-coordinator/internal/handler"
	"github.com/iliyamo/infusion-chair-coordinator/internal/metrics"
	"github.com/iliyamo/infusion-chair-coordinator/internal/middleware"
)

// Deps is everything the router needs to mount the API.  Redis may be nil,
// in which case rate limiting and response caching are skipped.
type Deps struct {
	Config   *config.Config
	Chairs   *handler.ChairHandler
	DB       handler.Pinger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Redis    *redis.Client
	Logger   zerolog.Logger
}

// New builds the echo instance with global middleware and all routes.
func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.Logger))
	if d.Metrics != nil {
		e.Use(middleware.Metrics(d.Metrics))
	}
	e.Use(middleware.Recovery(d.Logger))
	if len(d.Config.CORSOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: d.Config.CORSOrigins,
			AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
			AllowMethods: []string{http.MethodGet, http.MethodPost},
		}))
	}

	RegisterRoutes(e, d)
	RegisterChairs(e, d)
	return e
}

// RegisterRoutes mounts the unauthenticated health checks and the metrics
// endpoint.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", handler.Health)
	if d.DB != nil {
		e.GET("/readyz", handler.Ready(d.DB))
	}
	if d.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
}

const alertsRoute = "/v1/inventory/alerts"

// RegisterChairs mounts the chair and inventory endpoints under /v1.  All
// of them require a valid access token with a clinical staff role.
func RegisterChairs(e *echo.Echo, d Deps) {
	v1 := e.Group("/v1")
	v1.Use(middleware.JWTAuth(d.Config.JWTSecret))
	v1.Use(middleware.RequireRole(middleware.RoleAdmin, middleware.RoleDoctor, middleware.RoleNurse))
	v1.Use(middleware.NewTokenBucket(d.Config.RateLimit, d.Redis, d.Logger))

	h := d.Chairs
	v1.POST("/chairs/:id/assign", h.Assign)
	v1.POST("/chairs/:id/release", h.Release)
	v1.POST("/chairs/:id/medications", h.Administer,
		middleware.NewCacheInvalidator(d.Config.Cache, d.Redis, d.Logger, alertsRoute))
	v1.GET("/chairs/:id/medications", h.ListAdministered)
	v1.GET("/chairs/:id/session", h.ActiveSession)

	// Alerts are read often by dashboards and change only on administer,
	// which purges them.
	v1.GET("/inventory/alerts", h.StockAlerts, middleware.NewRedisCache(d.Config.Cache, d.Redis, d.Logger))
}
