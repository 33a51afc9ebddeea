// Package httpapi exposes the courier web API: authentication, order listing
// and status transitions, statistics, notification triggering with the
// idempotency cookie, and gateway session control.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"courierops/internal/gateway"
	"courierops/internal/notify"
	"courierops/internal/storage"
	logx "courierops/pkg/logx"
)

type Config struct {
	Addr      string
	JWTSecret string
}

type Server struct {
	cfg     Config
	store   storage.Store
	manager *notify.Manager
	session *gateway.Session
	log     logx.Logger
}

func New(cfg Config, store storage.Store, manager *notify.Manager, session *gateway.Session, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, store: store, manager: manager, session: session, log: log}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.requestID(), s.accessLog(), gin.Recovery())

	api := r.Group("/api")

	courier := api.Group("/courier")
	courier.POST("/auth/login", s.handleLogin)
	courier.POST("/auth/logout", s.handleLogout)

	authed := courier.Group("", s.requireAuth())
	authed.GET("/auth/verify", s.handleVerify)
	authed.GET("/orders", s.handleOrders)
	authed.GET("/orders/recent", s.handleRecentOrders)
	authed.GET("/orders/count", s.handleOrderCount)
	authed.PATCH("/orders/:orderId/status", s.handleOrderStatus)
	authed.GET("/statistics", s.handleStatistics)
	authed.GET("/profile", s.handleProfileGet)
	authed.PATCH("/profile", s.handleProfilePatch)
	authed.GET("/telegram-status", s.handleTelegramStatus)
	authed.DELETE("/telegram-status", s.handleTelegramUnlink)

	api.POST("/notifications", s.handleNotify)
	api.PUT("/notifications", s.handleNotifyBulk)
	api.GET("/notifications/cache", s.handleCacheStats)
	api.DELETE("/notifications/cache", s.handleCacheClear)

	tg := api.Group("/telegram")
	tg.POST("/notify-all-courier-wait", s.handleNotifyAllWaiting)
	tg.POST("/start-polling", s.handleStartPolling)
	tg.DELETE("/start-polling", s.handleStopPolling)
	tg.POST("/force-stop", s.handleForceStop)
	tg.GET("/status", s.handleSessionStatus)
	tg.GET("/settings", s.handleSettingsGet)
	tg.POST("/settings", s.handleSettingsSet)

	return r
}

// HTTPServer wraps the router in an http.Server with sane timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"success": false, "error": msg})
}
