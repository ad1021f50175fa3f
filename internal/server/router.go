package server

import (
	"net/http"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/auth"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/config"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/metrics"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/mw"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, h *Handler, rl *mw.RL) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	public := api.Group("", rl.Middleware())
	public.POST("/auth/login", h.Login)
	public.GET("/groups", h.ListGroups)
	public.GET("/p2p/stats", h.QueueStats)

	// 需要 Bearer Token 的业务接口，限速按用户名计。
	authed := api.Group("", auth.AuthMiddleware(cfg.JWTSecret), rl.Middleware())
	authed.POST("/auth/logout", h.Logout)

	authed.POST("/p2p/join", h.JoinP2P)
	authed.GET("/p2p/check", h.CheckP2P)
	authed.POST("/p2p/leave", h.LeaveP2P)
	authed.POST("/p2p/messages", h.SendP2PMessage)
	authed.GET("/p2p/messages", h.P2PMessages)

	authed.POST("/groups", h.CreateGroup)
	authed.POST("/groups/:id/join", h.JoinGroup)
	authed.POST("/groups/:id/leave", h.LeaveGroup)
	authed.POST("/groups/:id/messages", h.SendGroupMessage)
	authed.GET("/groups/:id/messages", h.GroupMessages)

	r.GET("/ws", ws.Serve(h.hub, h.groupSvc, cfg.JWTSecret))
	return r
}
