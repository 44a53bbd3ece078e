package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/langchou/teskeeper/internal/metrics"
	"github.com/langchou/teskeeper/internal/service"
	"github.com/langchou/teskeeper/pkg/ws"
)

// TokenBroker 令牌中介（由 token.Broker 实现）
type TokenBroker interface {
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, reason string) error
	Remaining(ctx context.Context) (time.Duration, error)
}

// Handler HTTP 处理器
type Handler struct {
	logger    *zap.Logger
	broker    TokenBroker
	worker    *service.Worker
	planner   *service.Planner
	sessions  *service.SessionService
	wsHub     *ws.Hub
	authToken string
	upgrader  websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	broker TokenBroker,
	worker *service.Worker,
	planner *service.Planner,
	sessions *service.SessionService,
	wsHub *ws.Hub,
	authToken string,
) *Handler {
	return &Handler{
		logger:    logger,
		broker:    broker,
		worker:    worker,
		planner:   planner,
		sessions:  sessions,
		wsHub:     wsHub,
		authToken: authToken,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 诊断通道，部署在私有网络内
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// 开放端点：存活探针与指标
	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", h.HandleWebSocket)

	// 其余端点全部要求平台身份令牌
	authed := r.Group("/", h.requireAuth)
	{
		authed.GET("/get-token", h.GetToken)
		authed.POST("/refresh-tokens", h.RefreshTokens)
		authed.POST("/emergency-refresh-tokens", h.EmergencyRefreshTokens)
		authed.POST("/run-cycle", h.RunCycle)
		authed.POST("/run-midnight-wake", h.RunMidnightWake)
		authed.POST("/daily-special-charging-check", h.DailySpecialChargingCheck)
		authed.POST("/send-special-schedule", h.SendSpecialSchedule)
		authed.POST("/cleanup-single-session", h.CleanupSingleSession)
	}
}

// requireAuth 校验 Bearer 身份令牌
func (h *Handler) requireAuth(c *gin.Context) {
	if h.authToken == "" {
		c.Next()
		return
	}

	header := c.GetHeader("Authorization")
	if header == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return
	}
	presented := strings.TrimPrefix(header, "Bearer ")
	if presented != h.authToken {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid token"})
		return
	}
	c.Next()
}

// HealthCheck 健康检查，不做任何车辆 I/O
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
	})
}

// GetToken Scout 读取令牌
func (h *Handler) GetToken(c *gin.Context) {
	tok, err := h.broker.AccessToken(c.Request.Context())
	if err != nil {
		h.logger.Error("get token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	remaining, err := h.broker.Remaining(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":      tok,
		"remaining_minutes": int(remaining.Minutes()),
	})
}

// RefreshTokens Scout 升级刷新
func (h *Handler) RefreshTokens(c *gin.Context) {
	h.refresh(c, "scout escalation", "escalated")
}

// EmergencyRefreshTokens 紧急刷新：语义同上，仅日志标记不同
func (h *Handler) EmergencyRefreshTokens(c *gin.Context) {
	h.refresh(c, "scout emergency escalation", "emergency")
}

func (h *Handler) refresh(c *gin.Context, reason, kind string) {
	if err := h.broker.ForceRefresh(c.Request.Context(), reason); err != nil {
		h.logger.Error("forced refresh failed", zap.String("kind", kind), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	metrics.TokenRefreshTotal.WithLabelValues(kind).Inc()
	c.JSON(http.StatusOK, gin.H{"refreshed": true})
}

type runCycleRequest struct {
	Reason          string      `json:"reason"`
	SnapshotSummary interface{} `json:"snapshot_summary"`
}

// RunCycle 完整监控周期
func (h *Handler) RunCycle(c *gin.Context) {
	var req runCycleRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual"
	}

	summary := h.worker.RunCycle(c.Request.Context(), req.Reason)
	if summary.Result == "failed" {
		c.JSON(http.StatusInternalServerError, summary)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// RunMidnightWake 每日强制唤醒
func (h *Handler) RunMidnightWake(c *gin.Context) {
	summary := h.worker.MidnightWake(c.Request.Context())
	if summary.Result == "failed" {
		c.JSON(http.StatusInternalServerError, summary)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// DailySpecialChargingCheck 每日计划器
func (h *Handler) DailySpecialChargingCheck(c *gin.Context) {
	report, err := h.planner.DailyCheck(c.Request.Context())
	if err != nil {
		h.logger.Error("daily special charging check", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

type sessionRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// SendSpecialSchedule send 作业回调
func (h *Handler) SendSpecialSchedule(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sessions.Dispatch(c.Request.Context(), req.SessionID); err != nil {
		h.logger.Error("dispatch failed", zap.String("session_id", req.SessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": req.SessionID, "dispatched": true})
}

// CleanupSingleSession cleanup 作业回调
func (h *Handler) CleanupSingleSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sessions.Cleanup(c.Request.Context(), req.SessionID); err != nil {
		h.logger.Error("cleanup failed", zap.String("session_id", req.SessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": req.SessionID, "cleaned": true})
}

// HandleWebSocket 升级诊断连接
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	go client.ReadPump()
	go client.WritePump()
}
