package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dealdesk/gocfd/internal/domain"
	"github.com/dealdesk/gocfd/internal/engine"
	"github.com/dealdesk/gocfd/internal/eventhub"
	"github.com/dealdesk/gocfd/internal/store"
	"github.com/dealdesk/gocfd/pkg/ratelimit"
)

var log = logrus.WithField("component", "api_server")

// Server 对外 HTTP/WebSocket 接口
type Server struct {
	svc   *engine.Service
	hub   *eventhub.Hub
	hist  *store.Store       // 历史查询（可为 nil：纯内存模式）
	limit *ratelimit.PerUser // 下单限流（可为 nil：不限流）
	http  *http.Server
}

// NewServer 创建 API 服务
func NewServer(svc *engine.Service, hub *eventhub.Hub, hist *store.Store, limit *ratelimit.PerUser) *Server {
	return &Server{svc: svc, hub: hub, hist: hist, limit: limit}
}

// Router 组装路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/ws", s.handleWS)

	api := r.Group("/api")

	accounts := api.Group("/accounts")
	accounts.POST("", s.handleAccountCreate)
	accounts.GET("/:userID", s.handleAccountGet)
	accounts.GET("/:userID/positions", s.handleAccountPositions)
	accounts.GET("/:userID/orders", s.handleAccountOrders)
	accounts.GET("/:userID/history", s.handleAccountHistory)

	orders := api.Group("/orders")
	orders.POST("", s.handleOrderPlace)
	orders.PUT("/:orderID", s.handleOrderModify)
	orders.PUT("/:orderID/risk", s.handleOrderRisk)
	orders.DELETE("/:orderID", s.handleOrderCancel)

	positions := api.Group("/positions")
	positions.POST("/:positionID/close", s.handlePositionClose)
	positions.PUT("/:positionID/risk", s.handlePositionRisk)

	admin := api.Group("/admin")
	admin.POST("/snapshot", s.handleSnapshotNow)

	return r
}

// Start 启动 HTTP 服务（非阻塞）
func (s *Server) Start(addr string) {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("API 服务启动: addr=%s", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("API 服务异常退出: %v", err)
		}
	}()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// handlers

type createAccountRequest struct {
	UserID  string  `json:"userId" binding:"required"`
	Balance float64 `json:"balance"`
}

func (s *Server) handleAccountCreate(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.svc.CreateAccount(req.UserID, req.Balance)
	m, err := s.svc.AccountMetrics(req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) handleAccountGet(c *gin.Context) {
	m, err := s.svc.AccountMetrics(c.Param("userID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleAccountPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.svc.Positions(c.Param("userID"))})
}

func (s *Server) handleAccountOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": s.svc.PendingOrders(c.Param("userID"))})
}

func (s *Server) handleAccountHistory(c *gin.Context) {
	if s.hist == nil {
		c.JSON(http.StatusOK, gin.H{"orders": []struct{}{}, "closed": []struct{}{}})
		return
	}
	userID := c.Param("userID")
	orders, err := s.hist.OrdersByUser(userID, 200)
	if err != nil {
		writeError(c, err)
		return
	}
	closed, err := s.hist.ClosedByUser(userID, 200)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "closed": closed})
}

func (s *Server) handleOrderPlace(c *gin.Context) {
	var req engine.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.limit != nil && !s.limit.Allow(req.UserID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "order rate limit exceeded", "code": "RATE_LIMITED"})
		return
	}
	result, err := s.svc.PlaceOrder(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

type modifyOrderRequest struct {
	LimitPrice       *float64 `json:"limitPrice"`
	StopPrice        *float64 `json:"stopPrice"`
	TrailingDistance *float64 `json:"trailingDistance"`
}

func (s *Server) handleOrderModify(c *gin.Context) {
	var req modifyOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.svc.ModifyOrder(c.Param("orderID"), req.LimitPrice, req.StopPrice, req.TrailingDistance)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleOrderRisk(c *gin.Context) {
	var req engine.RiskParams
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	children, err := s.svc.ModifyOrderRisk(c.Param("orderID"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"children": children})
}

func (s *Server) handleOrderCancel(c *gin.Context) {
	order, err := s.svc.CancelOrder(c.Param("orderID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type closePositionRequest struct {
	Quantity float64 `json:"quantity"`
}

func (s *Server) handlePositionClose(c *gin.Context) {
	var req closePositionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	closed, err := s.svc.ClosePosition(c.Param("positionID"), req.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, closed)
}

func (s *Server) handlePositionRisk(c *gin.Context) {
	var req engine.RiskParams
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	position, err := s.svc.ModifyPositionRisk(c.Param("positionID"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, position)
}

func (s *Server) handleSnapshotNow(c *gin.Context) {
	s.svc.TriggerSnapshot()
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

func (s *Server) handleWS(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	if err := s.hub.ServeWS(c.Writer, c.Request, userID); err != nil {
		log.Warnf("WebSocket 升级失败: user=%s err=%v", userID, err)
	}
}

// writeError 把领域错误映射到 HTTP 状态码
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrPositionNotFound),
		errors.Is(err, domain.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidOrder):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientMargin),
		errors.Is(err, domain.ErrExceedsExposureLimit),
		errors.Is(err, domain.ErrAlreadyClosed):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrStalePrice),
		errors.Is(err, domain.ErrSymbolUnavailable),
		errors.Is(err, domain.ErrTradingHalted):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": domain.RejectReason(err)})
}
