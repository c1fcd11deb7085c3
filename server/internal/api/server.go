package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"

	"chat-relay/server/internal/config"
	"chat-relay/server/internal/gateway"
	"chat-relay/server/internal/model"
	"chat-relay/server/internal/orchestrator"
	"chat-relay/server/internal/timeline"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type Server struct {
	config       *config.Config
	orchestrator *orchestrator.Orchestrator
	logger       *log.Logger

	// 跨域白名单，支持配置热更新
	originsMu      sync.RWMutex
	allowedOrigins map[string]struct{}
	allowAll       bool

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		config:       cfg,
		orchestrator: orch,
		logger:       logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	s.SetAllowedOrigins(cfg.CORS.AllowedOrigins)
	return s
}

// SetAllowedOrigins 替换跨域白名单，可在运行中调用（配置热更新）。
func (s *Server) SetAllowedOrigins(origins []string) {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := false
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}

	s.originsMu.Lock()
	s.allowedOrigins = allowed
	s.allowAll = allowAll
	s.originsMu.Unlock()

	s.logger.Printf("[API] allowed origins: %v", origins)
}

// originAllowed 没有 Origin 头的请求（非浏览器客户端）一律放行。
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	s.originsMu.RLock()
	defer s.originsMu.RUnlock()
	if s.allowAll {
		return true
	}
	_, ok := s.allowedOrigins[origin]
	return ok
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	if s.config.Logging.Access {
		engine.Use(gin.Logger())
	}
	engine.Use(gin.Recovery(), s.corsMiddleware())

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/stats", s.handleStats)

	// 拉取通道（长轮询）与生产者入口
	engine.GET("/messages", s.handlePull)
	engine.GET("/messages/snapshot", s.handleSnapshot)
	engine.POST("/messages", s.handleCreateMessage)
	engine.POST("/messages/:id/like", s.handleLikeMessage)

	// 推送通道；旧客户端直接连根路径
	engine.GET("/ws", s.handleStream)
	engine.GET("/", s.handleStream)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statsResponse struct {
	orchestrator.Stats
	Details map[string]interface{} `json:"details"`
}

// handleStats 返回计数快照。
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, statsResponse{
		Stats:   s.orchestrator.Stats(),
		Details: s.orchestrator.Details(),
	})
}

// handlePull 处理 GET /messages?since=...
// 有新事件立即返回；否则挂起直到新事件到达或超时，超时返回空数组，客户端应立即重新拉取。
// 不带 since 是客户端的首次加载，返回消息快照（与 /messages/snapshot 相同）。
func (s *Server) handlePull(c *gin.Context) {
	cursor, err := model.ParseCursor(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if cursor.IsZero() {
		s.handleSnapshot(c)
		return
	}

	events, err := s.orchestrator.Pull(c.Request.Context(), cursor)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// 客户端已经离开，没有可写的对象
			s.logger.Printf("[API] pull abandoned by %s: %v", c.ClientIP(), err)
			c.Abort()
			return
		}
		s.logger.Printf("[API] ❌ pull failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pull failed"})
		return
	}

	out := make([]model.Envelope, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Envelope())
	}
	c.JSON(http.StatusOK, out)
}

// handleSnapshot 返回当前全部消息（含最新点赞数）。
func (s *Server) handleSnapshot(c *gin.Context) {
	messages, err := s.orchestrator.Messages(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load messages failed"})
		return
	}
	c.JSON(http.StatusOK, messages)
}

// handleCreateMessage 处理 POST /messages，成功返回 201 与新消息。
func (s *Server) handleCreateMessage(c *gin.Context) {
	var req model.ClientMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	evt, err := s.orchestrator.SubmitMessage(c.Request.Context(), req.Text, req.AuthorName())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, evt.Message)
}

// handleLikeMessage 处理 POST /messages/:id/like。
func (s *Server) handleLikeMessage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	evt, err := s.orchestrator.SubmitLike(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": evt.MessageID, "likes": evt.Likes})
}

// writeError 把领域错误映射为 HTTP 状态码。
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, timeline.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.logger.Printf("[API] ❌ request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// handleStream 处理 WebSocket 连接：登记订阅者并启动 Gateway，阻塞直到连接关闭。
func (s *Server) handleStream(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade required"})
		return
	}

	// 先登记再升级：快照已经在 Outbox 里，升级失败时摘除即可
	sub, err := s.orchestrator.Subscribe(c.Request.Context())
	if err != nil {
		if errors.Is(err, orchestrator.ErrClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
			return
		}
		s.logger.Printf("[API] ❌ Failed to subscribe: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe failed"})
		return
	}
	defer s.orchestrator.Unsubscribe(sub.ID())

	clientConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("[API] ❌ Failed to upgrade websocket: %v", err)
		return
	}

	gw := gateway.NewGateway(clientConn, sub, gateway.Config{
		WriteTimeout: s.config.Stream.WriteTimeout,
		PingInterval: s.config.Stream.PingInterval,
		ReadLimit:    s.config.Stream.ReadLimit,
	}, s.logger)
	gw.SetCommandHandler(s.handleStreamCommand)
	gw.Start()

	s.logger.Printf("[API] 📞 subscriber %s connected from %s", sub.ID(), c.ClientIP())
	<-gw.Done()
	s.logger.Printf("[API] 🔌 subscriber %s disconnected", sub.ID())
}

// handleStreamCommand 把推送通道上的生产者指令转交 Orchestrator。
// 新事件会经 Hub 回到发送者自己的连接上，因此这里不单独回执。
func (s *Server) handleStreamCommand(ctx context.Context, cmd *model.ClientCommand) error {
	switch cmd.Command {
	case model.CommandSendMessage:
		if cmd.Message == nil {
			return fmt.Errorf("%w: message is required", orchestrator.ErrValidation)
		}
		_, err := s.orchestrator.SubmitMessage(ctx, cmd.Message.Text, cmd.Message.AuthorName())
		return err
	case model.CommandLikeMessage:
		_, err := s.orchestrator.SubmitLike(ctx, cmd.MessageID)
		return err
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
