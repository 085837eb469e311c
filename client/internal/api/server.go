package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatsync/client/internal/composer"
	"chatsync/client/internal/config"
	"chatsync/client/internal/model"
	"chatsync/client/internal/session"
	"chatsync/client/internal/upload"
)

// Core 桥接 API 依赖的同步核心
type Core interface {
	Open(ctx context.Context, room string) error
	Leave()
	Submit(ctx context.Context, text string, file *composer.File) (string, error)
	Retry(ctx context.Context, localID string) error
	Snapshot() session.Snapshot
	PreviewHistory(ctx context.Context, room string, limit int) []model.Message
	Outbox(room string) ([]model.Message, error)
	Subscribe(fn func(session.Event)) func()
}

// Server 给本地 UI 使用的 HTTP + WebSocket 桥接层
type Server struct {
	core      Core
	origins   map[string]bool
	maxUpload int64
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
}

const (
	streamBuffer       = 64
	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 5 * time.Second
)

func NewServer(core Core, bridge config.BridgeConfig, maxUpload int64, logger zerolog.Logger) *Server {
	if maxUpload <= 0 {
		maxUpload = upload.DefaultMaxBytes
	}
	origins := make(map[string]bool, len(bridge.AllowedOrigins))
	for _, o := range bridge.AllowedOrigins {
		origins[o] = true
	}

	s := &Server{
		core:      core,
		origins:   origins,
		maxUpload: maxUpload,
		logger:    logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// 非浏览器客户端不带 Origin
			return origin == "" || s.origins[origin]
		},
	}
	return s
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)

	api := engine.Group("/api")
	api.GET("/room", s.handleRoom)
	api.PUT("/room/:name", s.handleOpenRoom)
	api.DELETE("/room", s.handleLeaveRoom)
	api.GET("/timeline", s.handleTimeline)
	api.GET("/presence", s.handlePresence)
	api.POST("/messages", s.handleSubmit)
	api.POST("/messages/upload", s.handleUpload)
	api.POST("/messages/:id/retry", s.handleRetry)
	api.GET("/rooms/:name/history", s.handleHistory)
	api.GET("/outbox", s.handleOutbox)
	api.GET("/stream", s.handleStream)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleRoom 返回当前房间状态（不含消息）。
func (s *Server) handleRoom(c *gin.Context) {
	snap := s.core.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"room":          snap.Room,
		"linkState":     snap.LinkState,
		"presence":      snap.Presence,
		"presenceKnown": snap.PresenceKnown,
		"historyLoaded": snap.HistoryLoaded,
	})
}

func (s *Server) handleOpenRoom(c *gin.Context) {
	room := c.Param("name")
	if err := s.core.Open(c.Request.Context(), room); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

func (s *Server) handleLeaveRoom(c *gin.Context) {
	s.core.Leave()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTimeline(c *gin.Context) {
	snap := s.core.Snapshot()
	c.JSON(http.StatusOK, gin.H{"room": snap.Room, "messages": snap.Messages})
}

func (s *Server) handlePresence(c *gin.Context) {
	snap := s.core.Snapshot()
	c.JSON(http.StatusOK, gin.H{"room": snap.Room, "count": snap.Presence, "known": snap.PresenceKnown})
}

type submitRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	id, err := s.core.Submit(c.Request.Context(), req.Text, nil)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"localId": id})
}

// handleUpload 接收 multipart 的 file 与 message 字段，交给组合器上传。
func (s *Server) handleUpload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	if fh.Size > s.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, s.maxUpload+1))
	_ = f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}

	file := &composer.File{
		Name:         fh.Filename,
		ContentType:  fh.Header.Get("Content-Type"),
		Data:         data,
		LocalPreview: c.PostForm("preview"),
	}
	id, err := s.core.Submit(c.Request.Context(), c.PostForm("message"), file)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"localId": id})
}

func (s *Server) handleRetry(c *gin.Context) {
	if err := s.core.Retry(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"localId": c.Param("id")})
}

// handleHistory 预览任意房间的历史，不切换当前房间。
func (s *Server) handleHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	msgs := s.core.PreviewHistory(c.Request.Context(), c.Param("name"), limit)
	c.JSON(http.StatusOK, gin.H{"room": c.Param("name"), "messages": msgs})
}

func (s *Server) handleOutbox(c *gin.Context) {
	msgs, err := s.core.Outbox(c.Query("room"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// writeError 把核心层错误映射为 HTTP 状态码。
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrEmptyRoom), errors.Is(err, composer.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNoRoom), errors.Is(err, composer.ErrNotRetryable):
		status = http.StatusConflict
	case errors.Is(err, composer.ErrRetryDisabled):
		status = http.StatusForbidden
	case errors.Is(err, upload.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, session.ErrClosed), errors.Is(err, composer.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("[API] request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("[API] request")
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if s.origins[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
