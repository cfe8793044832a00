// Package server 提供 HTTP API：注册/登录、任务 CRUD、对话与会话历史。
// 所有业务端点都走 Bearer 令牌认证，认证后的用户身份注入请求上下文。
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/behflow/BehflowAgent/internal/auth"
	"github.com/behflow/BehflowAgent/internal/chat"
	"github.com/behflow/BehflowAgent/internal/storage"
)

// Config 为 HTTP 服务配置。
type Config struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	EnableCORS   bool          `mapstructure:"enable_cors"`
	Debug        bool          `mapstructure:"debug"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ChatTimeout 限制单轮对话的总时长，编排循环内部会感知取消。
	ChatTimeout time.Duration `mapstructure:"chat_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 120 * time.Second
	}
	if c.ChatTimeout <= 0 {
		c.ChatTimeout = 90 * time.Second
	}
	return c
}

// Server 持有 HTTP 引擎与各业务服务。
type Server struct {
	cfg        Config
	engine     *gin.Engine
	httpServer *http.Server

	store   *storage.Storage
	authSvc *auth.Service
	chatSvc *chat.Service
	logger  *zap.Logger
}

func New(cfg Config, store *storage.Storage, authSvc *auth.Service, chatSvc *chat.Service, logger *zap.Logger) *Server {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		authSvc: authSvc,
		chatSvc: chatSvc,
		logger:  logger,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")

	api.GET("/health", s.handleHealth)
	api.POST("/auth/register", s.handleRegister)
	api.POST("/auth/login", s.handleLogin)

	authed := api.Group("")
	authed.Use(s.authMiddleware())

	tasks := authed.Group("/tasks")
	{
		tasks.POST("", s.handleCreateTask)
		tasks.GET("", s.handleListTasks)
		tasks.GET("/:id", s.handleGetTask)
		tasks.PUT("/:id", s.handleUpdateTask)
		tasks.PATCH("/:id", s.handleUpdateTask)
		tasks.DELETE("/:id", s.handleDeleteTask)
	}

	authed.POST("/chat", s.handleChat)
	sessions := authed.Group("/chat/sessions")
	{
		sessions.GET("", s.handleListSessions)
		sessions.GET("/:id/messages", s.handleSessionMessages)
	}
}

// Engine 暴露底层引擎，测试时直接喂 httptest 请求。
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start 阻塞运行直到服务关闭。
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop 优雅关停，等待在途请求结束。
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server stopping")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	counts, err := s.store.Counts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, APIResponse{Success: false, Error: "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
		"tables": counts,
	}})
}
