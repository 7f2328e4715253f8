package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"taskboard/internal/api/auth"
	"taskboard/internal/api/middleware"
	"taskboard/internal/config"
	"taskboard/internal/identity"
	"taskboard/internal/identity/oauth"
	"taskboard/internal/pkg/notify"
	"taskboard/internal/pkg/onetime"
	"taskboard/internal/pkg/queue"
	"taskboard/internal/pkg/ratelimit"
	"taskboard/internal/store"
	"taskboard/internal/task"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、身份与任务服务以及 Gin 路由引擎。
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	rdb      *redis.Client
	router   *gin.Engine
	identity *identity.Service
	tasks    *task.Service
	users    *store.UserStore
	auth     *auth.Handler
	limiter  *ratelimit.RateLimiter
	mailq    *queue.Queue // 仅在配置 SMTP 时存在
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 按配置的驱动连接数据库并执行自动迁移
// 2. 连接 Redis（限流、OAuth state、兑换码）
// 3. 组装身份服务与任务服务
// 4. 初始化 Gin 路由引擎
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = store.Close(db)
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	s, err := newServer(cfg, logger, db, rdb)
	if err != nil {
		_ = rdb.Close()
		_ = store.Close(db)
		return nil, err
	}
	return s, nil
}

// newServer 组装依赖。测试中直接传入 sqlite 与 miniredis。
func newServer(cfg *config.Config, logger *slog.Logger, db *gorm.DB, rdb *redis.Client) (*Server, error) {
	users := store.NewUserStore(db)
	tokens := identity.NewTokenIssuer(identity.TokenConfig{
		Secret: cfg.Security.JWTSecret,
		Issuer: cfg.Security.JWTIssuer,
		TTL:    cfg.Security.TokenTTL,
	})

	opts := []identity.Option{}
	var mailq *queue.Queue
	if cfg.Email.Enabled() {
		// 欢迎邮件走后台队列，注册响应不等待 SMTP。
		mailq = queue.New(logger, 2, 100, queue.WithRetry(3, 2*time.Second), queue.WithJobTimeout(30*time.Second))
		opts = append(opts, identity.WithNotifier(notify.NewAsync(notify.NewEmailNotifier(cfg.Email, logger), mailq)))
	}
	var redirector auth.Redirector
	if cfg.OAuth.Enabled() {
		verifier := oauth.NewVerifier(cfg.OAuth)
		opts = append(opts, identity.WithExternalVerifier(verifier))
		redirector = verifier
	}
	identitySvc := identity.NewService(users, tokens, identity.NewPasswordHasher(cfg.Security.BcryptCost), logger, opts...)

	states, err := onetime.NewStore(rdb, "taskboard:oauth:state:", cfg.OAuth.StateTTL)
	if err != nil {
		return nil, err
	}
	exchanges, err := onetime.NewStore(rdb, "taskboard:oauth:exchange:", cfg.OAuth.ExchangeTTL)
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	// 限流按 ClientIP 分桶，只有可信代理的 X-Forwarded-For 才被采信。
	if err := r.SetTrustedProxies(cfg.Security.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	if len(cfg.Security.AllowedOrigins) > 0 {
		corsMW, err := middleware.CORS(cfg.Security.AllowedOrigins)
		if err != nil {
			return nil, err
		}
		r.Use(corsMW)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		rdb:      rdb,
		router:   r,
		identity: identitySvc,
		tasks:    task.NewService(store.NewTaskStore(db), logger),
		users:    users,
		auth:     auth.NewHandler(identitySvc, cfg.OAuth, redirector, states, exchanges, logger),
		limiter:  ratelimit.NewRedisRateLimiter(rdb, logger, "taskboard:ratelimit:", cfg.Security.RateLimit, cfg.Security.RateBurst),
		mailq:    mailq,
	}
	s.registerRoutes()
	if mailq != nil {
		mailq.Start(context.Background())
	}
	return s, nil
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 等待后台邮件发送完成，然后关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.mailq != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.App.ShutdownTimeout)
		firstErr = s.mailq.Shutdown(ctx)
		cancel()
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := store.Close(s.db); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	s.router.POST("/register", middleware.RateLimit(s.limiter, "register", s.logger), s.auth.Register)
	s.router.POST("/login", middleware.RateLimit(s.limiter, "login", s.logger), s.auth.Login)
	s.router.GET("/auth/external", s.auth.External)
	s.router.GET("/auth/external/callback", s.auth.Callback)
	s.router.POST("/auth/exchange", middleware.RateLimit(s.limiter, "exchange", s.logger), s.auth.Exchange)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.identity, s.logger))
	authed.GET("/tasks", s.handleListTasks)
	authed.POST("/tasks", s.handleCreateTask)
	authed.PUT("/tasks/:id", s.handleUpdateTask)
	authed.DELETE("/tasks/:id", s.handleDeleteTask)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	body := gin.H{"status": "ok"}
	if s.mailq != nil {
		st := s.mailq.Stats()
		body["mail_queue"] = gin.H{
			"pending":   s.mailq.Len(),
			"enqueued":  st.Enqueued,
			"succeeded": st.Succeeded,
			"failed":    st.Failed,
			"dropped":   st.Dropped,
			"panics":    st.Panics,
		}
	}
	c.JSON(http.StatusOK, body)
}
