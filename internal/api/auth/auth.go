package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taskboard/internal/api/middleware"
	"taskboard/internal/config"
	"taskboard/internal/identity"
	"taskboard/internal/model"
	"taskboard/internal/pkg/apperr"
	"taskboard/internal/pkg/onetime"

	"github.com/gin-gonic/gin"
)

// stateCookie 保存发起授权的浏览器持有的 state，回调时必须与查询参数一致。
const stateCookie = "taskboard_oauth_state"

// IdentityService 是 Handler 依赖的身份服务能力。
type IdentityService interface {
	ExternalEnabled() bool
	Register(ctx context.Context, email, password string) (*model.User, error)
	Login(ctx context.Context, email, password string) (identity.Token, error)
	LoginViaExternalProvider(ctx context.Context, assertion string) (identity.Token, *model.User, error)
	IssueFor(ctx context.Context, userID uint) (identity.Token, error)
}

// CodeStore 保存一次性的 state / 兑换码。
type CodeStore interface {
	Issue(ctx context.Context, value string) (string, error)
	Redeem(ctx context.Context, code string) (string, error)
}

// Redirector 生成第三方授权跳转地址。
type Redirector interface {
	AuthCodeURL(state string) string
}

// Handler 提供注册、登录与第三方登录接口。
type Handler struct {
	svc       IdentityService
	oauth     config.OAuthConfig
	provider  Redirector // nil 表示未启用第三方登录
	states    CodeStore
	exchanges CodeStore
	logger    *slog.Logger
}

// NewHandler 创建 Auth Handler。provider 为 nil 时 /auth/external 返回 503。
func NewHandler(svc IdentityService, oauthCfg config.OAuthConfig, provider Redirector, states, exchanges CodeStore, logger *slog.Logger) *Handler {
	return &Handler{
		svc:       svc,
		oauth:     oauthCfg,
		provider:  provider,
		states:    states,
		exchanges: exchanges,
		logger:    logger,
	}
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type exchangeRequest struct {
	Code string `json:"code" binding:"required"`
}

type registerResponse struct {
	ID        uint      `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Register 创建新用户，不自动登录。
func (h *Handler) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.WriteError(c, h.logger, apperr.Invalid("email and password are required"))
		return
	}
	user, err := h.svc.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, registerResponse{ID: user.ID, Email: user.Email, CreatedAt: user.CreatedAt})
}

// Login 校验用户并返回 JWT。
func (h *Handler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.WriteError(c, h.logger, apperr.Invalid("email and password are required"))
		return
	}
	token, err := h.svc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

// External 跳转到第三方授权页。
func (h *Handler) External(c *gin.Context) {
	if !h.externalEnabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "external login not configured"})
		return
	}
	state, err := h.states.Issue(c.Request.Context(), "1")
	if err != nil {
		h.logger.Error("issue oauth state failed", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "external login unavailable"})
		return
	}
	h.setStateCookie(c, state, int(h.oauth.StateTTL/time.Second))
	c.Redirect(http.StatusFound, h.provider.AuthCodeURL(state))
}

// Callback 处理第三方回调：校验 state，换取身份，签发 token 后跳转。
//
// query 模式下 token 直接放在成功地址的查询参数里（会进入浏览器历史与
// Referer）；exchange 模式下只放一次性兑换码，由前端调用 /auth/exchange。
func (h *Handler) Callback(c *gin.Context) {
	ctx := c.Request.Context()
	if !h.externalEnabled() {
		h.fail(c, "not_configured")
		return
	}
	bound, _ := c.Cookie(stateCookie)
	h.setStateCookie(c, "", -1)
	if e := c.Query("error"); e != "" {
		h.logger.Info("external login cancelled", slog.String("reason", e))
		h.fail(c, "access_denied")
		return
	}
	state := c.Query("state")
	if state == "" || subtle.ConstantTimeCompare([]byte(bound), []byte(state)) != 1 {
		h.logger.Warn("oauth state not bound to this browser")
		h.fail(c, "invalid_state")
		return
	}
	if _, err := h.states.Redeem(ctx, state); err != nil {
		if !errors.Is(err, onetime.ErrNotFound) {
			h.logger.Error("redeem oauth state failed", slog.String("error", err.Error()))
		}
		h.fail(c, "invalid_state")
		return
	}

	token, user, err := h.svc.LoginViaExternalProvider(ctx, c.Query("code"))
	if err != nil {
		h.logger.Warn("external login failed", slog.String("error", err.Error()))
		h.fail(c, apperr.Kind(err))
		return
	}

	if h.oauth.RedirectMode == config.RedirectModeExchange {
		code, err := h.exchanges.Issue(ctx, strconv.FormatUint(uint64(user.ID), 10))
		if err != nil {
			h.logger.Error("issue exchange code failed", slog.String("error", err.Error()))
			h.fail(c, "internal")
			return
		}
		c.Redirect(http.StatusFound, withQuery(h.oauth.SuccessURL, "code", code))
		return
	}
	c.Redirect(http.StatusFound, withQuery(h.oauth.SuccessURL, "token", token.Value))
}

// Exchange 用一次性兑换码换取 token。
func (h *Handler) Exchange(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.WriteError(c, h.logger, apperr.Invalid("code is required"))
		return
	}
	ctx := c.Request.Context()
	value, err := h.exchanges.Redeem(ctx, req.Code)
	if errors.Is(err, onetime.ErrNotFound) {
		middleware.WriteError(c, h.logger, fmt.Errorf("%w: invalid or expired code", apperr.ErrInvalidCredentials))
		return
	}
	if err != nil {
		middleware.WriteError(c, h.logger, apperr.Store("redeem exchange code", err))
		return
	}
	uid, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		middleware.WriteError(c, h.logger, fmt.Errorf("%w: invalid or expired code", apperr.ErrInvalidCredentials))
		return
	}

	token, err := h.svc.IssueFor(ctx, uint(uid))
	if err != nil {
		middleware.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

func (h *Handler) externalEnabled() bool {
	return h.provider != nil && h.svc.ExternalEnabled()
}

// setStateCookie 写入（maxAge < 0 时清除）state cookie，仅回调路径可见。
func (h *Handler) setStateCookie(c *gin.Context, state string, maxAge int) {
	secure := c.Request.TLS != nil || strings.HasPrefix(h.oauth.RedirectURL, "https://")
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(stateCookie, state, maxAge, "/auth/external", "", secure, true)
}

func (h *Handler) fail(c *gin.Context, reason string) {
	c.Redirect(http.StatusFound, withQuery(h.oauth.FailureURL, "error", reason))
}

// withQuery 在 base 上追加查询参数，保留已有参数。
func withQuery(base, key, value string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
