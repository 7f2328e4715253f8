package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"

	"taskboard/internal/config"
	"taskboard/internal/model"
	"taskboard/internal/pkg/logger"
	"taskboard/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}
	cfg.Security.JWTSecret = "test-secret"
	cfg.Security.BcryptCost = 4
	cfg.Security.RateLimit = 0
	cfg.OAuth.ClientID = ""
	cfg.Email = config.EmailConfig{}
	if mutate != nil {
		mutate(cfg)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	db, err := store.Open(cfg.Database)
	require.NoError(t, err)

	s, err := newServer(cfg, logger.Discard(), db, rdb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func do(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	var body struct {
		Error string `json:"error"`
	}
	decode(t, w, &body)
	return body.Error
}

func registerAndLogin(t *testing.T, s *Server, email, password string) string {
	t.Helper()
	w := do(t, s, http.MethodPost, "/register", "", gin.H{"email": email, "password": password})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/login", "", gin.H{"email": email, "password": password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tok struct {
		Token string `json:"token"`
	}
	decode(t, w, &tok)
	require.NotEmpty(t, tok.Token)
	return tok.Token
}

func TestExampleScenario(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/register", "", gin.H{"email": "a@x.com", "password": "pw123"})
	require.Equal(t, http.StatusCreated, w.Code)
	var reg struct {
		ID    uint   `json:"id"`
		Email string `json:"email"`
	}
	decode(t, w, &reg)
	assert.Equal(t, "a@x.com", reg.Email)
	assert.NotContains(t, w.Body.String(), "password")

	w = do(t, s, http.MethodPost, "/login", "", gin.H{"email": "a@x.com", "password": "pw123"})
	require.Equal(t, http.StatusOK, w.Code)
	var tok struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	decode(t, w, &tok)
	assert.NotEmpty(t, tok.ExpiresAt)

	w = do(t, s, http.MethodPost, "/tasks", tok.Token, gin.H{"title": "Write report"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created model.Task
	decode(t, w, &created)
	assert.Equal(t, uint(1), created.ID)
	assert.Equal(t, "Write report", created.Title)
	assert.Equal(t, model.StatusTodo, created.Status)
	assert.Equal(t, reg.ID, created.OwnerID)

	w = do(t, s, http.MethodGet, "/tasks", tok.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []model.Task
	decode(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, uint(1), list[0].ID)

	w = do(t, s, http.MethodDelete, "/tasks/1", tok.Token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, "/tasks", tok.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestRegisterAndLoginErrors(t *testing.T) {
	s := newTestServer(t, nil)
	registerAndLogin(t, s, "a@x.com", "pw123")

	w := do(t, s, http.MethodPost, "/register", "", gin.H{"email": "A@x.com", "password": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPost, "/register", "", gin.H{"email": "nope", "password": "pw"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/register", "", gin.H{"email": "b@x.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	wrong := do(t, s, http.MethodPost, "/login", "", gin.H{"email": "a@x.com", "password": "bad"})
	unknown := do(t, s, http.MethodPost, "/login", "", gin.H{"email": "who@x.com", "password": "pw123"})
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, wrong.Body.String(), unknown.Body.String())
}

func TestAuthenticationGate(t *testing.T) {
	s := newTestServer(t, nil)
	token := registerAndLogin(t, s, "a@x.com", "pw123")

	w := do(t, s, http.MethodGet, "/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, errorOf(t, w), "unauthenticated")

	// 不带 Bearer 前缀的原始 token 被拒绝
	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", token)
	raw := httptest.NewRecorder()
	s.Router().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusUnauthorized, raw.Code)

	// scheme 不区分大小写
	req = httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", "bearer "+token)
	lower := httptest.NewRecorder()
	s.Router().ServeHTTP(lower, req)
	assert.Equal(t, http.StatusOK, lower.Code)

	w = do(t, s, http.MethodGet, "/tasks", token+"x", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, errorOf(t, w), "invalid token")
}

func TestTaskOwnershipOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	alice := registerAndLogin(t, s, "alice@x.com", "pw123")
	bob := registerAndLogin(t, s, "bob@x.com", "pw123")

	w := do(t, s, http.MethodPost, "/tasks", alice, gin.H{"title": "Buy milk", "description": "2L"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.Task
	decode(t, w, &created)
	path := "/tasks/" + strconv.FormatUint(uint64(created.ID), 10)

	w = do(t, s, http.MethodGet, "/tasks", bob, nil)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = do(t, s, http.MethodPut, path, bob, gin.H{"status": "done"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = do(t, s, http.MethodPut, path, bob, gin.H{"title": ""})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = do(t, s, http.MethodPut, "/tasks/999", alice, gin.H{"title": ""})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, s, http.MethodDelete, path, bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, http.MethodPut, "/tasks/999", alice, gin.H{"status": "done"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, s, http.MethodPut, "/tasks/abc", alice, gin.H{"status": "done"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodPut, path, alice, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodPut, path, alice, gin.H{"status": "blocked"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodPost, "/tasks", alice, gin.H{"title": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPut, path, alice, gin.H{"status": "done"})
	require.Equal(t, http.StatusOK, w.Code)
	var updated model.Task
	decode(t, w, &updated)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, model.StatusDone, updated.Status)
	assert.Equal(t, "2L", updated.Description)
	assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))
}

func TestRateLimitedLogin(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Security.RateLimit = 0.001
		cfg.Security.RateBurst = 2
	})

	for i := 0; i < 2; i++ {
		w := do(t, s, http.MethodPost, "/login", "", gin.H{"email": "a@x.com", "password": "pw"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := do(t, s, http.MethodPost, "/login", "", gin.H{"email": "a@x.com", "password": "pw"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// 注册使用独立的桶
	w = do(t, s, http.MethodPost, "/register", "", gin.H{"email": "a@x.com", "password": "pw"})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestRateLimit_IgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	login := func(s *Server, xff string) int {
		req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader([]byte(`{"email":"a@x.com","password":"pw"}`)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", xff)
		req.RemoteAddr = "203.0.113.7:40000"
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, req)
		return w.Code
	}
	limited := func(cfg *config.Config) {
		cfg.Security.RateLimit = 0.001
		cfg.Security.RateBurst = 2
	}

	s := newTestServer(t, limited)
	var codes []int
	for i := 0; i < 5; i++ {
		codes = append(codes, login(s, "10.0.0."+strconv.Itoa(i)))
	}
	assert.Equal(t, []int{401, 401, 429, 429, 429}, codes)

	// 来自可信代理时按转发的客户端地址分桶
	s = newTestServer(t, func(cfg *config.Config) {
		limited(cfg)
		cfg.Security.TrustedProxies = []string{"203.0.113.0/24"}
	})
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusUnauthorized, login(s, "10.0.0."+strconv.Itoa(i)))
	}
}

func TestNewServer_RejectsBadTrustedProxy(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}
	cfg.Security.TrustedProxies = []string{"not-an-ip"}

	db, err := store.Open(cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })
	rdb := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	_, err = newServer(cfg, logger.Discard(), db, rdb)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trusted proxies")
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "taskboard_http_requests_total")
}

func TestHealthz_ReportsMailQueue(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Email = config.EmailConfig{SMTPHost: "smtp.invalid", SMTPPort: 587, SMTPUser: "u", FromEmail: "noreply@x.com"}
	})
	require.NotNil(t, s.mailq)

	w := do(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status    string `json:"status"`
		MailQueue *struct {
			Pending  int   `json:"pending"`
			Enqueued int64 `json:"enqueued"`
			Dropped  int64 `json:"dropped"`
		} `json:"mail_queue"`
	}
	decode(t, w, &body)
	assert.Equal(t, "ok", body.Status)
	require.NotNil(t, body.MailQueue)
	assert.Zero(t, body.MailQueue.Pending)
	assert.Zero(t, body.MailQueue.Enqueued)
	assert.Zero(t, body.MailQueue.Dropped)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Security.AllowedOrigins = []string{"https://board.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/tasks", nil)
	req.Header.Set("Origin", "https://board.example.com")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://board.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodOptions, "/tasks", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSeedDemoData(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.App.SeedDemo = true
	})
	ctx := context.Background()
	require.NoError(t, s.SeedDemoData(ctx))
	require.NoError(t, s.SeedDemoData(ctx))

	token := func() string {
		w := do(t, s, http.MethodPost, "/login", "", gin.H{"email": s.cfg.App.DemoEmail, "password": s.cfg.App.DemoPassword})
		require.Equal(t, http.StatusOK, w.Code)
		var tok struct {
			Token string `json:"token"`
		}
		decode(t, w, &tok)
		return tok.Token
	}()

	w := do(t, s, http.MethodGet, "/tasks", token, nil)
	var list []model.Task
	decode(t, w, &list)
	require.Len(t, list, 3)
	assert.Equal(t, model.StatusTodo, list[0].Status)
	assert.Equal(t, model.StatusInProgress, list[1].Status)
	assert.Equal(t, model.StatusDone, list[2].Status)
}

func TestExternalLoginNotConfigured(t *testing.T) {
	s := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/auth/external", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func newFakeProvider(t *testing.T, userinfo string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(userinfo))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func withProvider(srv *httptest.Server, mode string) func(cfg *config.Config) {
	return func(cfg *config.Config) {
		cfg.OAuth.ClientID = "cid"
		cfg.OAuth.ClientSecret = "secret"
		cfg.OAuth.AuthURL = srv.URL + "/auth"
		cfg.OAuth.TokenURL = srv.URL + "/token"
		cfg.OAuth.UserInfoURL = srv.URL + "/userinfo"
		cfg.OAuth.RedirectURL = "http://localhost/auth/external/callback"
		cfg.OAuth.SuccessURL = "https://board.example.com/auth/success"
		cfg.OAuth.FailureURL = "https://board.example.com/login"
		cfg.OAuth.RedirectMode = mode
	}
}

// startExternal 发起第三方登录，返回 state 与浏览器收到的 state cookie。
func startExternal(t *testing.T, s *Server) (string, *http.Cookie) {
	t.Helper()
	w := do(t, s, http.MethodGet, "/auth/external", "", nil)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	var cookie *http.Cookie
	for _, ck := range w.Result().Cookies() {
		if ck.Name == "taskboard_oauth_state" {
			cookie = ck
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, state, cookie.Value)
	return state, cookie
}

func callback(s *Server, query string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/auth/external/callback?"+query, nil)
	if cookie != nil {
		req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func redirectQuery(t *testing.T, w *httptest.ResponseRecorder) (string, url.Values) {
	t.Helper()
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Scheme + "://" + loc.Host + loc.Path, loc.Query()
}

func TestExternalLogin_QueryMode(t *testing.T) {
	provider := newFakeProvider(t, `{"sub":"g-1","email":"ext@x.com","email_verified":true}`)
	s := newTestServer(t, withProvider(provider, config.RedirectModeQuery))

	state, cookie := startExternal(t, s)
	w := callback(s, "state="+state+"&code=good-code", cookie)
	base, q := redirectQuery(t, w)
	assert.Equal(t, "https://board.example.com/auth/success", base)
	token := q.Get("token")
	require.NotEmpty(t, token)

	w = do(t, s, http.MethodGet, "/tasks", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// state 只能使用一次
	w = callback(s, "state="+state+"&code=good-code", cookie)
	base, q = redirectQuery(t, w)
	assert.Equal(t, "https://board.example.com/login", base)
	assert.Equal(t, "invalid_state", q.Get("error"))
}

func TestExternalLogin_ExchangeMode(t *testing.T) {
	provider := newFakeProvider(t, `{"sub":"g-2","email":"ext2@x.com","email_verified":true}`)
	s := newTestServer(t, withProvider(provider, config.RedirectModeExchange))

	state, cookie := startExternal(t, s)
	w := callback(s, "state="+state+"&code=good-code", cookie)
	_, q := redirectQuery(t, w)
	assert.Empty(t, q.Get("token"))
	code := q.Get("code")
	require.NotEmpty(t, code)

	w = do(t, s, http.MethodPost, "/auth/exchange", "", gin.H{"code": code})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tok struct {
		Token string `json:"token"`
	}
	decode(t, w, &tok)
	w = do(t, s, http.MethodGet, "/tasks", tok.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/auth/exchange", "", gin.H{"code": code})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(t, s, http.MethodPost, "/auth/exchange", "", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExternalLogin_ProviderRejects(t *testing.T) {
	provider := newFakeProvider(t, `{"sub":"g-3","email":"ext3@x.com","email_verified":true}`)
	s := newTestServer(t, withProvider(provider, config.RedirectModeQuery))

	state, cookie := startExternal(t, s)
	w := callback(s, "state="+state+"&code=bad-code", cookie)
	base, q := redirectQuery(t, w)
	assert.Equal(t, "https://board.example.com/login", base)
	assert.Equal(t, "provider_verification_failed", q.Get("error"))

	w = callback(s, "error=access_denied", nil)
	_, q = redirectQuery(t, w)
	assert.Equal(t, "access_denied", q.Get("error"))
}

func TestExternalLogin_StateBoundToBrowser(t *testing.T) {
	provider := newFakeProvider(t, `{"sub":"g-4","email":"ext4@x.com","email_verified":true}`)
	s := newTestServer(t, withProvider(provider, config.RedirectModeQuery))

	// 攻击者自己发起流程拿到合法 state，再诱导受害者浏览器访问回调
	state, _ := startExternal(t, s)
	w := callback(s, "state="+state+"&code=good-code", nil)
	base, q := redirectQuery(t, w)
	assert.Equal(t, "https://board.example.com/login", base)
	assert.Equal(t, "invalid_state", q.Get("error"))
	assert.Empty(t, q.Get("token"))

	_, other := startExternal(t, s)
	w = callback(s, "state="+state+"&code=good-code", other)
	_, q = redirectQuery(t, w)
	assert.Equal(t, "invalid_state", q.Get("error"))

	// 回调总是清除 state cookie
	var cleared bool
	for _, ck := range w.Result().Cookies() {
		if ck.Name == "taskboard_oauth_state" && ck.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared)

	// cookie 不匹配时 state 未被消费，原浏览器仍可完成登录
	w = callback(s, "state="+state+"&code=good-code", &http.Cookie{Name: "taskboard_oauth_state", Value: state})
	_, q = redirectQuery(t, w)
	assert.NotEmpty(t, q.Get("token"))
}
