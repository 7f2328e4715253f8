package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
	OAuth    OAuthConfig    `json:"oauth"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env             string        `json:"env"`              // 运行环境: local / prod
	LogLevel        string        `json:"log_level"`        // 日志级别: debug / info / warn / error
	HTTPAddr        string        `json:"http_addr"`        // API 服务监听地址
	ShutdownTimeout time.Duration `json:"shutdown_timeout"` // 优雅关闭超时（如 "5s"）
	SeedDemo        bool          `json:"seed_demo"`        // 启动时是否写入演示账号与任务
	DemoEmail       string        `json:"demo_email"`       // 演示账号邮箱
	DemoPassword    string        `json:"demo_password"`    // 演示账号密码
}

// DatabaseConfig 数据库配置。
type DatabaseConfig struct {
	Driver string `json:"driver"` // mysql / postgres / sqlite
	DSN    string `json:"dsn"`    // 数据库连接字符串
}

// RedisConfig Redis 配置（限流、OAuth state、一次性兑换码）。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
	DB       int    `json:"db"`       // Redis DB 编号
}

// EmailConfig 邮件配置（注册欢迎邮件）。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret      string        `json:"jwt_secret"`      // JWT 签名密钥
	JWTIssuer      string        `json:"jwt_issuer"`      // JWT iss
	TokenTTL       time.Duration `json:"token_ttl"`       // Token 有效期（默认 1h）
	BcryptCost     int           `json:"bcrypt_cost"`     // bcrypt cost
	AllowedOrigins []string      `json:"allowed_origins"` // CORS 白名单
	RateLimit      float64       `json:"rate_limit"`      // 登录/注册限流速率（token/s，0 表示关闭）
	RateBurst      float64       `json:"rate_burst"`      // 限流桶容量
	TrustedProxies []string      `json:"trusted_proxies"` // 可信反向代理（IP/CIDR），为空时只认 RemoteAddr
}

// OAuthConfig 第三方登录配置。ClientID 为空表示未启用。
type OAuthConfig struct {
	Provider     string        `json:"provider"`      // 提供方名称，写入 users.provider
	ClientID     string        `json:"client_id"`     // OAuth Client ID
	ClientSecret string        `json:"client_secret"` // OAuth Client Secret
	AuthURL      string        `json:"auth_url"`      // 授权地址
	TokenURL     string        `json:"token_url"`     // 换取 token 地址
	UserInfoURL  string        `json:"userinfo_url"`  // 用户信息地址
	RedirectURL  string        `json:"redirect_url"`  // 回调地址（/auth/external/callback）
	Scopes       []string      `json:"scopes"`        // 申请的 scope
	SuccessURL   string        `json:"success_url"`   // 登录成功后跳转地址
	FailureURL   string        `json:"failure_url"`   // 登录失败后跳转地址
	RedirectMode string        `json:"redirect_mode"` // query: token 放在 URL 中；exchange: 一次性兑换码
	StateTTL     time.Duration `json:"state_ttl"`     // state 有效期
	ExchangeTTL  time.Duration `json:"exchange_ttl"`  // 兑换码有效期
}

const (
	RedirectModeQuery    = "query"
	RedirectModeExchange = "exchange"
)

// Enabled 判断是否配置了第三方登录。
func (o OAuthConfig) Enabled() bool {
	return o.ClientID != "" && o.AuthURL != "" && o.TokenURL != "" && o.UserInfoURL != ""
}

// Enabled 判断是否配置了 SMTP。
func (e EmailConfig) Enabled() bool {
	return e.SMTPHost != "" && e.SMTPUser != "" && e.FromEmail != ""
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, cfg.Validate()
}

// Validate 校验无法通过默认值修正的配置。
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.OAuth.RedirectMode {
	case RedirectModeQuery, RedirectModeExchange:
	default:
		return fmt.Errorf("unsupported oauth redirect_mode %q", c.OAuth.RedirectMode)
	}
	if c.Security.TokenTTL <= 0 {
		return fmt.Errorf("security.token_ttl must be positive")
	}
	if c.App.Env == "prod" && c.Security.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("security.jwt_secret must be set in prod")
	}
	return nil
}

const defaultJWTSecret = "dev_secret_change_me"

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:             "local",
			LogLevel:        "info",
			HTTPAddr:        ":8081",
			ShutdownTimeout: 5 * time.Second,
			DemoEmail:       "demo@taskboard.local",
			DemoPassword:    "demo-password",
		},
		Database: DatabaseConfig{
			Driver: "mysql",
			DSN:    "root:password@tcp(localhost:3306)/taskboard?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			JWTSecret:      defaultJWTSecret,
			JWTIssuer:      "taskboard",
			TokenTTL:       time.Hour,
			BcryptCost:     10,
			AllowedOrigins: []string{"http://localhost:3000"},
			RateLimit:      1,
			RateBurst:      10,
		},
		OAuth: OAuthConfig{
			Provider:     "google",
			AuthURL:      "https://accounts.google.com/o/oauth2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			UserInfoURL:  "https://openidconnect.googleapis.com/v1/userinfo",
			Scopes:       []string{"openid", "email", "profile"},
			SuccessURL:   "/auth/success",
			FailureURL:   "/",
			RedirectMode: RedirectModeQuery,
			StateTTL:     10 * time.Minute,
			ExchangeTTL:  time.Minute,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.ShutdownTimeout == 0 {
		cfg.App.ShutdownTimeout = defaults.App.ShutdownTimeout
	}
	if cfg.App.DemoEmail == "" {
		cfg.App.DemoEmail = defaults.App.DemoEmail
	}
	if cfg.App.DemoPassword == "" {
		cfg.App.DemoPassword = defaults.App.DemoPassword
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == defaults.Database.Driver {
		cfg.Database.DSN = defaults.Database.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Security.JWTIssuer == "" {
		cfg.Security.JWTIssuer = defaults.Security.JWTIssuer
	}
	if cfg.Security.TokenTTL == 0 {
		cfg.Security.TokenTTL = defaults.Security.TokenTTL
	}
	if cfg.Security.BcryptCost == 0 {
		cfg.Security.BcryptCost = defaults.Security.BcryptCost
	}
	if len(cfg.Security.AllowedOrigins) == 0 {
		cfg.Security.AllowedOrigins = defaults.Security.AllowedOrigins
	}
	if cfg.Security.RateBurst == 0 {
		cfg.Security.RateBurst = defaults.Security.RateBurst
	}
	if cfg.OAuth.Provider == "" {
		cfg.OAuth.Provider = defaults.OAuth.Provider
	}
	if cfg.OAuth.AuthURL == "" {
		cfg.OAuth.AuthURL = defaults.OAuth.AuthURL
	}
	if cfg.OAuth.TokenURL == "" {
		cfg.OAuth.TokenURL = defaults.OAuth.TokenURL
	}
	if cfg.OAuth.UserInfoURL == "" {
		cfg.OAuth.UserInfoURL = defaults.OAuth.UserInfoURL
	}
	if len(cfg.OAuth.Scopes) == 0 {
		cfg.OAuth.Scopes = defaults.OAuth.Scopes
	}
	if cfg.OAuth.SuccessURL == "" {
		cfg.OAuth.SuccessURL = defaults.OAuth.SuccessURL
	}
	if cfg.OAuth.FailureURL == "" {
		cfg.OAuth.FailureURL = defaults.OAuth.FailureURL
	}
	if cfg.OAuth.RedirectMode == "" {
		cfg.OAuth.RedirectMode = defaults.OAuth.RedirectMode
	}
	if cfg.OAuth.StateTTL == 0 {
		cfg.OAuth.StateTTL = defaults.OAuth.StateTTL
	}
	if cfg.OAuth.ExchangeTTL == 0 {
		cfg.OAuth.ExchangeTTL = defaults.OAuth.ExchangeTTL
	}
}

func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.AutomaticEnv()

	_ = v.BindEnv("db_host", "DB_HOST")
	_ = v.BindEnv("db_password", "DB_PASSWORD")
	_ = v.BindEnv("redis_addr", "REDIS_ADDR")
	_ = v.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = v.BindEnv("smtp_pass", "SMTP_PASS")
	_ = v.BindEnv("jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("oauth_client_id", "OAUTH_CLIENT_ID")
	_ = v.BindEnv("oauth_client_secret", "OAUTH_CLIENT_SECRET")

	if s := os.Getenv("APP_ENV"); s != "" {
		cfg.App.Env = s
	}
	if s := os.Getenv("APP_LOG_LEVEL"); s != "" {
		cfg.App.LogLevel = s
	}
	if s := os.Getenv("APP_HTTP_ADDR"); s != "" {
		cfg.App.HTTPAddr = s
	} else if s := os.Getenv("PORT"); s != "" {
		cfg.App.HTTPAddr = ":" + s
	}
	if s := os.Getenv("APP_SHUTDOWN_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.App.ShutdownTimeout = d
		}
	}
	if s := os.Getenv("APP_SEED_DEMO"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			cfg.App.SeedDemo = b
		}
	}

	if s := v.GetString("jwt_secret"); s != "" {
		cfg.Security.JWTSecret = s
	}
	if s := os.Getenv("APP_TOKEN_TTL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.Security.TokenTTL = d
		}
	}
	if s := os.Getenv("APP_BCRYPT_COST"); s != "" {
		if i, err := strconv.Atoi(s); err == nil {
			cfg.Security.BcryptCost = i
		}
	}
	if s := os.Getenv("APP_ALLOWED_ORIGINS"); s != "" {
		cfg.Security.AllowedOrigins = splitList(s)
	}
	if s := os.Getenv("APP_RATE_LIMIT"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			cfg.Security.RateLimit = f
		}
	}
	if s := os.Getenv("APP_RATE_BURST"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			cfg.Security.RateBurst = f
		}
	}
	if s := os.Getenv("APP_TRUSTED_PROXIES"); s != "" {
		cfg.Security.TrustedProxies = splitList(s)
	}

	if s := os.Getenv("DB_DRIVER"); s != "" {
		cfg.Database.Driver = s
	}
	if s := os.Getenv("DB_DSN"); s != "" {
		cfg.Database.DSN = s
	} else if cfg.Database.Driver == "mysql" && (hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || v.GetString("db_host") != "" || v.GetString("db_password") != "") {
		parsed := parseMySQLDSN(cfg.Database.DSN)
		if s := v.GetString("db_host"); s != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = s + ":" + port
		} else if s := os.Getenv("DB_PORT"); s != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + s
		}
		if s := os.Getenv("DB_USER"); s != "" {
			parsed.User = s
		}
		if s := v.GetString("db_password"); s != "" {
			parsed.Passwd = s
		}
		if s := os.Getenv("DB_NAME"); s != "" {
			parsed.DBName = s
		}
		cfg.Database.DSN = parsed.FormatDSN()
	}

	if s := v.GetString("redis_addr"); s != "" {
		cfg.Redis.Addr = s
	}
	if s := v.GetString("redis_password"); s != "" {
		cfg.Redis.Password = s
	}

	if s := os.Getenv("SMTP_HOST"); s != "" {
		cfg.Email.SMTPHost = s
	}
	if s := os.Getenv("SMTP_PORT"); s != "" {
		if i, err := strconv.Atoi(s); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if s := os.Getenv("SMTP_USER"); s != "" {
		cfg.Email.SMTPUser = s
	}
	if s := v.GetString("smtp_pass"); s != "" {
		cfg.Email.SMTPPass = s
	}
	if s := os.Getenv("SMTP_FROM"); s != "" {
		cfg.Email.FromEmail = s
	}

	if s := v.GetString("oauth_client_id"); s != "" {
		cfg.OAuth.ClientID = s
	}
	if s := v.GetString("oauth_client_secret"); s != "" {
		cfg.OAuth.ClientSecret = s
	}
	if s := os.Getenv("OAUTH_REDIRECT_URL"); s != "" {
		cfg.OAuth.RedirectURL = s
	}
	if s := os.Getenv("OAUTH_SUCCESS_URL"); s != "" {
		cfg.OAuth.SuccessURL = s
	}
	if s := os.Getenv("OAUTH_FAILURE_URL"); s != "" {
		cfg.OAuth.FailureURL = s
	}
	if s := os.Getenv("OAUTH_REDIRECT_MODE"); s != "" {
		cfg.OAuth.RedirectMode = s
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := func() *mysql.Config {
		c := mysql.NewConfig()
		c.User = "root"
		c.Net = "tcp"
		c.Addr = "localhost:3306"
		c.DBName = "taskboard"
		c.ParseTime = true
		return c
	}
	if dsn == "" {
		return fallback()
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback()
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持时间 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		ShutdownTimeout string `json:"shutdown_timeout"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurationField("shutdown_timeout", aux.ShutdownTimeout, &a.ShutdownTimeout)
}

// UnmarshalJSON 支持 token_ttl 使用 "1h" 形式。
func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		TokenTTL string `json:"token_ttl"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurationField("token_ttl", aux.TokenTTL, &s.TokenTTL)
}

// UnmarshalJSON 支持 state_ttl / exchange_ttl 使用 Duration 字符串。
func (o *OAuthConfig) UnmarshalJSON(data []byte) error {
	type Alias OAuthConfig
	aux := &struct {
		StateTTL    string `json:"state_ttl"`
		ExchangeTTL string `json:"exchange_ttl"`
		*Alias
	}{
		Alias: (*Alias)(o),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDurationField("state_ttl", aux.StateTTL, &o.StateTTL); err != nil {
		return err
	}
	return parseDurationField("exchange_ttl", aux.ExchangeTTL, &o.ExchangeTTL)
}

func parseDurationField(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s format: %w", name, err)
	}
	*dst = d
	return nil
}
