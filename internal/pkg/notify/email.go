package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"taskboard/internal/config"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    config.EmailConfig
	logger *slog.Logger
	send   func(m *gomail.Message) error
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
		return d.DialAndSend(m)
	}
	return n
}

// SendWelcome 发送注册欢迎邮件。
func (n *EmailNotifier) SendWelcome(ctx context.Context, toEmail string) error {
	if !n.cfg.Enabled() {
		n.logger.Warn("email config missing, skip welcome mail")
		return nil
	}
	if strings.TrimSpace(toEmail) == "" {
		return fmt.Errorf("empty recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := n.send(n.buildWelcome(toEmail)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("welcome email sent", slog.String("to", toEmail))
	return nil
}

func (n *EmailNotifier) buildWelcome(toEmail string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", "[Taskboard] 欢迎使用 Taskboard")

	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>欢迎加入 Taskboard</h2>
    <p>账号 <b>%s</b> 已创建成功。</p>
    <p>登录后即可在 todo / in-progress / done 三列中管理你的任务。</p>
  </div>
</body>
</html>`, html.EscapeString(toEmail))
	m.SetBody("text/html", body)
	return m
}
