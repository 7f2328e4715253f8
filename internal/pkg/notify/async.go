package notify

import (
	"context"
	"fmt"

	"taskboard/internal/pkg/queue"
)

// AsyncNotifier 把发送交给后台队列，调用方不等待 SMTP 往返。
//
// 后台任务使用队列 worker 的 ctx，而不是调用方的请求 ctx。
type AsyncNotifier struct {
	next Notifier
	q    *queue.Queue
}

// NewAsync 包装 next，使其通过 q 异步执行。
func NewAsync(next Notifier, q *queue.Queue) *AsyncNotifier {
	return &AsyncNotifier{next: next, q: q}
}

// SendWelcome 入队一封欢迎邮件。只报告入队失败（队列满或已关闭）。
func (a *AsyncNotifier) SendWelcome(_ context.Context, toEmail string) error {
	err := a.q.Enqueue(queue.Job{
		Name: "welcome_email",
		Run: func(ctx context.Context) error {
			return a.next.SendWelcome(ctx, toEmail)
		},
	})
	if err != nil {
		return fmt.Errorf("enqueue welcome mail: %w", err)
	}
	return nil
}
