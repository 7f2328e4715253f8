package api

import (
	"context"
	"errors"
	"log/slog"

	"taskboard/internal/identity"
	"taskboard/internal/model"
	"taskboard/internal/pkg/apperr"
	"taskboard/internal/task"
)

// SeedDemoData 初始化演示账号，每个看板列放一条任务。
//
// 已存在且有任务的演示账号保持不变，重复启动不会重复写入。
func (s *Server) SeedDemoData(ctx context.Context) error {
	if !s.cfg.App.SeedDemo {
		return nil
	}

	email := identity.NormalizeEmail(s.cfg.App.DemoEmail)
	user, err := s.users.FindUserByEmail(ctx, email)
	if errors.Is(err, apperr.ErrNotFound) {
		user, err = s.identity.Register(ctx, email, s.cfg.App.DemoPassword)
	}
	if err != nil {
		return err
	}

	existing, err := s.tasks.List(ctx, user.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	demo := []struct {
		title, description string
		status             model.TaskStatus
	}{
		{"Plan the week", "Drag me to in-progress when you start.", model.StatusTodo},
		{"Write report", "Quarterly numbers for the team.", model.StatusInProgress},
		{"Set up taskboard", "Registered and logged in.", model.StatusDone},
	}
	for _, d := range demo {
		desc, status := d.description, string(d.status)
		if _, err := s.tasks.Create(ctx, user.ID, task.CreateInput{
			Title:       d.title,
			Description: &desc,
			Status:      &status,
		}); err != nil {
			return err
		}
	}

	s.logger.Info("demo data seeded", slog.String("email", email), slog.Int("tasks", len(demo)))
	return nil
}
