// Package task implements per-owner CRUD over tasks. Callers pass the
// authenticated user id; a task is only visible to and mutable by its owner.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"taskboard/internal/model"
	"taskboard/internal/pkg/apperr"
	"taskboard/internal/pkg/metrics"
)

const maxTitleLength = 255

// Repository is the persistence the service needs. *store.TaskStore
// satisfies it.
type Repository interface {
	CreateTask(ctx context.Context, task *model.Task) error
	ListTasks(ctx context.Context, ownerID uint) ([]model.Task, error)
	GetTask(ctx context.Context, id uint) (*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) error
	DeleteTask(ctx context.Context, id uint, ownerID uint) error
}

// CreateInput 创建任务参数。Status 为空时默认为 todo。
type CreateInput struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

// UpdateInput 部分更新参数，nil 表示不修改。
type UpdateInput struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

func (in UpdateInput) empty() bool {
	return in.Title == nil && in.Description == nil && in.Status == nil
}

type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Service) clock() time.Time {
	// 各驱动的时间精度至少到毫秒
	return s.now().UTC().Truncate(time.Millisecond)
}

// Create stores a new task owned by owner.
func (s *Service) Create(ctx context.Context, owner uint, in CreateInput) (task *model.Task, err error) {
	defer func() { metrics.TaskOpsTotal.WithLabelValues("create", metrics.Outcome(err)).Inc() }()

	title, err := normalizeTitle(in.Title)
	if err != nil {
		return nil, err
	}
	status := model.StatusTodo
	if in.Status != nil && strings.TrimSpace(*in.Status) != "" {
		if status, err = parseStatus(*in.Status); err != nil {
			return nil, err
		}
	}

	now := s.clock()
	task = &model.Task{
		OwnerID:   owner,
		Title:     title,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.Description != nil {
		task.Description = *in.Description
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info("task created", slog.Uint64("task_id", uint64(task.ID)), slog.Uint64("owner_id", uint64(owner)))
	return task, nil
}

// List returns every task of owner in insertion order.
func (s *Service) List(ctx context.Context, owner uint) ([]model.Task, error) {
	return s.repo.ListTasks(ctx, owner)
}

// Update merges the supplied fields into the task and bumps updated_at.
func (s *Service) Update(ctx context.Context, owner uint, id uint, in UpdateInput) (task *model.Task, err error) {
	defer func() { metrics.TaskOpsTotal.WithLabelValues("update", metrics.Outcome(err)).Inc() }()

	// Existence and ownership come first so bad input never masks a 403/404.
	task, err = s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	if in.empty() {
		return nil, apperr.Invalid("no updates")
	}
	var (
		title  string
		status model.TaskStatus
	)
	if in.Title != nil {
		if title, err = normalizeTitle(*in.Title); err != nil {
			return nil, err
		}
	}
	if in.Status != nil {
		if status, err = parseStatus(*in.Status); err != nil {
			return nil, err
		}
	}

	if in.Title != nil {
		task.Title = title
	}
	if in.Description != nil {
		task.Description = *in.Description
	}
	if in.Status != nil {
		task.Status = status
	}
	task.UpdatedAt = s.clock()
	if task.UpdatedAt.Before(task.CreatedAt) {
		task.UpdatedAt = task.CreatedAt
	}

	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("task updated", slog.Uint64("task_id", uint64(id)), slog.String("status", string(task.Status)))
	return task, nil
}

// Delete removes the task.
func (s *Service) Delete(ctx context.Context, owner uint, id uint) (err error) {
	defer func() { metrics.TaskOpsTotal.WithLabelValues("delete", metrics.Outcome(err)).Inc() }()

	if _, err := s.owned(ctx, owner, id); err != nil {
		return err
	}
	if err := s.repo.DeleteTask(ctx, id, owner); err != nil {
		return err
	}
	s.logger.Info("task deleted", slog.Uint64("task_id", uint64(id)), slog.Uint64("owner_id", uint64(owner)))
	return nil
}

// owned loads a task and checks it belongs to owner.
func (s *Service) owned(ctx context.Context, owner uint, id uint) (*model.Task, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("%w: task %d", apperr.ErrNotFound, id)
		}
		return nil, err
	}
	if task.OwnerID != owner {
		s.logger.Warn("task access denied", slog.Uint64("task_id", uint64(id)), slog.Uint64("user_id", uint64(owner)))
		return nil, fmt.Errorf("%w: task %d", apperr.ErrForbidden, id)
	}
	return task, nil
}

func normalizeTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", apperr.Invalid("title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", apperr.Invalid("title must be at most %d characters", maxTitleLength)
	}
	return title, nil
}

func parseStatus(raw string) (model.TaskStatus, error) {
	st, err := model.ParseTaskStatus(raw)
	if err != nil {
		return "", apperr.Invalid("status must be one of todo, in-progress, done")
	}
	return st, nil
}
