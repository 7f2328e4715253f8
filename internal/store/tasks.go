package store

import (
	"context"
	"errors"
	"fmt"

	"taskboard/internal/model"
	"taskboard/internal/pkg/apperr"

	"gorm.io/gorm"
)

// TaskStore 基于 GORM 的任务存储。所有权校验在 task.Service 中完成。
type TaskStore struct {
	db *gorm.DB
}

func NewTaskStore(db *gorm.DB) *TaskStore {
	return &TaskStore{db: db}
}

func (s *TaskStore) CreateTask(ctx context.Context, task *model.Task) error {
	if err := s.db.WithContext(ctx).Omit("Owner").Create(task).Error; err != nil {
		return apperr.Store("create task", err)
	}
	return nil
}

// ListTasks 返回用户的全部任务，按插入顺序。
func (s *TaskStore) ListTasks(ctx context.Context, ownerID uint) ([]model.Task, error) {
	tasks := []model.Task{} // JSON 输出 [] 而不是 null
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("id ASC").
		Find(&tasks).Error; err != nil {
		return nil, apperr.Store("list tasks", err)
	}
	return tasks, nil
}

func (s *TaskStore) GetTask(ctx context.Context, id uint) (*model.Task, error) {
	var task model.Task
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Store("get task", err)
	}
	return &task, nil
}

// UpdateTask 写回可变字段。行已被删除时返回 apperr.ErrNotFound。
func (s *TaskStore) UpdateTask(ctx context.Context, task *model.Task) error {
	res := s.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND owner_id = ?", task.ID, task.OwnerID).
		Updates(map[string]interface{}{
			"title":       task.Title,
			"description": task.Description,
			"status":      task.Status,
			"updated_at":  task.UpdatedAt,
		})
	if res.Error != nil {
		return apperr.Store("update task", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %d: %w", task.ID, apperr.ErrNotFound)
	}
	return nil
}

func (s *TaskStore) DeleteTask(ctx context.Context, id uint, ownerID uint) error {
	res := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&model.Task{})
	if res.Error != nil {
		return apperr.Store("delete task", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %d: %w", id, apperr.ErrNotFound)
	}
	return nil
}
