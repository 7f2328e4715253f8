package model

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus 任务所在的看板列。
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in-progress"
	StatusDone       TaskStatus = "done"
)

// Statuses 按看板列顺序返回全部状态。
func Statuses() []TaskStatus {
	return []TaskStatus{StatusTodo, StatusInProgress, StatusDone}
}

// ParseTaskStatus 解析状态字符串（忽略大小写与首尾空格）。
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusTodo, StatusInProgress, StatusDone:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Task 表示用户的一条待办任务。
//
// CreatedAt / UpdatedAt 由服务层写入，关闭了 GORM 的自动时间戳，
// 保证创建时两者相等。
type Task struct {
	ID          uint       `gorm:"primaryKey" json:"id"`                                 // 任务唯一标识
	OwnerID     uint       `gorm:"not null;index" json:"owner_id"`                       // 所属用户 ID（创建后不可变）
	Owner       User       `gorm:"foreignKey:OwnerID" json:"-"`                          // 所属用户
	Title       string     `gorm:"type:varchar(255);not null" json:"title"`              // 标题
	Description string     `gorm:"type:text" json:"description"`                         // 描述
	Status      TaskStatus `gorm:"type:varchar(16);not null;default:todo" json:"status"` // todo / in-progress / done
	CreatedAt   time.Time  `gorm:"autoCreateTime:false" json:"created_at"`               // 创建时间
	UpdatedAt   time.Time  `gorm:"autoUpdateTime:false" json:"updated_at"`               // 最近修改时间
}
