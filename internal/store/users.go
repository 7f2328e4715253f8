package store

import (
	"context"
	"errors"
	"fmt"

	"taskboard/internal/model"
	"taskboard/internal/pkg/apperr"

	"gorm.io/gorm"
)

// UserStore 基于 GORM 的用户存储。
type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

// CreateUser 插入用户；邮箱或第三方身份冲突时返回 apperr.ErrDuplicateEmail。
func (s *UserStore) CreateUser(ctx context.Context, user *model.User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", apperr.ErrDuplicateEmail, user.Email)
		}
		return apperr.Store("create user", err)
	}
	return nil
}

// FindUserByEmail 按（已规范化的）邮箱查找用户。
func (s *UserStore) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.first(ctx, "find user by email", "email = ?", email)
}

// FindUserByID 按 ID 查找用户。
func (s *UserStore) FindUserByID(ctx context.Context, id uint) (*model.User, error) {
	return s.first(ctx, "find user by id", "id = ?", id)
}

// FindUserBySubject 按第三方身份查找用户。
func (s *UserStore) FindUserBySubject(ctx context.Context, provider, subject string) (*model.User, error) {
	return s.first(ctx, "find user by subject", "provider = ? AND provider_subject = ?", provider, subject)
}

// LinkSubject 将第三方身份绑定到已有用户。
func (s *UserStore) LinkSubject(ctx context.Context, userID uint, provider, subject string) error {
	res := s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"provider":         provider,
			"provider_subject": subject,
		})
	if res.Error != nil {
		if isDuplicateKey(res.Error) {
			return fmt.Errorf("%w: subject already linked", apperr.ErrDuplicateEmail)
		}
		return apperr.Store("link subject", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %d: %w", userID, apperr.ErrNotFound)
	}
	return nil
}

func (s *UserStore) first(ctx context.Context, op string, query string, args ...interface{}) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).Where(query, args...).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	return &user, nil
}
