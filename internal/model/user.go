package model

import "time"

// User 表示系统用户。
//
// 通过第三方登录创建的用户 PasswordHash 为空，无法使用密码登录。
type User struct {
	ID              uint      `gorm:"primaryKey" json:"id"`                                              // 用户 ID
	Email           string    `gorm:"type:varchar(191);uniqueIndex;not null" json:"email"`               // 邮箱（唯一，小写）
	PasswordHash    string    `gorm:"type:varchar(72)" json:"-"`                                         // bcrypt 哈希
	Provider        *string   `gorm:"type:varchar(32);uniqueIndex:idx_users_provider_subject" json:"-"`  // 第三方登录提供方
	ProviderSubject *string   `gorm:"type:varchar(191);uniqueIndex:idx_users_provider_subject" json:"-"` // 提供方用户 ID (sub)
	CreatedAt       time.Time `json:"created_at"`                                                        // 创建时间
	UpdatedAt       time.Time `json:"updated_at"`                                                        // 更新时间

	Tasks []Task `gorm:"foreignKey:OwnerID" json:"-"`
}
