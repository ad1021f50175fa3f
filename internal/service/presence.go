package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PresenceService 记录每个临时用户名最后一次活跃的时间。
type PresenceService struct {
	db  *gorm.DB
	now Clock
}

func NewPresenceService(db *gorm.DB, now Clock) *PresenceService {
	return &PresenceService{db: db, now: now}
}

// Touch 刷新 last_active，用户不存在时创建。
func (s *PresenceService) Touch(ctx context.Context, username string) error {
	username, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	now := s.now()
	user := models.User{Username: username, CreatedAt: now, LastActive: now}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_active"}),
	}).Create(&user).Error
	if err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// Get 返回用户记录，不存在时返回 nil。
func (s *PresenceService) Get(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// IsActive 判断用户是否在不活跃窗口内有过活动。
func (s *PresenceService) IsActive(ctx context.Context, username string) (bool, error) {
	user, err := s.Get(ctx, username)
	if err != nil || user == nil {
		return false, err
	}
	return user.LastActive.After(s.now().Add(-InactivityWindow)), nil
}

func (s *PresenceService) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("last_active > ?", s.now().Add(-InactivityWindow)).
		Count(&n).Error
	return n, err
}
