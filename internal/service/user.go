package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/auth"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/config"

	"gorm.io/gorm"
)

// UserService 封装临时用户名的登录与登出。
type UserService struct {
	db       *gorm.DB
	now      Clock
	cfg      config.Config
	presence *PresenceService
	cleanup  *CleanupService
}

func NewUserService(db *gorm.DB, now Clock, cfg config.Config, presence *PresenceService, cleanup *CleanupService) *UserService {
	return &UserService{db: db, now: now, cfg: cfg, presence: presence, cleanup: cleanup}
}

// LoginResult 登录成功后返回的数据，LoginCode 用于在其它设备上重新认领同一用户名。
type LoginResult struct {
	Username           string    `json:"username"`
	AccessToken        string    `json:"access_token"`
	LoginCode          string    `json:"login_code"`
	LoginCodeExpiresAt time.Time `json:"login_code_expires_at"`
}

// Login 认领用户名。用户名正被活跃用户占用时，必须提供该用户名未使用的登录码。
func (s *UserService) Login(ctx context.Context, username, code string) (*LoginResult, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	now := s.now()
	db := s.db.WithContext(ctx)

	active, err := s.presence.IsActive(ctx, username)
	if err != nil {
		return nil, err
	}
	if active {
		if code == "" {
			return nil, ErrUsernameTaken
		}
		if err := auth.ConsumeLoginCode(db, username, code, now); err != nil {
			if errors.Is(err, auth.ErrInvalidCode) {
				return nil, ErrInvalidLoginCode
			}
			return nil, fmt.Errorf("consume login code: %w", err)
		}
	}

	if err := s.presence.Touch(ctx, username); err != nil {
		return nil, err
	}
	newCode, err := auth.GenerateLoginCode()
	if err != nil {
		return nil, err
	}
	expires := now.Add(time.Duration(s.cfg.LoginCodeTTLMinutes) * time.Minute)
	if err := auth.SaveLoginCode(db, username, newCode, now, expires); err != nil {
		return nil, fmt.Errorf("save login code: %w", err)
	}
	token, err := auth.GenerateAccessToken(username, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Username: username, AccessToken: token, LoginCode: newCode, LoginCodeExpiresAt: expires}, nil
}

// Logout 同步执行用户清理，保留其创建的群。
func (s *UserService) Logout(ctx context.Context, username string) error {
	return s.cleanup.CleanupUserPreservingGroups(ctx, username)
}
