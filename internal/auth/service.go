// Package auth 提供注册、登录与不透明令牌校验。
// 口令只存 bcrypt 哈希，令牌是带过期时间的 UUID，存在 sqlite 里即可撤销。
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/behflow/BehflowAgent/internal/storage"
)

var (
	// ErrInvalidCredentials 覆盖用户名不存在与口令错误两种情况，登录失败不区分原因。
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrUserInactive       = errors.New("user is inactive")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

const (
	minPasswordLen  = 6
	defaultTokenTTL = 24 * time.Hour

	// 完整的 bcrypt(cost=10) 摘要，用户不存在时照常比对一次
	dummyPasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

// Service 承载认证逻辑，HTTP 层只做参数搬运。
type Service struct {
	store    *storage.Storage
	tokenTTL time.Duration
	logger   *zap.Logger
}

func NewService(store *storage.Storage, tokenTTL time.Duration, logger *zap.Logger) *Service {
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, tokenTTL: tokenTTL, logger: logger}
}

// Register 创建新用户，用户名全局唯一。
func (s *Service) Register(ctx context.Context, username, password, name, lastname string) (*storage.User, error) {
	if username == "" {
		return nil, errors.New("username is required")
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}

	existing, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if existing != nil {
		return nil, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &storage.User{
		UserID:       uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Name:         name,
		Lastname:     lastname,
		IsActive:     true,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info("user registered", zap.String("user_id", user.UserID), zap.String("username", username))
	return user, nil
}

// Token 为一次成功登录的产物。
type Token struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// Login 校验口令并签发令牌。
func (s *Service) Login(ctx context.Context, username, password string) (*Token, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		// 仍然跑一次 bcrypt，拉平存在/不存在两条路径的耗时
		_ = bcrypt.CompareHashAndPassword([]byte(dummyPasswordHash), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	tok := &storage.AuthToken{
		Token:     uuid.NewString(),
		UserID:    user.UserID,
		ExpiresAt: time.Now().Add(s.tokenTTL),
	}
	if err := s.store.InsertAuthToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("insert token: %w", err)
	}

	s.logger.Info("user logged in", zap.String("user_id", user.UserID))
	return &Token{Token: tok.Token, UserID: tok.UserID, ExpiresAt: tok.ExpiresAt}, nil
}

// Authenticate 校验令牌并返回其归属用户。
func (s *Service) Authenticate(ctx context.Context, token string) (*storage.User, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	tok, err := s.store.GetAuthToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if tok == nil {
		return nil, ErrInvalidToken
	}
	user, err := s.store.GetUser(ctx, tok.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil || !user.IsActive {
		return nil, ErrInvalidToken
	}
	return user, nil
}

// PurgeExpiredTokens 清理过期令牌，由后台任务周期调用。
func (s *Service) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredAuthTokens(ctx, time.Now())
}
