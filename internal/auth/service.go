package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vanstone-io/coalesce/internal/common"
	"github.com/vanstone-io/coalesce/pkg/config"
	"github.com/vanstone-io/coalesce/pkg/types"
	"github.com/vanstone-io/coalesce/pkg/utils"
	"gorm.io/gorm"
)

// Service resolves caller identities. The upload core only ever sees the
// resolved user; raw credentials stop here.
type Service struct {
	db     *common.Database
	cache  *common.Cache
	config *config.AuthConfig
}

// NewService creates a new authentication service. cache may be nil, in which
// case every token validation hits the database.
func NewService(db *common.Database, cache *common.Cache, config *config.AuthConfig) *Service {
	return &Service{
		db:     db,
		cache:  cache,
		config: config,
	}
}

// Register creates a new user account
func (s *Service) Register(ctx context.Context, req *types.RegisterRequest) (*types.User, error) {
	if req.Username == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", types.ErrValidation)
	}

	var existingUser types.User
	if err := s.db.WithContext(ctx).Where("username = ?", req.Username).First(&existingUser).Error; err == nil {
		return nil, fmt.Errorf("%w: username already taken", types.ErrValidation)
	}

	hashedPassword, err := utils.HashPassword(req.Password, s.config.BCryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &types.User{
		Username: req.Username,
		Password: hashedPassword,
		IsActive: true,
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	log.Info().Str("username", user.Username).Str("user_id", user.ID.String()).Msg("user registered")

	// Remove password from response
	user.Password = ""
	return user, nil
}

// Login authenticates a user and returns a JWT token
func (s *Service) Login(ctx context.Context, req *types.LoginRequest) (*types.AuthToken, error) {
	var user types.User
	if err := s.db.WithContext(ctx).Where("username = ?", req.Username).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: invalid credentials", types.ErrForbidden)
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if !user.IsActive {
		return nil, fmt.Errorf("%w: user account is disabled", types.ErrForbidden)
	}

	if !utils.CheckPassword(req.Password, user.Password) {
		return nil, fmt.Errorf("%w: invalid credentials", types.ErrForbidden)
	}

	token, err := utils.GenerateJWT(user.ID, s.config.JWTSecret, s.config.JWTExpiration)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	authToken := &types.AuthToken{
		Token:     token,
		ExpiresAt: time.Now().Add(s.config.JWTExpiration),
		UserID:    user.ID,
	}

	if s.cache != nil {
		cacheKey := fmt.Sprintf("user:%s", user.ID.String())
		if err := s.cache.Set(ctx, cacheKey, &user, s.config.JWTExpiration); err != nil {
			// Cache failures never fail the login
			log.Warn().Err(err).Str("user_id", user.ID.String()).Msg("failed to cache user")
		}
	}

	return authToken, nil
}

// ValidateToken validates a JWT token and returns the user it identifies
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*types.User, error) {
	userID, err := utils.ValidateJWT(tokenString, s.config.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", types.ErrForbidden)
	}

	// Try cache first
	cacheKey := fmt.Sprintf("user:%s", userID.String())
	if s.cache != nil {
		var cached types.User
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	var user types.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: unknown user", types.ErrForbidden)
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if !user.IsActive {
		return nil, fmt.Errorf("%w: user account is disabled", types.ErrForbidden)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, &user, s.config.JWTExpiration); err != nil {
			log.Warn().Err(err).Str("user_id", user.ID.String()).Msg("failed to cache user")
		}
	}

	user.Password = ""
	return &user, nil
}
