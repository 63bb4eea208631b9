package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelVault/app/models"
)

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, id).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByAPIKey hashes the raw key and resolves it to its user.
func (r *userRepository) GetByAPIKey(ctx context.Context, rawKey string) (*models.User, error) {
	if strings.TrimSpace(rawKey) == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var user models.User
	err := r.db.WithContext(ctx).
		Where("api_key_hash = ? AND api_key_hash <> ''", models.HashAPIKey(rawKey)).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetEmailByID loads only the address of a user
func (r *userRepository) GetEmailByID(ctx context.Context, id uint) (string, error) {
	var user models.User
	err := r.db.WithContext(ctx).Select("id", "email").First(&user, id).Error
	if err != nil {
		return "", err
	}
	return user.Email, nil
}
