package repository

import (
	"context"

	"github.com/ManuelReschke/PixelVault/app/models"
)

// UserRepository defines the user lookups the billing surface needs
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
	GetByAPIKey(ctx context.Context, rawKey string) (*models.User, error)
	GetEmailByID(ctx context.Context, id uint) (string, error)
}
