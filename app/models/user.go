package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	ROLE_USER       = "user"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

// User is owned by the account system. Billing reads the identity fields and
// maintains the subscription projection (SubscriptionStatus, NextBillingDate).
type User struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	Name               string         `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email              string         `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,min=5,max=200"`
	Role               string         `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status             string         `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	APIKeyHash         string         `gorm:"type:varchar(64);index" json:"-"`
	SubscriptionStatus string         `gorm:"type:varchar(32);not null;default:'none';index" json:"subscription_status"`
	NextBillingDate    *time.Time     `gorm:"type:timestamp;default:null" json:"next_billing_date,omitempty"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

// HasSubscription reports whether the projection grants a paid plan.
func (u *User) HasSubscription() bool {
	return u.SubscriptionStatus == SubscriptionStatusActive
}

// HashAPIKey returns the SHA-256 hash for the provided API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}
