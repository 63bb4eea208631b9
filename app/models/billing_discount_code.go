package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DiscountCode is an affiliate or promotion code. PercentOff is applied first,
// FixedOffMinor afterwards.
type DiscountCode struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Code          string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"code" validate:"required,min=3,max=64"`
	PercentOff    int       `gorm:"not null;default:0" json:"percent_off" validate:"gte=0,lte=100"`
	FixedOffMinor int64     `gorm:"not null;default:0" json:"fixed_off_minor" validate:"gte=0"`
	ReferrerID    *uint     `gorm:"index" json:"referrer_id,omitempty"`
	Active        bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DiscountCode) TableName() string {
	return "discount_codes"
}

func (d *DiscountCode) Validate() error {
	v := validator.New()

	return v.Struct(d)
}

// NormalizeDiscountCode trims and upper-cases a user supplied code.
func NormalizeDiscountCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
