package testutil

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/PixelVault/app/models"
)

// SetupTestDB opens an in-memory SQLite database with all billing tables.
// The pool is pinned to one connection so every query sees the same memory
// database and transactions serialize.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get underlying DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(
		&models.User{},
		&models.BillingSubscription{},
		&models.BillingPayment{},
		&models.BillingWebhookEvent{},
		&models.BillingDailyStat{},
		&models.DiscountCode{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db
}

// CreateUser inserts an active user and returns it.
func CreateUser(t *testing.T, db *gorm.DB, name string) *models.User {
	t.Helper()

	u := &models.User{
		Name:               name,
		Email:              fmt.Sprintf("%s@example.com", name),
		Role:               models.ROLE_USER,
		Status:             models.STATUS_ACTIVE,
		SubscriptionStatus: models.SubscriptionStatusNone,
	}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("Failed to create user %s: %v", name, err)
	}
	return u
}

// CreateAPIUser inserts a user reachable with rawKey via the API key middleware.
func CreateAPIUser(t *testing.T, db *gorm.DB, name, rawKey string) *models.User {
	t.Helper()

	u := CreateUser(t, db, name)
	if err := db.Model(u).Update("api_key_hash", models.HashAPIKey(rawKey)).Error; err != nil {
		t.Fatalf("Failed to set api key for %s: %v", name, err)
	}
	u.APIKeyHash = models.HashAPIKey(rawKey)
	return u
}

// ReloadUser reads the user row again.
func ReloadUser(t *testing.T, db *gorm.DB, id uint) *models.User {
	t.Helper()

	var u models.User
	if err := db.First(&u, id).Error; err != nil {
		t.Fatalf("Failed to reload user %d: %v", id, err)
	}
	return &u
}

// ReloadSubscription reads the subscription row again.
func ReloadSubscription(t *testing.T, db *gorm.DB, id uint) *models.BillingSubscription {
	t.Helper()

	var sub models.BillingSubscription
	if err := db.First(&sub, id).Error; err != nil {
		t.Fatalf("Failed to reload subscription %d: %v", id, err)
	}
	return &sub
}

// Clock is a settable time source, safe for use by background workers.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}
