package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelVault/internal/pkg/testutil"
)

func TestUserRepository_GetByAPIKey(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	jane := testutil.CreateAPIUser(t, db, "jane", "pv_repo_key")
	testutil.CreateUser(t, db, "nokey")

	user, err := repo.GetByAPIKey(ctx, "  pv_repo_key ")
	require.NoError(t, err)
	assert.Equal(t, jane.ID, user.ID)

	_, err = repo.GetByAPIKey(ctx, "pv_wrong")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	// Users without a key must not match an empty header
	_, err = repo.GetByAPIKey(ctx, "")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestUserRepository_Lookups(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	jane := testutil.CreateUser(t, db, "jane")

	user, err := repo.GetByID(ctx, jane.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane", user.Name)

	email, err := repo.GetEmailByID(ctx, jane.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", email)

	_, err = repo.GetEmailByID(ctx, 9999)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
