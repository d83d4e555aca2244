package model_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/animsession/model"
	"github.com/kasuganosora/animsession/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestAutoMigrate_InsertAndQuery(t *testing.T) {
	db := testutil.SetupTestDB(t)

	// Account
	acc := &model.Account{ID: uuid.NewString(), Email: "test@example.com", PasswordHash: "hash", Role: model.RoleUser, Status: 1}
	require.NoError(t, db.Create(acc).Error)

	var found model.Account
	require.NoError(t, db.First(&found, "id = ?", acc.ID).Error)
	assert.Equal(t, "test@example.com", found.Email)
	assert.False(t, found.CreatedAt.IsZero())

	// Email is unique.
	dup := &model.Account{ID: uuid.NewString(), Email: "test@example.com", PasswordHash: "hash"}
	assert.Error(t, db.Create(dup).Error)

	// SessionCharacter is keyed by (owner, character).
	sc := &model.SessionCharacter{OwnerID: acc.ID, CharacterID: "char1", X: 1, Rotation: 45}
	require.NoError(t, db.Create(sc).Error)
	other := &model.SessionCharacter{OwnerID: uuid.NewString(), CharacterID: "char1"}
	require.NoError(t, db.Create(other).Error)
	again := &model.SessionCharacter{OwnerID: acc.ID, CharacterID: "char1"}
	assert.Error(t, db.Create(again).Error)

	// CharacterHistory
	h := &model.CharacterHistory{
		OwnerID:     acc.ID,
		CharacterID: "char1",
		Timestamp:   "2024-01-01T00:00:00.000Z",
		Data:        datatypes.JSON(`{"isActive":true}`),
	}
	require.NoError(t, db.Create(h).Error)
	assert.Greater(t, h.ID, int64(0))

	var hist model.CharacterHistory
	require.NoError(t, db.First(&hist, h.ID).Error)
	assert.JSONEq(t, `{"isActive":true}`, string(hist.Data))

	// LogEntry
	le := &model.LogEntry{Component: "SessionActor", Level: "info", Message: "hello", CreatedAt: time.Now().UTC()}
	require.NoError(t, db.Create(le).Error)
	assert.Greater(t, le.ID, int64(0))
}

func TestAutoMigrate_Idempotent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	require.NoError(t, model.AutoMigrate(db))
	assert.True(t, db.Migrator().HasTable(&model.Account{}))
	assert.True(t, db.Migrator().HasTable("character_history"))
}
