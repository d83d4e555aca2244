package character

import (
	"context"

	"github.com/kasuganosora/animsession/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps one session_characters row per (owner, character).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a Store backed by db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Load(ctx context.Context, ownerID string) (Set, error) {
	var rows []model.SessionCharacter
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(Set, len(rows))
	for _, r := range rows {
		out[r.CharacterID] = fromRecord(r)
	}
	return out, nil
}

// SaveAll inserts chars, leaving rows that already exist untouched.
func (s *GormStore) SaveAll(ctx context.Context, ownerID string, chars Set) error {
	if len(chars) == 0 {
		return nil
	}
	rows := make([]model.SessionCharacter, 0, len(chars))
	for _, id := range chars.IDs() {
		rows = append(rows, toRecord(ownerID, chars[id]))
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

// Save upserts the full value of c.
func (s *GormStore) Save(ctx context.Context, ownerID string, c Character) error {
	row := toRecord(ownerID, c)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

func toRecord(ownerID string, c Character) model.SessionCharacter {
	return model.SessionCharacter{
		OwnerID:     ownerID,
		CharacterID: c.ID,
		X:           c.Position.X,
		Y:           c.Position.Y,
		Z:           c.Position.Z,
		Rotation:    c.Rotation,
		IsActive:    c.IsActive,
	}
}

func fromRecord(r model.SessionCharacter) Character {
	return Character{
		ID:       r.CharacterID,
		Position: Position{X: r.X, Y: r.Y, Z: r.Z},
		Rotation: r.Rotation,
		IsActive: r.IsActive,
	}
}
