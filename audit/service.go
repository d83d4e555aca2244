package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kasuganosora/animsession/game/character"
	"github.com/kasuganosora/animsession/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TimestampLayout is the ISO-8601 UTC form used for history timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Entry is one history record as returned to readers.
type Entry struct {
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Service is the append-only character history. Appends are synchronous:
// the session waits for them as part of committing a command.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// New creates a new audit Service.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger, now: time.Now}
}

// Append records the fields d changed on one character.
func (svc *Service) Append(ctx context.Context, ownerID, characterID string, d character.Delta) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}
	rec := &model.CharacterHistory{
		OwnerID:     ownerID,
		CharacterID: characterID,
		Timestamp:   svc.now().UTC().Format(TimestampLayout),
		Data:        datatypes.JSON(data),
	}
	if err := svc.db.WithContext(ctx).Create(rec).Error; err != nil {
		return err
	}
	svc.logger.Debug("history appended",
		zap.String("owner_id", ownerID),
		zap.String("character_id", characterID),
		zap.ByteString("data", data))
	return nil
}

// ByCharacter returns one character's history in append order.
// An empty ownerID matches the character under every owner.
func (svc *Service) ByCharacter(ctx context.Context, ownerID, characterID string) ([]Entry, error) {
	q := svc.db.WithContext(ctx).Where("character_id = ?", characterID)
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	return svc.find(q)
}

// All returns every history entry in append order, optionally limited to one owner.
func (svc *Service) All(ctx context.Context, ownerID string) ([]Entry, error) {
	q := svc.db.WithContext(ctx)
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	return svc.find(q)
}

func (svc *Service) find(q *gorm.DB) ([]Entry, error) {
	var recs []model.CharacterHistory
	if err := q.Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, len(recs))
	for i, r := range recs {
		out[i] = Entry{ID: r.CharacterID, Timestamp: r.Timestamp, Data: json.RawMessage(r.Data)}
	}
	return out, nil
}
