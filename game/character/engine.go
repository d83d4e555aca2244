package character

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotFound          = errors.New("character not found")
	ErrInactiveCharacter = errors.New("character is not active")
	ErrUnknownField      = errors.New("unknown character field")
)

// CommandError is a command failure scoped to one character.
// Its message is shown to clients as-is.
type CommandError struct {
	CharacterID string
	Err         error
	msg         string
}

func (e *CommandError) Error() string { return e.msg }
func (e *CommandError) Unwrap() error { return e.Err }

func notFound(id string) error {
	return &CommandError{CharacterID: id, Err: ErrNotFound, msg: fmt.Sprintf("Character %s not found", id)}
}

func inactive(id string) error {
	return &CommandError{CharacterID: id, Err: ErrInactiveCharacter, msg: fmt.Sprintf("Character %s is not active", id)}
}

// Store is the durable home of a session's characters.
type Store interface {
	Load(ctx context.Context, ownerID string) (Set, error)
	SaveAll(ctx context.Context, ownerID string, chars Set) error
	Save(ctx context.Context, ownerID string, c Character) error
}

// History records the fields each committed command changed.
type History interface {
	Append(ctx context.Context, ownerID, characterID string, d Delta) error
}

// Result is the outcome of a command that reached a character.
//
// When Changed is false the command was a no-op (e.g. starting an active
// character) and nothing was written. When PersistErr is set the new value is
// live in memory but Character holds the value from before the command, since
// storage or history may still reflect it.
type Result struct {
	Character  Character
	Summary    string
	Changed    bool
	PersistErr error
}

// Engine owns the authoritative characters of one session.
// It is not safe for concurrent use; the session actor is its only caller.
type Engine struct {
	ownerID string
	chars   Set
	store   Store
	history History
	logger  *zap.Logger
}

// NewEngine creates an empty Engine. Call Load before applying commands.
func NewEngine(ownerID string, store Store, history History, logger *zap.Logger) *Engine {
	return &Engine{
		ownerID: ownerID,
		chars:   make(Set),
		store:   store,
		history: history,
		logger:  logger,
	}
}

// Load adopts the owner's persisted characters. When storage holds none, the
// seed set is written first and adopted instead.
func (e *Engine) Load(ctx context.Context, seed []Character) error {
	stored, err := e.store.Load(ctx, e.ownerID)
	if err != nil {
		return fmt.Errorf("load characters: %w", err)
	}
	if len(stored) > 0 {
		e.chars = stored
		e.logger.Info("characters loaded", zap.String("owner_id", e.ownerID), zap.Int("count", len(stored)))
		return nil
	}

	seeded := make(Set, len(seed))
	for _, c := range seed {
		seeded[c.ID] = c
	}
	if err := e.store.SaveAll(ctx, e.ownerID, seeded); err != nil {
		return fmt.Errorf("seed characters: %w", err)
	}
	e.chars = seeded
	e.logger.Info("no stored characters, seeded predefined set",
		zap.String("owner_id", e.ownerID), zap.Strings("ids", seeded.IDs()))
	return nil
}

// Apply executes cmd against the current state.
// A returned error means the command was refused and nothing changed.
func (e *Engine) Apply(ctx context.Context, cmd Command) (Result, error) {
	id := cmd.Target()
	cur, ok := e.chars[id]
	if !ok {
		return Result{}, notFound(id)
	}

	var (
		d       Delta
		summary string
	)
	switch c := cmd.(type) {
	case Start:
		if cur.IsActive {
			return Result{Character: cur, Summary: fmt.Sprintf("Character %s is already active", id)}, nil
		}
		d = Delta{IsActive: ptr(true)}
		summary = fmt.Sprintf("Character %s started", id)
	case Stop:
		if !cur.IsActive {
			return Result{Character: cur, Summary: fmt.Sprintf("Character %s is already inactive", id)}, nil
		}
		d = Delta{IsActive: ptr(false)}
		summary = fmt.Sprintf("Character %s stopped", id)
	case Rotate:
		if !cur.IsActive {
			return Result{}, inactive(id)
		}
		d = Delta{Rotation: ptr(c.Rotation)}
		summary = fmt.Sprintf("Character %s rotated to %s degrees", id, strconv.FormatFloat(c.Rotation, 'f', -1, 64))
	case Move:
		if !cur.IsActive {
			return Result{}, inactive(id)
		}
		d = Delta{Position: ptr(c.Position)}
		pos, _ := json.Marshal(c.Position)
		summary = fmt.Sprintf("Character %s moved to %s", id, pos)
	case Reset:
		d = Delta{Position: &Position{}, Rotation: ptr(0.0), IsActive: ptr(false)}
		summary = fmt.Sprintf("Character %s reset to initial state", id)
	default:
		return Result{}, fmt.Errorf("unsupported command %T", cmd)
	}

	return e.commit(ctx, cur, d, summary), nil
}

// commit makes next live in memory, then writes the full record and the
// history delta side by side. Write failures do not roll memory back.
func (e *Engine) commit(ctx context.Context, prev Character, d Delta, summary string) Result {
	next := d.Apply(prev)
	e.chars[next.ID] = next

	var g errgroup.Group
	g.Go(func() error {
		if err := e.store.Save(ctx, e.ownerID, next); err != nil {
			return fmt.Errorf("save character: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := e.history.Append(ctx, e.ownerID, next.ID, d); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		e.logger.Error("character commit failed, memory is ahead of storage",
			zap.String("owner_id", e.ownerID),
			zap.String("character_id", next.ID),
			zap.Error(err))
		return Result{Character: prev, Summary: summary, Changed: true, PersistErr: err}
	}

	e.logger.Info("character updated",
		zap.String("owner_id", e.ownerID),
		zap.String("character_id", next.ID),
		zap.Any("character", next))
	return Result{Character: next, Summary: summary, Changed: true}
}

// Characters returns a copy of the current state.
func (e *Engine) Characters() Set {
	return e.chars.Clone()
}

// CharactersBy returns the characters whose field equals value, sorted by id.
// Supported fields: id, isActive, rotation, position.x, position.y, position.z.
func (e *Engine) CharactersBy(field, value string) ([]Character, error) {
	match, err := matcher(field, value)
	if err != nil {
		return nil, err
	}
	out := make([]Character, 0, len(e.chars))
	for _, c := range e.chars {
		if match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matcher(field, value string) (func(Character) bool, error) {
	if field == "id" {
		return func(c Character) bool { return c.ID == value }, nil
	}
	if field == "isActive" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("isActive: %w", err)
		}
		return func(c Character) bool { return c.IsActive == b }, nil
	}

	var get func(Character) float64
	switch field {
	case "rotation":
		get = func(c Character) float64 { return c.Rotation }
	case "position.x":
		get = func(c Character) float64 { return c.Position.X }
	case "position.y":
		get = func(c Character) float64 { return c.Position.Y }
	case "position.z":
		get = func(c Character) float64 { return c.Position.Z }
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return func(c Character) bool { return get(c) == f }, nil
}
