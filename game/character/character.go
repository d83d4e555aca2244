package character

import (
	"math"
	"sort"
)

// Position is a point in the scene.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (p Position) finite() bool {
	return isFinite(p.X) && isFinite(p.Y) && isFinite(p.Z)
}

// Character is the synchronized state of one animated entity.
type Character struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
	Rotation float64  `json:"rotation"`
	IsActive bool     `json:"isActive"`
}

// Delta holds the fields a command changed. Nil fields were left untouched.
type Delta struct {
	Position *Position `json:"position,omitempty"`
	Rotation *float64  `json:"rotation,omitempty"`
	IsActive *bool     `json:"isActive,omitempty"`
}

// Apply returns c overlaid with the non-nil fields of d.
func (d Delta) Apply(c Character) Character {
	if d.Position != nil {
		c.Position = *d.Position
	}
	if d.Rotation != nil {
		c.Rotation = *d.Rotation
	}
	if d.IsActive != nil {
		c.IsActive = *d.IsActive
	}
	return c
}

// Set is one session's characters keyed by id.
type Set map[string]Character

// Clone returns a copy that is safe to hand outside the owning goroutine.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id, c := range s {
		out[id] = c
	}
	return out
}

// IDs returns the character ids in sorted order.
func (s Set) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func ptr[T any](v T) *T { return &v }
