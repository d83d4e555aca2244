package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/animsession/audit"
	"github.com/kasuganosora/animsession/config"
	"github.com/kasuganosora/animsession/game/character"
)

// Outcome statuses carried in broadcasts.
const (
	StatusOK    = "ok"
	StatusNoop  = "noop"
	StatusError = "error"
)

const welcomeMessage = "Connected to Animation Session!"

// ConnectionData describes one attached client.
type ConnectionData struct {
	ConnectedAt string `json:"connectedAt"`
	UserAgent   string `json:"userAgent"`
	ClientID    string `json:"clientId"`
}

// NewConnectionData stamps a fresh client id and the current time.
func NewConnectionData(userAgent string) ConnectionData {
	return ConnectionData{
		ConnectedAt: time.Now().UTC().Format(audit.TimestampLayout),
		UserAgent:   userAgent,
		ClientID:    uuid.NewString(),
	}
}

type connectionMessage struct {
	Type           string         `json:"type"`
	Message        string         `json:"message"`
	ConnectionData ConnectionData `json:"connectionData"`
	Characters     character.Set  `json:"characters"`
}

// Outcome is broadcast to every open connection after a command runs.
type Outcome struct {
	Command string      `json:"command"`
	Data    OutcomeData `json:"data"`
}

type OutcomeData struct {
	Characters character.Set `json:"characters"`
	Result     string        `json:"result"`
	Status     string        `json:"status"`
}

type errorMessage struct {
	Error string `json:"error"`
}

// SeedFromConfig converts configured seed characters.
func SeedFromConfig(seed []config.SeedCharacter) []character.Character {
	out := make([]character.Character, len(seed))
	for i, s := range seed {
		out[i] = character.Character{
			ID:       s.ID,
			Position: character.Position{X: s.X, Y: s.Y, Z: s.Z},
			Rotation: s.Rotation,
			IsActive: s.IsActive,
		}
	}
	return out
}
