package character

// Command tags as they appear on the wire.
const (
	TagStart  = "start"
	TagStop   = "stop"
	TagRotate = "rotate"
	TagMove   = "move"
	TagReset  = "reset"
)

// Command is a validated request to mutate one character.
// The set of implementations is closed: only the five types below satisfy it.
type Command interface {
	Tag() string
	Target() string
	command()
}

type Start struct{ CharacterID string }

type Stop struct{ CharacterID string }

type Rotate struct {
	CharacterID string
	Rotation    float64
}

type Move struct {
	CharacterID string
	Position    Position
}

type Reset struct{ CharacterID string }

func (Start) Tag() string  { return TagStart }
func (Stop) Tag() string   { return TagStop }
func (Rotate) Tag() string { return TagRotate }
func (Move) Tag() string   { return TagMove }
func (Reset) Tag() string  { return TagReset }

func (c Start) Target() string  { return c.CharacterID }
func (c Stop) Target() string   { return c.CharacterID }
func (c Rotate) Target() string { return c.CharacterID }
func (c Move) Target() string   { return c.CharacterID }
func (c Reset) Target() string  { return c.CharacterID }

func (Start) command()  {}
func (Stop) command()   {}
func (Rotate) command() {}
func (Move) command()   {}
func (Reset) command()  {}
