package character

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedMessage is returned when inbound text is not parseable JSON.
var ErrMalformedMessage = errors.New("invalid JSON format")

// Rejection is a well-formed message that does not describe a valid command.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return "invalid message format: " + r.Reason }

func reject(format string, args ...interface{}) *Rejection {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type wireMessage struct {
	Command *string         `json:"command" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

type idPayload struct {
	CharacterID *string `json:"characterId" validate:"required"`
}

type rotatePayload struct {
	CharacterID *string  `json:"characterId" validate:"required"`
	Rotation    *float64 `json:"rotation" validate:"required"`
}

type movePayload struct {
	CharacterID *string       `json:"characterId" validate:"required"`
	Position    *wirePosition `json:"position" validate:"required"`
}

type wirePosition struct {
	X *float64 `json:"x" validate:"required"`
	Y *float64 `json:"y" validate:"required"`
	Z *float64 `json:"z" validate:"required"`
}

// Decode parses raw inbound text and validates it as a command.
// It returns ErrMalformedMessage for unparseable text and *Rejection for
// anything that parses but is not a valid command.
func Decode(raw []byte) (Command, error) {
	if !json.Valid(raw) {
		return nil, ErrMalformedMessage
	}
	return Validate(raw)
}

// Validate checks an already-parsed JSON message against the command schema.
// It has no side effects.
func Validate(msg json.RawMessage) (Command, error) {
	var wm wireMessage
	if err := json.Unmarshal(msg, &wm); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && te.Field == "" {
			return nil, reject("message must be a JSON object")
		}
		return nil, typeRejection("", err)
	}
	if err := validate.Struct(wm); err != nil {
		return nil, fieldRejection("", err)
	}

	switch *wm.Command {
	case TagStart, TagStop, TagReset:
		var p idPayload
		if err := decodePayload(wm.Payload, &p); err != nil {
			return nil, err
		}
		id := *p.CharacterID
		switch *wm.Command {
		case TagStart:
			return Start{CharacterID: id}, nil
		case TagStop:
			return Stop{CharacterID: id}, nil
		default:
			return Reset{CharacterID: id}, nil
		}
	case TagRotate:
		var p rotatePayload
		if err := decodePayload(wm.Payload, &p); err != nil {
			return nil, err
		}
		if !isFinite(*p.Rotation) {
			return nil, reject("payload.rotation must be a finite number")
		}
		return Rotate{CharacterID: *p.CharacterID, Rotation: *p.Rotation}, nil
	case TagMove:
		var p movePayload
		if err := decodePayload(wm.Payload, &p); err != nil {
			return nil, err
		}
		pos := Position{X: *p.Position.X, Y: *p.Position.Y, Z: *p.Position.Z}
		if !pos.finite() {
			return nil, reject("payload.position must hold finite numbers")
		}
		return Move{CharacterID: *p.CharacterID, Position: pos}, nil
	}
	return nil, reject("unknown command %q", *wm.Command)
}

func decodePayload(raw json.RawMessage, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && te.Field == "" {
			return reject("payload must be an object")
		}
		return typeRejection("payload.", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fieldRejection("payload.", err)
	}
	return nil
}

func typeRejection(prefix string, err error) *Rejection {
	var te *json.UnmarshalTypeError
	if !errors.As(err, &te) {
		return reject("%v", err)
	}
	want := "a valid value"
	switch kind(te.Type) {
	case reflect.String:
		want = "a string"
	case reflect.Float64:
		want = "a number"
	case reflect.Struct, reflect.Map:
		want = "an object"
	}
	return reject("%s%s must be %s", prefix, te.Field, want)
}

func fieldRejection(prefix string, err error) *Rejection {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return reject("%v", err)
	}
	fe := ve[0]
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	return reject("%s%s is required", prefix, field)
}

func kind(t reflect.Type) reflect.Kind {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Kind()
}
