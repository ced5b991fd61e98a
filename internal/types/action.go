package types

import (
	"encoding/json"
	"fmt"
)

// ActionKind identifies the operation an agent performs
type ActionKind string

const (
	ActionOpenURL       ActionKind = "open_url"
	ActionMouseMove     ActionKind = "mouse_move"
	ActionMouseClick    ActionKind = "mouse_click"
	ActionKeyboardType  ActionKind = "keyboard_type"
	ActionKeyboardPress ActionKind = "keyboard_press"
	ActionScroll        ActionKind = "scroll"
	ActionWait          ActionKind = "wait"
	ActionOpenApp       ActionKind = "open_app"
)

// ActionKinds lists every supported kind in declaration order
var ActionKinds = []ActionKind{
	ActionOpenURL,
	ActionMouseMove,
	ActionMouseClick,
	ActionKeyboardType,
	ActionKeyboardPress,
	ActionScroll,
	ActionWait,
	ActionOpenApp,
}

// Valid reports whether k is one of the supported kinds
func (k ActionKind) Valid() bool {
	for _, v := range ActionKinds {
		if k == v {
			return true
		}
	}
	return false
}

// Params holds kind-specific action parameters
type Params map[string]any

// Action is the structured form of a parsed instruction
type Action struct {
	Kind   ActionKind `json:"kind" validate:"required,action_kind"`
	Params Params     `json:"params"`
}

// actionWire accepts both "kind" and the agent-side "type" key
type actionWire struct {
	Kind   ActionKind `json:"kind"`
	Type   ActionKind `json:"type,omitempty"`
	Params Params     `json:"params"`
}

// UnmarshalJSON implements json.Unmarshaler
func (a *Action) UnmarshalJSON(data []byte) error {
	var w actionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	a.Kind = w.Kind
	if a.Kind == "" {
		a.Kind = w.Type
	}
	a.Params = w.Params
	if a.Params == nil {
		a.Params = Params{}
	}
	return nil
}

// String returns a short human readable form
func (a Action) String() string {
	if len(a.Params) == 0 {
		return string(a.Kind)
	}
	data, _ := json.Marshal(a.Params)
	return fmt.Sprintf("%s %s", a.Kind, data)
}

// String returns the named parameter as a string
func (p Params) String(key string) string {
	if v, ok := p[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		default:
			return fmt.Sprint(s)
		}
	}
	return ""
}

// Int returns the named parameter as an int.
// JSON numbers decode as float64, so both are accepted.
func (p Params) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

// Float returns the named parameter as a float64
func (p Params) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
