package dispatch

import (
	"strings"

	"cmdrelay/internal/types"

	"golang.org/x/text/cases"
)

const (
	youtubeURL = "https://www.youtube.com"
	googleURL  = "https://www.google.com"
)

// Pointer targets for "move mouse"
const (
	CenterX, CenterY   = 960, 540
	DefaultX, DefaultY = 100, 100
)

// fold returns the case-folded form of s. Casers keep state, so each call
// gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

// hasFoldedPrefix reports whether s starts with the ASCII prefix p under
// case folding, comparing exactly len(p) bytes of s.
func hasFoldedPrefix(s, p string) bool {
	return len(s) >= len(p) && fold(s[:len(p)]) == p
}

// Parse maps free text to an Action. Rules are checked in order and the
// first match wins:
//
//	"youtube"            open_url youtube
//	"google"             open_url google
//	"move mouse"         mouse_move to the centre if "center"/"centre" is present
//	"click"              mouse_click at the current position
//	prefix "type "       keyboard_type with the remainder, case preserved
//	prefix "open "       open_app with the remainder
//	anything else        open_app with the whole input
//
// Parse never fails; callers reject empty input first.
func Parse(text string) types.Action {
	trimmed := strings.TrimSpace(text)
	lower := fold(trimmed)

	switch {
	case strings.Contains(lower, "youtube"):
		return types.Action{Kind: types.ActionOpenURL, Params: types.Params{"url": youtubeURL}}

	case strings.Contains(lower, "google"):
		return types.Action{Kind: types.ActionOpenURL, Params: types.Params{"url": googleURL}}

	case strings.Contains(lower, "move mouse"):
		x, y := DefaultX, DefaultY
		if strings.Contains(lower, "center") || strings.Contains(lower, "centre") {
			x, y = CenterX, CenterY
		}
		return types.Action{Kind: types.ActionMouseMove, Params: types.Params{"x": x, "y": y}}

	case strings.Contains(lower, "click"):
		return types.Action{Kind: types.ActionMouseClick, Params: types.Params{}}

	case hasFoldedPrefix(trimmed, "type "):
		return types.Action{Kind: types.ActionKeyboardType, Params: types.Params{"text": trimmed[len("type "):]}}

	case hasFoldedPrefix(trimmed, "open "):
		return types.Action{Kind: types.ActionOpenApp, Params: types.Params{"app": strings.TrimSpace(trimmed[len("open "):])}}

	default:
		return types.Action{Kind: types.ActionOpenApp, Params: types.Params{"app": trimmed}}
	}
}
