// Package executor performs agent actions on the local desktop.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cmdrelay/internal/types"

	"go.uber.org/zap"
)

// ErrUnsupported is returned for actions with no configured command
var ErrUnsupported = errors.New("action not supported on this system")

// ClickHere is the template key for a mouse_click without coordinates
const ClickHere = "mouse_click_here"

// Automator executes one action and describes what it did
type Automator interface {
	Execute(ctx context.Context, action types.Action) (string, error)
}

// Config configures a ShellAutomator
type Config struct {
	// Commands maps an action kind to a command template. Arguments are
	// split on whitespace before placeholders such as {url}, {x}, {y},
	// {text}, {key}, {app}, {amount}, {clicks} and {button} are substituted,
	// so a substituted value is always a single argument.
	Commands map[string]string `mapstructure:"commands"`
	// MaxWait caps wait actions
	MaxWait time.Duration `mapstructure:"max_wait"`
}

// DefaultCommands returns the templates for goos. Pointer and keyboard
// actions use xdotool on Linux and have no default elsewhere.
func DefaultCommands(goos string) map[string]string {
	switch goos {
	case "darwin":
		return map[string]string{
			string(types.ActionOpenURL): "open {url}",
			string(types.ActionOpenApp): "open -a {app}",
		}
	case "windows":
		return map[string]string{
			string(types.ActionOpenURL): `cmd /c start "" {url}`,
			string(types.ActionOpenApp): `cmd /c start "" {app}`,
		}
	default:
		return map[string]string{
			string(types.ActionOpenURL):       "xdg-open {url}",
			string(types.ActionOpenApp):       "{app}",
			string(types.ActionMouseMove):     "xdotool mousemove {x} {y}",
			string(types.ActionMouseClick):    "xdotool mousemove {x} {y} click 1",
			ClickHere:                         "xdotool click 1",
			string(types.ActionKeyboardType):  "xdotool type --delay 50 -- {text}",
			string(types.ActionKeyboardPress): "xdotool key {key}",
			string(types.ActionScroll):        "xdotool click --repeat {clicks} {button}",
		}
	}
}

// Known reports whether kind names an action a template can be set for
func Known(kind string) bool {
	if kind == ClickHere {
		return true
	}
	k := types.ActionKind(kind)
	return k.Valid() && k != types.ActionWait
}

// ShellAutomator maps actions to OS commands
type ShellAutomator struct {
	commands map[types.ActionKind][]string
	maxWait  time.Duration
	runner   Runner
	logger   *zap.Logger
}

// NewShellAutomator creates an automator for goos. Templates in cfg
// override the defaults; an empty template disables the action.
func NewShellAutomator(cfg Config, goos string, runner Runner, logger *zap.Logger) *ShellAutomator {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Minute
	}

	templates := DefaultCommands(goos)
	for k, v := range cfg.Commands {
		templates[k] = v
	}

	commands := make(map[types.ActionKind][]string, len(templates))
	for k, v := range templates {
		if fields := splitTemplate(v); len(fields) > 0 {
			commands[types.ActionKind(k)] = fields
		}
	}

	return &ShellAutomator{
		commands: commands,
		maxWait:  cfg.MaxWait,
		runner:   runner,
		logger:   logger.Named("executor"),
	}
}

// Execute implements Automator
func (a *ShellAutomator) Execute(ctx context.Context, action types.Action) (string, error) {
	p := action.Params

	switch action.Kind {
	case types.ActionOpenURL:
		u := p.String("url")
		if err := checkURL(u); err != nil {
			return "", err
		}
		if err := a.run(ctx, action.Kind, map[string]string{"url": u}, false); err != nil {
			return "", err
		}
		return "Opened URL: " + u, nil

	case types.ActionOpenApp:
		app := p.String("app")
		if app == "" {
			return "", errors.New("app is required")
		}
		// Applications keep running; only the launch is awaited
		if err := a.run(ctx, action.Kind, map[string]string{"app": app}, true); err != nil {
			return "", err
		}
		return "Opened app: " + app, nil

	case types.ActionMouseMove, types.ActionMouseClick:
		x, okX := p.Int("x")
		y, okY := p.Int("y")
		if action.Kind == types.ActionMouseClick && !okX && !okY {
			if err := a.run(ctx, ClickHere, nil, false); err != nil {
				return "", err
			}
			return "Clicked at current position", nil
		}
		if !okX || !okY {
			return "", errors.New("x and y are required")
		}
		vars := map[string]string{"x": strconv.Itoa(x), "y": strconv.Itoa(y)}
		if err := a.run(ctx, action.Kind, vars, false); err != nil {
			return "", err
		}
		if action.Kind == types.ActionMouseClick {
			return fmt.Sprintf("Clicked at (%d, %d)", x, y), nil
		}
		return fmt.Sprintf("Moved to (%d, %d)", x, y), nil

	case types.ActionKeyboardType:
		text := p.String("text")
		if text == "" {
			return "", errors.New("text is required")
		}
		if err := a.run(ctx, action.Kind, map[string]string{"text": text}, false); err != nil {
			return "", err
		}
		return "Typed: " + text, nil

	case types.ActionKeyboardPress:
		key := p.String("key")
		if key == "" {
			return "", errors.New("key is required")
		}
		if err := a.run(ctx, action.Kind, map[string]string{"key": key}, false); err != nil {
			return "", err
		}
		return "Pressed: " + key, nil

	case types.ActionScroll:
		amount, _ := p.Int("amount")
		if amount == 0 {
			return "Scrolled: 0", nil
		}
		// Positive scrolls down (button 5), negative up (button 4)
		button := "5"
		if amount < 0 {
			button = "4"
		}
		vars := map[string]string{
			"amount": strconv.Itoa(amount),
			"clicks": strconv.Itoa(int(math.Abs(float64(amount)))),
			"button": button,
		}
		if err := a.run(ctx, action.Kind, vars, false); err != nil {
			return "", err
		}
		return fmt.Sprintf("Scrolled: %d", amount), nil

	case types.ActionWait:
		seconds, ok := p.Float("seconds")
		if !ok {
			seconds = 1
		}
		if err := Wait(ctx, seconds, a.maxWait); err != nil {
			return "", err
		}
		return fmt.Sprintf("Waited %s seconds", strconv.FormatFloat(seconds, 'f', -1, 64)), nil

	default:
		return "", fmt.Errorf("unknown action type: %s", action.Kind)
	}
}

// Wait sleeps for seconds, capped at max, or until ctx is done
func Wait(ctx context.Context, seconds float64, max time.Duration) error {
	if seconds < 0 {
		return errors.New("seconds must not be negative")
	}
	d := time.Duration(seconds * float64(time.Second))
	if max > 0 && d > max {
		d = max
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (a *ShellAutomator) run(ctx context.Context, kind types.ActionKind, vars map[string]string, detach bool) error {
	tmpl, ok := a.commands[kind]
	if !ok {
		return fmt.Errorf("%s: %w", kind, ErrUnsupported)
	}

	args := make([]string, len(tmpl))
	for i, f := range tmpl {
		args[i] = expand(f, vars)
	}

	a.logger.Debug("Running action command",
		zap.String("kind", string(kind)),
		zap.String("command", args[0]))

	if detach {
		return a.runner.Start(args[0], args[1:]...)
	}
	return a.runner.Run(ctx, args[0], args[1:]...)
}

// splitTemplate splits on whitespace, keeping "" as an empty argument
func splitTemplate(s string) []string {
	fields := strings.Fields(s)
	for i, f := range fields {
		if f == `""` {
			fields[i] = ""
		}
	}
	return fields
}

func expand(field string, vars map[string]string) string {
	for k, v := range vars {
		field = strings.ReplaceAll(field, "{"+k+"}", v)
	}
	return field
}

func checkURL(s string) error {
	if s == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme: %q", u.Scheme)
	}
	return nil
}
