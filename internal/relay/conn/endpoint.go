package conn

import (
	"fmt"
	"net/url"
	"strings"

	"cmdrelay/internal/types"
)

// Endpoint identifies the hub socket a Manager dials
type Endpoint struct {
	BaseURL    string
	AccessCode string
	ClientType types.ClientType
}

// Validate validates the endpoint
func (e Endpoint) Validate() error {
	if e.BaseURL == "" {
		return fmt.Errorf("endpoint url is required")
	}
	if e.AccessCode == "" {
		return fmt.Errorf("access code is required")
	}
	if !e.ClientType.Valid() {
		return fmt.Errorf("invalid client type: %q", e.ClientType)
	}
	_, err := e.URL()
	return err
}

// URL builds <base>?code=<access code>&client_type=<type>.
// http(s) schemes are rewritten to ws(s).
func (e Endpoint) URL() (string, error) {
	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme: %q", u.Scheme)
	}

	q := u.Query()
	q.Set("code", e.AccessCode)
	q.Set("client_type", string(e.ClientType))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Redacted returns the URL with the access code masked, for logging
func (e Endpoint) Redacted() string {
	s, err := e.URL()
	if err != nil {
		return e.BaseURL
	}
	return strings.Replace(s, "code="+url.QueryEscape(e.AccessCode), "code="+MaskCode(e.AccessCode), 1)
}

// MaskCode keeps the first two characters of an access code
func MaskCode(code string) string {
	if len(code) <= 2 {
		return "**"
	}
	return code[:2] + strings.Repeat("*", len(code)-2)
}
