package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"cmdrelay/internal/version"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

var templateFuncs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		return t.Format(time.RFC3339)
	},
	"title": func(e EventType) string {
		return titleCaser.String(strings.ReplaceAll(string(e), ".", " "))
	},
}

// Chat channels share one body template. Markdown markers are understood by
// Slack, Telegram (Markdown mode) and Discord alike.
var messageTemplate = template.Must(template.New("message").Funcs(templateFuncs).Parse(
	`*{{title .Type}}*
{{if eq .Type "agent.online"}}The agent paired under ` + "`{{.Pair}}`" + ` connected to the hub.{{else}}The agent paired under ` + "`{{.Pair}}`" + ` disconnected; commands will fail until it returns.{{end}}
_{{formatTime .At}}_`))

// render renders the chat body for e
func render(e Event) (string, error) {
	var buf bytes.Buffer
	if err := messageTemplate.Execute(&buf, e); err != nil {
		return "", fmt.Errorf("failed to render message: %w", err)
	}
	return buf.String(), nil
}

// color returns the accent for e as an RGB integer
func color(e Event) int {
	if e.Type == EventAgentOnline {
		return 0x36a64f
	}
	return 0xd00000
}

func newClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:    10,
			IdleConnTimeout: 30 * time.Second,
		},
	}
}

// postJSON posts body to url and fails on a non-2xx status
func postJSON(ctx context.Context, client *http.Client, url string, body any, headers map[string]string) error {
	data, ok := body.([]byte)
	if !ok {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "cmdrelay/"+version.GetInfo().Version)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
