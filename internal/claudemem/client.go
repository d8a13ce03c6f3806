// Package claudemem talks to a claude-mem worker, which keeps conversation
// history and searchable memories for a project.
package claudemem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultURL     = "http://127.0.0.1:37777"
	DefaultProject = "clawtask"

	requestTimeout = 3 * time.Second
	maxBodyBytes   = 1 << 20
)

// Texts the worker returns when it has nothing useful.
const (
	noSessionsMarker = "No previous sessions"
	noResultsMarker  = "No results found"
)

type Config struct {
	URL     string
	Project string
	// HTTPClient defaults to a client with a 3s timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	base    string
	project string
	http    *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	checked bool
	up      bool
}

func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.URL, "/")
	if base == "" {
		base = DefaultURL
	}
	project := cfg.Project
	if project == "" {
		project = DefaultProject
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: requestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:    base,
		project: project,
		http:    hc,
		logger:  logger.With("component", "claudemem"),
	}
}

// contentResponse is the envelope used by the context and search endpoints.
type contentResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (r contentResponse) firstText() string {
	if len(r.Content) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Content[0].Text)
}

// Available checks /api/health. The first check and every change in
// reachability are logged.
func (c *Client) Available(ctx context.Context) bool {
	var health struct {
		Status string `json:"status"`
	}
	err := c.get(ctx, "/api/health", nil, &health)
	up := err == nil && health.Status == "ok"

	c.mu.Lock()
	changed := !c.checked || c.up != up
	c.checked, c.up = true, up
	c.mu.Unlock()

	if changed {
		if up {
			c.logger.Info("claude-mem connected", "url", c.base)
		} else {
			c.logger.Warn("claude-mem not reachable; history disabled", "url", c.base, "error", err)
		}
	}
	return up
}

// LogTurn registers a prompt as a new turn of sessionID.
func (c *Client) LogTurn(ctx context.Context, sessionID, prompt string) error {
	body := map[string]string{
		"claudeSessionId": sessionID,
		"project":         c.project,
		"prompt":          prompt,
	}
	return c.post(ctx, "/api/sessions/init", body)
}

// RecentContext returns the recent-session summary for the project, or ""
// when there is none.
func (c *Client) RecentContext(ctx context.Context) (string, error) {
	var resp contentResponse
	if err := c.get(ctx, "/api/context/recent", url.Values{"project": {c.project}}, &resp); err != nil {
		return "", err
	}
	text := resp.firstText()
	if strings.Contains(text, noSessionsMarker) {
		return "", nil
	}
	return text, nil
}

// Search returns stored memories matching query, or "" when nothing matched.
func (c *Client) Search(ctx context.Context, query string) (string, error) {
	var resp contentResponse
	if err := c.get(ctx, "/api/search", url.Values{"query": {query}}, &resp); err != nil {
		return "", err
	}
	text := resp.firstText()
	if strings.Contains(text, noResultsMarker) {
		return "", nil
	}
	return text, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	target := c.base + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, path, out)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, nil)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("claude-mem request failed", "path", path, "error", err)
		return fmt.Errorf("claude-mem %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("claude-mem %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode claude-mem %s: %w", path, err)
	}
	return nil
}
