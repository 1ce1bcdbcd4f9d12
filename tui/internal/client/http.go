package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the server does not know the session.
var ErrNotFound = errors.New("session not found")

// HTTPClient makes REST calls to the termhub server.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8080").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// List fetches GET /api/sessions.
func (c *HTTPClient) List() ([]*SessionInfo, error) {
	var out []*SessionInfo
	if err := c.do(http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches GET /api/sessions/{id}.
func (c *HTTPClient) Get(id string) (*SessionInfo, error) {
	var out SessionInfo
	if err := c.do(http.MethodGet, sessionPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create sends POST /api/sessions.
func (c *HTTPClient) Create(req CreateRequest) (*SessionInfo, error) {
	var out SessionInfo
	if err := c.do(http.MethodPost, "/api/sessions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update sends PATCH /api/sessions/{id}.
func (c *HTTPClient) Update(id string, req UpdateRequest) (*SessionInfo, error) {
	var out SessionInfo
	if err := c.do(http.MethodPatch, sessionPath(id), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Remove sends DELETE /api/sessions/{id}, killing the session.
func (c *HTTPClient) Remove(id string) error {
	return c.do(http.MethodDelete, sessionPath(id), nil, nil)
}

// Resize sends POST /api/sessions/{id}/resize.
func (c *HTTPClient) Resize(id string, cols, rows int) error {
	return c.do(http.MethodPost, sessionPath(id)+"/resize", Size{Cols: cols, Rows: rows}, nil)
}

// Write sends POST /api/sessions/{id}/input.
func (c *HTTPClient) Write(id string, data string) error {
	return c.do(http.MethodPost, sessionPath(id)+"/input", map[string]string{"data": data}, nil)
}

// TerminalURL returns the websocket URL of a session's terminal stream.
// Size parameters are added by the Reconnector on every attempt.
func (c *HTTPClient) TerminalURL(id string) string {
	return c.wsURL(sessionWSPath(id))
}

// EventsURL returns the websocket URL of the lifecycle event stream.
func (c *HTTPClient) EventsURL() string {
	return c.wsURL("/ws/events")
}

// Header returns the headers websocket dials must carry.
func (c *HTTPClient) Header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func (c *HTTPClient) wsURL(path string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}

func sessionPath(id string) string {
	return "/api/sessions/" + url.PathEscape(id)
}

func sessionWSPath(id string) string {
	return "/ws/sessions/" + url.PathEscape(id)
}

// withSize returns rawURL with cols and rows query parameters set.
func withSize(rawURL string, cols, rows int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if cols > 0 && rows > 0 {
		q.Set("cols", strconv.Itoa(cols))
		q.Set("rows", strconv.Itoa(rows))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *HTTPClient) do(method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
