package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/termhub/termhub/backend/internal/config"
	"github.com/termhub/termhub/backend/internal/ptyproc"
	"github.com/termhub/termhub/backend/internal/session"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestAuthorize(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.AuthToken = "tok" })

	tests := []struct {
		name  string
		setup func(*http.Request)
		want  bool
	}{
		{"no credentials", func(*http.Request) {}, false},
		{"query token", func(r *http.Request) { r.URL.RawQuery = "token=tok" }, true},
		{"wrong query token", func(r *http.Request) { r.URL.RawQuery = "token=nope" }, false},
		{"header token", func(r *http.Request) { r.Header.Set("X-Termhub-Token", "tok") }, true},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") }, true},
		{"basic is not bearer", func(r *http.Request) { r.Header.Set("Authorization", "Basic tok") }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			tt.setup(r)
			if got := env.server.authorize(r); got != tt.want {
				t.Errorf("authorize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthorizeNoToken(t *testing.T) {
	env := newTestEnv(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	if !env.server.authorize(r) {
		t.Error("requests must be allowed when no token is configured")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin header", nil, "", "example.com", true},
		{"same host", nil, "http://example.com", "example.com", true},
		{"localhost", nil, "http://localhost:3000", "example.com", true},
		{"loopback v4", nil, "http://127.0.0.1:5173", "example.com", true},
		{"loopback v6", nil, "http://[::1]:5173", "example.com", true},
		{"foreign origin", nil, "http://evil.test", "example.com", false},
		{"allowlisted origin", []string{"https://app.test"}, "https://app.test", "example.com", true},
		{"allowlisted host other scheme", []string{"https://app.test"}, "http://app.test", "example.com", true},
		{"allowlist excludes localhost", []string{"https://app.test"}, "http://localhost:3000", "example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *config.Config) { c.Server.AllowedOrigins = tt.allowed })
			r := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := env.server.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func do(t *testing.T, env *testEnv, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, env.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResp(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAPIUnauthorized(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.AuthToken = "tok" })

	if resp := do(t, env, http.MethodGet, "/api/sessions", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if resp := do(t, env, http.MethodGet, "/api/sessions?token=tok", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("status with token = %d, want 200", resp.StatusCode)
	}
}

func TestAPISessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := do(t, env, http.MethodPost, "/api/sessions", `{"title":"build","size":{"cols":100,"rows":30}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var created session.Info
	decodeResp(t, resp, &created)
	if created.Title != "build" || created.Cols != 100 || created.Status != session.StatusRunning {
		t.Errorf("created = %+v", created)
	}

	resp = do(t, env, http.MethodGet, "/api/sessions", "")
	var list []session.Info
	decodeResp(t, resp, &list)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list = %+v, want [%s]", list, created.ID)
	}

	resp = do(t, env, http.MethodPatch, "/api/sessions/"+created.ID, `{"title":"renamed"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d, want 200", resp.StatusCode)
	}
	var updated session.Info
	decodeResp(t, resp, &updated)
	if updated.Title != "renamed" {
		t.Errorf("updated title = %q", updated.Title)
	}

	resp = do(t, env, http.MethodGet, "/api/sessions/"+created.ID, "")
	var got session.Info
	decodeResp(t, resp, &got)
	if got.Title != "renamed" {
		t.Errorf("get title = %q, want renamed", got.Title)
	}

	proc := env.spawner.last()
	if resp := do(t, env, http.MethodPost, "/api/sessions/"+created.ID+"/input", `{"data":"ls\r"}`); resp.StatusCode != http.StatusNoContent {
		t.Errorf("input status = %d, want 204", resp.StatusCode)
	}
	if proc.input() != "ls\r" {
		t.Errorf("process input = %q", proc.input())
	}

	if resp := do(t, env, http.MethodPost, "/api/sessions/"+created.ID+"/resize", `{"cols":90,"rows":20}`); resp.StatusCode != http.StatusNoContent {
		t.Errorf("resize status = %d, want 204", resp.StatusCode)
	}
	if sizes := proc.resizes(); len(sizes) != 1 || sizes[0] != [2]int{90, 20} {
		t.Errorf("resizes = %v, want [[90 20]]", sizes)
	}

	if resp := do(t, env, http.MethodDelete, "/api/sessions/"+created.ID, ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	if resp := do(t, env, http.MethodGet, "/api/sessions/"+created.ID, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestAPIErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	info, err := env.registry.Create(context.Background(), session.CreateInput{})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"get unknown", http.MethodGet, "/api/sessions/nope", "", http.StatusNotFound},
		{"patch unknown", http.MethodPatch, "/api/sessions/nope", `{"title":"x"}`, http.StatusNotFound},
		{"delete unknown", http.MethodDelete, "/api/sessions/nope", "", http.StatusNotFound},
		{"resize unknown", http.MethodPost, "/api/sessions/nope/resize", `{"cols":80,"rows":24}`, http.StatusNotFound},
		{"input unknown", http.MethodPost, "/api/sessions/nope/input", `{"data":"x"}`, http.StatusNotFound},
		{"resize zero", http.MethodPost, "/api/sessions/" + info.ID + "/resize", `{"cols":0,"rows":24}`, http.StatusBadRequest},
		{"patch bad size", http.MethodPatch, "/api/sessions/" + info.ID, `{"size":{"cols":-1,"rows":5}}`, http.StatusBadRequest},
		{"create bad json", http.MethodPost, "/api/sessions", `{"title":`, http.StatusBadRequest},
		{"create unknown field", http.MethodPost, "/api/sessions", `{"colour":"red"}`, http.StatusBadRequest},
		{"wrong method", http.MethodPut, "/api/sessions", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := do(t, env, tt.method, tt.path, tt.body); resp.StatusCode != tt.want {
				t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAPICreateSpawnFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.spawner.mu.Lock()
	env.spawner.err = &ptyproc.SpawnError{Command: "missing-binary", Err: exec.ErrNotFound}
	env.spawner.mu.Unlock()

	resp := do(t, env, http.MethodPost, "/api/sessions", `{"command":"missing-binary"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if n := len(env.registry.List()); n != 0 {
		t.Errorf("%d sessions registered after spawn failure", n)
	}
}

func TestAPICreateRejectsOutOfRangeBuffer(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Sessions.MaxBufferSize = 8 << 20 })

	for _, body := range []string{
		`{"bufferSize":4611686018427387904}`,
		`{"bufferSize":68719476736}`,
		`{"bufferSize":-1}`,
	} {
		if resp := do(t, env, http.MethodPost, "/api/sessions", body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("create %s status = %d, want 400", body, resp.StatusCode)
		}
	}
	if n := len(env.registry.List()); n != 0 {
		t.Errorf("%d sessions registered after rejected creates", n)
	}

	if resp := do(t, env, http.MethodPost, "/api/sessions", `{"bufferSize":8388608}`); resp.StatusCode != http.StatusCreated {
		t.Errorf("create at the ceiling status = %d, want 201", resp.StatusCode)
	}
}

func TestServerShutdownClosesTerminalsNormally(t *testing.T) {
	env := newTestEnv(t, nil)
	info, err := env.registry.Create(context.Background(), session.CreateInput{})
	if err != nil {
		t.Fatal(err)
	}
	conn := env.dial(t, "/ws/sessions/"+info.ID)
	eventually(t, "subscriber never attached", func() bool {
		return env.registry.SubscriberCount(info.ID) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ce := readClose(t, conn); ce.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseNormalClosure)
	}
	if env.spawner.last().killCount() != 1 {
		t.Error("Shutdown did not kill the process")
	}
}

func TestAPIEmptyCreateBody(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := do(t, env, http.MethodPost, "/api/sessions", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var info session.Info
	decodeResp(t, resp, &info)
	if info.Command != "/bin/sh" || info.Cwd != "/home/user/project" {
		t.Errorf("defaults not applied: %+v", info)
	}
}

func TestAPIPrivacyFilter(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Privacy.MaskWorkingDirs = true
		c.Privacy.BlockedPaths = []string{"/tmp/*"}
	})
	visible, err := env.registry.Create(context.Background(), session.CreateInput{})
	if err != nil {
		t.Fatal(err)
	}
	hidden, err := env.registry.Create(context.Background(), session.CreateInput{Cwd: "/tmp/scratch"})
	if err != nil {
		t.Fatal(err)
	}

	var list []session.Info
	decodeResp(t, do(t, env, http.MethodGet, "/api/sessions", ""), &list)
	if len(list) != 1 || list[0].ID != visible.ID {
		t.Fatalf("list = %+v, want only %s", list, visible.ID)
	}
	if list[0].Cwd != "project" {
		t.Errorf("cwd = %q, want masked to project", list[0].Cwd)
	}

	if resp := do(t, env, http.MethodGet, "/api/sessions/"+hidden.ID, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("hidden session status = %d, want 404", resp.StatusCode)
	}
}

func TestApplyConfigHotReload(t *testing.T) {
	env := newTestEnv(t, nil)

	cfg, err := config.LoadOrDefault(t.TempDir() + "/missing.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Server.AuthToken = "fresh"
	env.server.ApplyConfig(cfg)

	if resp := do(t, env, http.MethodGet, "/api/sessions", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status after token change = %d, want 401", resp.StatusCode)
	}
	if resp := do(t, env, http.MethodGet, "/api/sessions?token=fresh", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("status with new token = %d, want 200", resp.StatusCode)
	}
}
