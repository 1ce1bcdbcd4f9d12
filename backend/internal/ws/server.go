package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/termhub/termhub/backend/internal/config"
	"github.com/termhub/termhub/backend/internal/ptyproc"
	"github.com/termhub/termhub/backend/internal/session"
)

// maxRequestBody bounds JSON request bodies on the control API.
const maxRequestBody = 1 << 20

type Server struct {
	registry    *session.Registry
	broadcaster *Broadcaster
	logger      *slog.Logger
	// terminals tracks live terminal handlers so Shutdown can wait for
	// their close frames.
	terminals sync.WaitGroup

	mu             sync.RWMutex
	bridge         BridgeOptions
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	privacy        *session.PrivacyFilter
}

func NewServer(cfg *config.Config, registry *session.Registry, broadcaster *Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:    registry,
		broadcaster: broadcaster,
		logger:      logger.With("component", "server"),
	}
	s.ApplyConfig(cfg)
	return s
}

// ApplyConfig swaps in the parts of cfg that can change while the server
// runs: the auth token, allowed origins, privacy filter and bridge tuning.
// Existing connections keep the settings they started with.
func (s *Server) ApplyConfig(cfg *config.Config) {
	origins := make(map[string]bool)
	hosts := make(map[string]bool)
	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		origins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			hosts[parsed.Host] = true
		}
	}
	privacy := cfg.Privacy.NewPrivacyFilter()

	s.mu.Lock()
	s.allowedOrigins = origins
	s.allowedHosts = hosts
	s.authToken = cfg.Server.AuthToken
	s.privacy = privacy
	s.bridge = BridgeOptions{
		SendQueue:    cfg.Bridge.SendQueue,
		WriteTimeout: cfg.Bridge.WriteTimeout,
		PingInterval: cfg.Bridge.PingInterval,
	}
	s.mu.Unlock()

	if s.broadcaster != nil {
		s.broadcaster.SetPrivacy(privacy)
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	mux.HandleFunc("GET /ws/sessions/{id}", s.handleTerminal)

	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("POST /api/sessions", s.handleCreate)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/sessions/{id}/resize", s.handleResize)
	mux.HandleFunc("POST /api/sessions/{id}/input", s.handleInput)
}

// Handler returns the full HTTP surface: every route behind the auth gate
// and security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(s.requireAuth(mux))
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("events upgrade failed", "err", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.logger.Warn("event client rejected", "remote", r.RemoteAddr, "err", err)
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), deadline)
		conn.Close()
		return
	}
	s.logger.Debug("event client connected", "remote", r.RemoteAddr)

	defer func() {
		s.broadcaster.RemoveClient(c)
		s.logger.Debug("event client disconnected", "remote", r.RemoteAddr)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleTerminal bridges one websocket to a session's pty. The socket is
// closed with 1000 when the session is unknown, hidden by the privacy
// filter, or ends.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	s.terminals.Add(1)
	defer s.terminals.Done()

	id := r.PathValue("id")
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("terminal upgrade failed", "session", id, "err", err)
		return
	}

	s.mu.RLock()
	opts := s.bridge.withDefaults()
	s.mu.RUnlock()

	sub := newWSSubscriber(conn, opts, s.logger.With("session", id))
	if _, ok := s.visible(id); !ok {
		s.logger.Debug("terminal connect refused", "session", id, "err", session.ErrSessionNotFound)
		sub.closeWithReason(websocket.CloseNormalClosure, session.ErrSessionNotFound.Error())
		sub.wait()
		return
	}
	if size, ok := sizeFromQuery(r.URL.Query()); ok {
		s.registry.Resize(id, size.Cols, size.Rows)
	}

	bridge, err := s.registry.Connect(id, sub)
	if err != nil {
		s.logger.Debug("terminal connect refused", "session", id, "err", err)
		sub.closeWithReason(websocket.CloseNormalClosure, err.Error())
		sub.wait()
		return
	}
	s.logger.Info("terminal attached", "session", id, "remote", r.RemoteAddr)

	pump(conn, bridge, 2*opts.PingInterval)

	bridge.HandleClose()
	_ = sub.Close()
	sub.wait()
	s.logger.Info("terminal detached", "session", id, "remote", r.RemoteAddr)
}

// Shutdown ends every session and waits until each terminal socket has
// sent its close frame, or ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.Shutdown()

	done := make(chan struct{})
	go func() {
		s.terminals.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sizeFromQuery(q url.Values) (session.Size, bool) {
	cols, err1 := strconv.Atoi(q.Get("cols"))
	rows, err2 := strconv.Atoi(q.Get("rows"))
	if err1 != nil || err2 != nil {
		return session.Size{}, false
	}
	size := session.Size{Cols: cols, Rows: rows}
	return size, size.Valid()
}

func (s *Server) filter() *session.PrivacyFilter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.privacy
}

// visible returns the filtered view of a session, or false when the
// session does not exist or the privacy filter hides it.
func (s *Server) visible(id string) (*session.Info, bool) {
	info, ok := s.registry.Get(id)
	if !ok {
		return nil, false
	}
	f := s.filter()
	if !f.IsAllowed(info.Cwd) {
		return nil, false
	}
	return f.Apply(info), true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.filter().FilterSlice(s.registry.List()))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in session.CreateInput
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	info, err := s.registry.Create(r.Context(), in)
	var spawnErr *ptyproc.SpawnError
	switch {
	case err == nil:
	case errors.As(err, &spawnErr):
		http.Error(w, spawnErr.Error(), http.StatusUnprocessableEntity)
		return
	case errors.Is(err, session.ErrInvalidBufferSize):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, session.ErrRegistryClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		s.logger.Error("create session failed", "err", err)
		http.Error(w, "create session failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, s.filter().Apply(info))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	info, ok := s.visible(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in session.UpdateInput
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.Size != nil && !in.Size.Valid() {
		http.Error(w, "invalid size", http.StatusBadRequest)
		return
	}
	if _, ok := s.visible(id); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	info, ok := s.registry.Update(id, in)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.filter().Apply(info))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.visible(id); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.registry.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var size session.Size
	if err := decodeBody(r, &size); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !size.Valid() {
		http.Error(w, "invalid size", http.StatusBadRequest)
		return
	}
	if _, ok := s.visible(id); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.registry.Resize(id, size.Cols, size.Rows)
	w.WriteHeader(http.StatusNoContent)
}

// InputRequest is the body of POST /api/sessions/{id}/input.
type InputRequest struct {
	Data string `json:"data"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in InputRequest
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := s.visible(id); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.registry.Write(id, []byte(in.Data))
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	s.mu.RLock()
	token := s.authToken
	s.mu.RUnlock()

	if token == "" {
		return true
	}

	if r.URL.Query().Get("token") == token {
		return true
	}

	if r.Header.Get("X-Termhub-Token") == token {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	s.mu.RLock()
	allowedOrigins, allowedHosts := s.allowedOrigins, s.allowedHosts
	s.mu.RUnlock()

	if len(allowedOrigins) > 0 {
		if allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts
// the HTTP server down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
