package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/termhub/termhub/tui/internal/client"
	"github.com/termhub/termhub/tui/internal/theme"
	"github.com/termhub/termhub/tui/internal/views/detail"
	"github.com/termhub/termhub/tui/internal/views/eventlog"
	"github.com/termhub/termhub/tui/internal/views/status"
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayDetail
	OverlayEvents
)

// Events is the live session lifecycle stream.
type Events interface {
	Listen(ctx context.Context) tea.Cmd
	ReadLoop() tea.Cmd
	Close()
}

// SessionAPI is the subset of the control API the picker uses.
type SessionAPI interface {
	List() ([]*client.SessionInfo, error)
	Create(req client.CreateRequest) (*client.SessionInfo, error)
	Remove(id string) error
}

type listedMsg struct {
	sessions []*client.SessionInfo
	err      error
}

type createdMsg struct {
	session *client.SessionInfo
	err     error
}

type removedMsg struct {
	id  string
	err error
}

// Model is the root Bubble Tea model.
type Model struct {
	events Events
	api    SessionAPI
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	sessions map[string]*client.SessionInfo
	order    []string // sorted by creation time

	selectedIdx int
	overlay     Overlay
	chosen      string
	lastErr     string

	statusBar status.Model
	log       eventlog.Model

	connected bool
}

// New creates the root model. server is only displayed.
func New(events Events, api SessionAPI, server string) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		events:    events,
		api:       api,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		sessions:  make(map[string]*client.SessionInfo),
		statusBar: status.New(server),
		log:       eventlog.New(),
	}
}

// Chosen returns the session picked for attaching, or "" when the user quit.
func (m Model) Chosen() string {
	return m.chosen
}

// Init starts the event stream.
func (m Model) Init() tea.Cmd {
	if m.events == nil {
		return nil
	}
	return m.events.Listen(m.ctx)
}

func (m Model) readNext() tea.Cmd {
	if m.events == nil {
		return nil
	}
	return m.events.ReadLoop()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.EventsConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		m.log.Add(eventlog.KindConnect, "connected")
		return m, m.readNext()

	case client.EventsDisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		m.log.Add(eventlog.KindConnect, "disconnected: %v", msg.Err)
		if m.events == nil || m.ctx.Err() != nil {
			return m, nil
		}
		return m, m.events.Listen(m.ctx)

	case client.SnapshotMsg:
		m.replaceAll(msg.Sessions)
		return m, m.readNext()

	case client.SessionCreatedMsg:
		m.sessions[msg.Session.ID] = msg.Session
		m.log.Add(eventlog.KindEvent, "created %s", detail.DisplayName(msg.Session))
		m.rebuild()
		return m, m.readNext()

	case client.SessionUpdatedMsg:
		m.sessions[msg.Session.ID] = msg.Session
		m.rebuild()
		return m, m.readNext()

	case client.SessionExitedMsg:
		m.log.Add(eventlog.KindEvent, "%s exited with code %d", m.nameOf(msg.ID), msg.ExitCode)
		delete(m.sessions, msg.ID)
		m.rebuild()
		return m, m.readNext()

	case client.SessionDeletedMsg:
		m.log.Add(eventlog.KindEvent, "%s deleted", m.nameOf(msg.ID))
		delete(m.sessions, msg.ID)
		m.rebuild()
		return m, m.readNext()

	case client.EventErrorMsg:
		m.log.Add(eventlog.KindError, "%s", string(msg.Raw))
		return m, m.readNext()

	case listedMsg:
		if msg.err != nil {
			m.setErr(msg.err)
			return m, nil
		}
		m.replaceAll(msg.sessions)
		return m, nil

	case createdMsg:
		if msg.err != nil {
			m.setErr(msg.err)
			return m, nil
		}
		m.sessions[msg.session.ID] = msg.session
		m.rebuild()
		return m.attach(msg.session.ID)

	case removedMsg:
		if msg.err != nil {
			m.setErr(msg.err)
			return m, nil
		}
		delete(m.sessions, msg.id)
		m.rebuild()
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.overlay != OverlayNone {
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.overlay = OverlayNone
		case m.overlay == OverlayEvents && key.Matches(msg, m.keys.Up):
			m.log.ScrollUp(1)
		case m.overlay == OverlayEvents && key.Matches(msg, m.keys.Down):
			m.log.ScrollDown(1)
		case m.overlay == OverlayDetail && key.Matches(msg, m.keys.Attach):
			return m.attachSelected()
		case m.overlay == OverlayDetail && key.Matches(msg, m.keys.Delete):
			m.overlay = OverlayNone
			return m, m.removeSelected()
		case key.Matches(msg, m.keys.Quit):
			return m.quit()
		}
		return m, nil
	}

	m.lastErr = ""
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m.quit()

	case key.Matches(msg, m.keys.Down):
		if len(m.order) > 0 {
			m.selectedIdx = (m.selectedIdx + 1) % len(m.order)
		}

	case key.Matches(msg, m.keys.Up):
		if len(m.order) > 0 {
			m.selectedIdx = (m.selectedIdx - 1 + len(m.order)) % len(m.order)
		}

	case key.Matches(msg, m.keys.Attach):
		return m.attachSelected()

	case key.Matches(msg, m.keys.New):
		return m, m.create()

	case key.Matches(msg, m.keys.Delete):
		return m, m.removeSelected()

	case key.Matches(msg, m.keys.Info):
		if m.selected() != nil {
			m.overlay = OverlayDetail
		}

	case key.Matches(msg, m.keys.Events):
		m.overlay = OverlayEvents

	case key.Matches(msg, m.keys.Resync):
		return m, m.list()
	}
	return m, nil
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.cancel()
	return m, tea.Quit
}

func (m Model) attach(id string) (tea.Model, tea.Cmd) {
	m.chosen = id
	return m.quit()
}

func (m Model) attachSelected() (tea.Model, tea.Cmd) {
	s := m.selected()
	if s == nil {
		return m, nil
	}
	return m.attach(s.ID)
}

func (m Model) list() tea.Cmd {
	if m.api == nil {
		return nil
	}
	api := m.api
	return func() tea.Msg {
		sessions, err := api.List()
		return listedMsg{sessions: sessions, err: err}
	}
}

func (m Model) create() tea.Cmd {
	if m.api == nil {
		return nil
	}
	api := m.api
	return func() tea.Msg {
		s, err := api.Create(client.CreateRequest{})
		return createdMsg{session: s, err: err}
	}
}

func (m Model) removeSelected() tea.Cmd {
	s := m.selected()
	if s == nil || m.api == nil {
		return nil
	}
	api, id := m.api, s.ID
	return func() tea.Msg {
		return removedMsg{id: id, err: api.Remove(id)}
	}
}

func (m Model) selected() *client.SessionInfo {
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.order) {
		return nil
	}
	return m.sessions[m.order[m.selectedIdx]]
}

func (m Model) nameOf(id string) string {
	if s, ok := m.sessions[id]; ok {
		return detail.DisplayName(s)
	}
	return id
}

func (m *Model) setErr(err error) {
	m.lastErr = err.Error()
	m.log.Add(eventlog.KindError, "%v", err)
}

func (m *Model) replaceAll(sessions []*client.SessionInfo) {
	m.sessions = make(map[string]*client.SessionInfo, len(sessions))
	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	m.rebuild()
}

// rebuild re-sorts the list, keeping the cursor on the same session when it
// still exists.
func (m *Model) rebuild() {
	var keep string
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		keep = m.order[m.selectedIdx]
	}

	m.order = make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		m.order = append(m.order, id)
	}
	sort.Slice(m.order, func(i, j int) bool {
		si, sj := m.sessions[m.order[i]], m.sessions[m.order[j]]
		if !si.CreatedAt.Equal(sj.CreatedAt) {
			return si.CreatedAt.Before(sj.CreatedAt)
		}
		return si.ID < sj.ID
	})

	m.selectedIdx = min(m.selectedIdx, max(len(m.order)-1, 0))
	for i, id := range m.order {
		if id == keep {
			m.selectedIdx = i
			break
		}
	}

	running, exited := 0, 0
	for _, s := range m.sessions {
		if s.Status == client.StatusExited {
			exited++
		} else {
			running++
		}
	}
	m.statusBar.SetCounts(running, exited)
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	switch m.overlay {
	case OverlayDetail:
		return lipgloss.JoinVertical(lipgloss.Left, m.statusBar.View(), detail.New(m.selected()).View())
	case OverlayEvents:
		return lipgloss.JoinVertical(lipgloss.Left, m.statusBar.View(), m.log.View(m.width, m.height-3))
	}

	sections := []string{m.statusBar.View(), m.renderList()}
	if m.lastErr != "" {
		sections = append(sections, theme.StyleError.Render("  error: "+m.lastErr))
	}
	sections = append(sections, theme.StyleDimmed.Render("  j/k:navigate  enter:attach  n:new  d:delete  i:info  l:events  r:resync  q:quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderList() string {
	lines := []string{theme.StyleHeader.Render("  SESSIONS")}

	if !m.connected {
		lines = append(lines, theme.StyleError.Render("  DISCONNECTED")+theme.StyleDimmed.Render("  Reconnecting to the event stream..."))
	}

	for i, id := range m.order {
		prefix := "  "
		if i == m.selectedIdx {
			prefix = "> "
		}
		lines = append(lines, renderSessionLine(prefix, m.sessions[id], i == m.selectedIdx))
	}

	if len(m.order) == 0 {
		lines = append(lines, theme.StyleDimmed.Render("  No sessions. Press n to start one."))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderSessionLine(prefix string, s *client.SessionInfo, selected bool) string {
	status := string(s.Status)
	glyph := lipgloss.NewStyle().Foreground(theme.StatusColor(status)).Render(theme.StatusGlyph(status))

	name := sessionDisplayName(s, 24)
	if selected {
		name = theme.StyleSelected.Render(name)
	}

	var meta []string
	if s.Cols > 0 && s.Rows > 0 {
		meta = append(meta, fmt.Sprintf("%dx%d", s.Cols, s.Rows))
	}
	if s.Cwd != "" {
		meta = append(meta, s.Cwd)
	}
	return prefix + glyph + " " + name + "  " + theme.StyleDimmed.Render(strings.Join(meta, "  "))
}

// sessionDisplayName returns the best display name for a session, padded
// or truncated to width characters.
func sessionDisplayName(s *client.SessionInfo, width int) string {
	name := []rune(detail.DisplayName(s))
	if len(name) > width {
		name = append(name[:width-1], '…')
	}
	return fmt.Sprintf("%-*s", width, string(name))
}
