package client

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/samber/lo"

	"github.com/stueble-dev/stueble/internal/config"
)

type frameMsg struct {
	frame Frame
}

type connectResultMsg struct {
	err error
}

type sessionClosedMsg struct {
	err error
}

type heartbeatTickMsg time.Time

// guestRow is one entry of the live guest roster.
type guestRow struct {
	id        string
	firstName string
	lastName  string
	room      string
	role      string
	present   bool
}

// App implements tea.Model for the staff terminal. It mirrors the guest
// roster from the event stream and acknowledges every tracked frame it
// receives.
type App struct {
	cfg     config.ClientConfig
	session *Session

	viewport viewport.Model
	styles   styleSet
	width    int
	height   int

	guests map[string]guestRow
	order  []string

	online       bool
	authorized   bool
	capabilities []string
	motto        string
	logLine      string

	reqCounter int
}

// NewApp returns a Bubble Tea model pre-populated with defaults.
func NewApp(cfg config.ClientConfig) *App {
	return &App{
		cfg:      cfg,
		session:  NewSession(cfg),
		viewport: viewport.New(0, 0),
		styles:   buildStyles(),
		guests:   make(map[string]guestRow),
		logLine:  "connecting to " + cfg.ServerURL,
	}
}

// Init is part of the tea.Model interface.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.connect, a.heartbeatTick())
}

// Update handles user input and session events.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = m.Width
		a.height = m.Height
		a.resizeViewport()
		a.refreshViewport()
		return a, nil
	case tea.KeyMsg:
		return a.handleKey(m)
	case connectResultMsg:
		return a.handleConnectResult(m)
	case frameMsg:
		return a.handleFrame(m.frame)
	case sessionClosedMsg:
		a.online = false
		a.authorized = false
		if m.err != nil {
			a.logLine = fmt.Sprintf("connection lost: %v", m.err)
		} else {
			a.logLine = "connection closed"
		}
		return a, nil
	case heartbeatTickMsg:
		if a.online {
			if err := a.session.Send("heartbeat", nil); err != nil {
				a.logLine = fmt.Sprintf("heartbeat failed: %v", err)
			}
		}
		return a, a.heartbeatTick()
	default:
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if a.online {
			_ = a.session.Send("disconnect", nil)
		}
		_ = a.session.Close()
		return a, tea.Quit
	case "m":
		return a, a.sendRequest("requestMotto", nil)
	case "p":
		return a, a.sendRequest("ping", nil)
	case "k":
		return a, a.sendRequest("requestPublicKey", nil)
	case "g":
		return a, a.sendRequest("requestQRCode", nil)
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a *App) connect() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return connectResultMsg{err: a.session.Connect(ctx)}
}

func (a *App) handleConnectResult(m connectResultMsg) (tea.Model, tea.Cmd) {
	if m.err != nil {
		a.logLine = fmt.Sprintf("connect failed: %v", m.err)
		return a, nil
	}
	a.online = true
	a.logLine = "connected"
	return a, tea.Batch(a.session.WaitFrame, a.sendRequest("requestMotto", nil))
}

func (a *App) handleFrame(f Frame) (tea.Model, tea.Cmd) {
	switch f.Event {
	case "status":
		data := f.DataMap()
		a.authorized, _ = data["authorized"].(bool)
		a.capabilities = a.capabilities[:0]
		if raw, ok := data["capabilities"].([]any); ok {
			for _, c := range raw {
				if name, ok := c.(string); ok {
					a.capabilities = append(a.capabilities, name)
				}
			}
		}
		if !a.authorized {
			a.logLine = "connected without a valid session, watching anonymously"
		}
	case "error":
		data := f.DataMap()
		a.logLine = fmt.Sprintf("server error %v: %v", data["code"], data["message"])
	case "motto":
		data := f.DataMap()
		if motto, ok := data["motto"].(string); ok {
			a.motto = motto
		}
	case "guestArrived", "guestLeft", "guestAdded", "guestRemoved", "guestModified":
		a.applyGuestEvent(f)
	case "pong", "heartbeat":
		// Liveness only.
	case "qrCode":
		a.logLine = "entry pass received"
	case "publicKey":
		a.logLine = "verification key received"
	default:
		a.logLine = "unhandled frame: " + f.Event
	}

	a.refreshViewport()
	return a, tea.Batch(a.session.WaitFrame, a.acknowledge(f))
}

// applyGuestEvent folds one distribution event into the roster.
func (a *App) applyGuestEvent(f Frame) {
	data := f.DataMap()
	id, _ := data["id"].(string)
	if id == "" {
		return
	}

	if f.Event == "guestRemoved" {
		delete(a.guests, id)
		a.order = lo.Without(a.order, id)
		a.logLine = "guest removed"
		return
	}

	row, known := a.guests[id]
	row.id = id
	if v, ok := data["firstName"].(string); ok {
		row.firstName = v
	}
	if v, ok := data["lastName"].(string); ok {
		row.lastName = v
	}
	if v, ok := data["room"].(string); ok {
		row.room = v
	}
	if v, ok := data["role"].(string); ok {
		row.role = v
	}
	if v, ok := data["present"].(bool); ok {
		row.present = v
	}
	a.guests[id] = row
	if !known {
		a.order = append(a.order, id)
	}
	a.logLine = fmt.Sprintf("%s: %s %s", f.Event, row.firstName, row.lastName)
}

// acknowledge confirms receipt of a tracked frame so the server can retire
// its delivery obligation.
func (a *App) acknowledge(f Frame) tea.Cmd {
	if f.ResID == nil {
		return nil
	}
	resID := *f.ResID
	return func() tea.Msg {
		if err := a.session.Send("acknowledgement", map[string]any{"resId": resID}); err != nil {
			return sessionClosedMsg{err: err}
		}
		return nil
	}
}

func (a *App) sendRequest(event string, fields map[string]any) tea.Cmd {
	if !a.online {
		a.logLine = "not connected"
		return nil
	}
	a.reqCounter++
	payload := map[string]any{"reqId": fmt.Sprintf("req-%d", a.reqCounter)}
	for k, v := range fields {
		payload[k] = v
	}
	return func() tea.Msg {
		if err := a.session.Send(event, payload); err != nil {
			return sessionClosedMsg{err: err}
		}
		return nil
	}
}

func (a *App) heartbeatTick() tea.Cmd {
	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return heartbeatTickMsg(t)
	})
}

func (a *App) presentCount() int {
	return lo.CountBy(lo.Values(a.guests), func(g guestRow) bool {
		return g.present
	})
}
