package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/stueble-dev/stueble/internal/config"
)

// Frame is a decoded server frame.
type Frame struct {
	Event string `msgpack:"event"`
	ReqID string `msgpack:"reqId"`
	ResID *int64 `msgpack:"resId"`
	Data  any    `msgpack:"data"`
}

// DataMap returns the frame payload as a map, or an empty map for scalar
// payloads.
func (f Frame) DataMap() map[string]any {
	if m, ok := f.Data.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Session manages the websocket to the distribution server. Writes come
// from several Bubble Tea command goroutines, so Send serializes them; the
// websocket allows only one concurrent writer.
type Session struct {
	cfg     config.ClientConfig
	conn    *websocket.Conn
	writeMu sync.Mutex
	frames  chan tea.Msg
}

// NewSession initializes a session with configuration.
func NewSession(cfg config.ClientConfig) *Session {
	return &Session{
		cfg:    cfg,
		frames: make(chan tea.Msg, 32),
	}
}

// Connect dials the server, presenting the session token as the SID cookie,
// and starts the read loop.
func (s *Session) Connect(ctx context.Context) error {
	header := http.Header{}
	if s.cfg.SessionToken != "" {
		header.Add("Cookie", "SID="+s.cfg.SessionToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, s.cfg.ServerURL, header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}
	s.conn = conn
	go s.readLoop()
	return nil
}

// Close terminates the session.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Send encodes and writes one client frame.
func (s *Session) Send(event string, fields map[string]any) error {
	payload := map[string]any{"event": event}
	for k, v := range fields {
		payload[k] = v
	}
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// WaitFrame blocks until the next server frame, for use as a tea.Cmd.
func (s *Session) WaitFrame() tea.Msg {
	msg, ok := <-s.frames
	if !ok {
		return sessionClosedMsg{}
	}
	return msg
}

func (s *Session) readLoop() {
	defer close(s.frames)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.frames <- sessionClosedMsg{err: err}
			return
		}
		var f Frame
		if err := msgpack.Unmarshal(data, &f); err != nil {
			continue
		}
		s.frames <- frameMsg{frame: f}
	}
}
