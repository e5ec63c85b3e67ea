package server

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/stueble-dev/stueble/internal/auth"
	"github.com/stueble-dev/stueble/internal/protocol"
	"github.com/stueble-dev/stueble/internal/role"
	"github.com/stueble-dev/stueble/internal/storage"
)

const sessionCookie = "SID"

type presenceRequest struct {
	ID      string `json:"id"`
	Present *bool  `json:"present"`
}

type presenceResponse struct {
	EventID int64 `json:"eventId"`
}

type eventResponse struct {
	ID        int64                 `json:"id"`
	Event     string                `json:"event"`
	Data      storage.GuestSnapshot `json:"data"`
	CreatedAt time.Time             `json:"createdAt"`
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleWS)
	mux.HandleFunc("/guests/presence", a.handlePresence)
	mux.HandleFunc("/events", a.handleEvents)
	mux.HandleFunc("/internal/notify", a.handleNotify)
	mux.HandleFunc("/healthz", a.handleHealthz)
	return mux
}

func (a *App) handleWS(w http.ResponseWriter, r *http.Request) {
	token := ""
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		token = cookie.Value
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: ws upgrade: %v", err)
		return
	}
	a.dispatcher.HandleSocket(r.Context(), ws, token)
}

// handlePresence is the staff-facing mutation that emits events: marking a
// guest arrived or left. The presence write and the event append share one
// transaction, so a failed append fails the whole request.
func (a *App) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	identity, ok := a.authorize(w, r, role.Host)
	if !ok {
		return
	}

	var req presenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.Present == nil {
		writeError(w, http.StatusBadRequest, "id and present must be specified")
		return
	}

	event, err := a.store.RecordPresence(r.Context(), storage.PresenceChange{
		GuestUUID:       req.ID,
		Present:         *req.Present,
		ActingSessionID: identity.SessionID,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such guest")
			return
		}
		log.Printf("server: record presence: %v", err)
		writeError(w, http.StatusInternalServerError, "presence change not recorded")
		return
	}

	// This process owns the sockets, so the write path drives fan-out
	// directly; the bridge only covers writes from other processes.
	a.fanout.Dispatch(event)

	writeJSON(w, http.StatusOK, presenceResponse{EventID: event.ID})
}

// handleEvents is the catch-up query: events after a cursor that the
// caller's role may see, ascending by id.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	identity, ok := a.authorize(w, r, role.Extern)
	if !ok {
		return
	}

	sinceID := r.URL.Query().Get("since_id")
	sinceTime := r.URL.Query().Get("since_time")
	if (sinceID == "") == (sinceTime == "") {
		writeError(w, http.StatusBadRequest, "exactly one of since_id and since_time must be specified")
		return
	}

	var cursor storage.Cursor
	if sinceID != "" {
		id, err := strconv.ParseInt(sinceID, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since_id must be an integer")
			return
		}
		cursor.AfterID = &id
	} else {
		at, err := time.Parse(time.RFC3339, sinceTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since_time must be RFC 3339")
			return
		}
		cursor.AfterTime = &at
	}

	events, err := a.store.EventsSince(r.Context(), cursor, identity.Role, identity.UserID, identity.SessionID)
	if err != nil {
		log.Printf("server: catch-up query: %v", err)
		writeError(w, http.StatusInternalServerError, "catch-up query failed")
		return
	}

	response := make([]eventResponse, 0, len(events))
	for _, event := range events {
		response = append(response, eventResponse{
			ID:        event.ID,
			Event:     string(event.Action),
			Data:      event.Payload,
			CreatedAt: event.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// handleNotify is the trusted seam the change-bus bridge listens behind.
// Only loopback callers may reach it.
func (a *App) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !isLoopback(r.RemoteAddr) {
		writeError(w, http.StatusUnauthorized, "only local requests are allowed")
		return
	}

	var n Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification payload")
		return
	}

	if err := a.bridge.Submit(n); err != nil {
		writeError(w, http.StatusServiceUnavailable, "notification queue full")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// authorize resolves the SID cookie and enforces a role floor. It writes
// the error response itself when authorization fails.
func (a *App) authorize(w http.ResponseWriter, r *http.Request, floor role.Role) (auth.Identity, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "the session id must be specified")
		return auth.Identity{}, false
	}

	identity, err := a.resolver.Resolve(r.Context(), cookie.Value)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrSessionExpired):
			writeError(w, http.StatusUnauthorized, "session expired")
		case errors.Is(err, auth.ErrSessionNotFound):
			writeError(w, http.StatusUnauthorized, "no session found")
		default:
			log.Printf("server: resolve session: %v", err)
			writeError(w, http.StatusInternalServerError, "session lookup failed")
		}
		return auth.Identity{}, false
	}

	if !identity.Role.Meets(floor) {
		writeError(w, http.StatusForbidden, "invalid permissions, need role "+string(floor)+" or above")
		return auth.Identity{}, false
	}
	return identity, true
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.ErrorData{
		Code:    strconv.Itoa(status),
		Message: message,
	})
}
