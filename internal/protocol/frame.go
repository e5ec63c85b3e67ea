package protocol

import "github.com/stueble-dev/stueble/internal/role"

// Client-issued events. Anything outside this set is rejected with an error
// frame rather than silently ignored.
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventPing            = "ping"
	EventHeartbeat       = "heartbeat"
	EventAcknowledgement = "acknowledgement"
	EventRequestMotto    = "requestMotto"
	EventRequestQRCode   = "requestQRCode"
	EventRequestKey      = "requestPublicKey"
)

// Server-issued events.
const (
	EventError     = "error"
	EventStatus    = "status"
	EventPong      = "pong"
	EventMotto     = "motto"
	EventQRCode    = "qrCode"
	EventPublicKey = "publicKey"
)

// Frame status codes, carried as strings on the wire.
const (
	CodeOK           = "200"
	CodeBadRequest   = "400"
	CodeUnauthorized = "401"
	CodeForbidden    = "403"
	CodeNotFound     = "404"
	CodeInternal     = "500"
)

// Inbound is a client frame: an event name, an optional correlation id for
// request/response commands, and an event-specific data map.
type Inbound struct {
	Event string         `msgpack:"event"`
	ReqID string         `msgpack:"reqId,omitempty"`
	ResID *int64         `msgpack:"resId,omitempty"`
	Data  map[string]any `msgpack:"data,omitempty"`
}

// Outbound is a server frame. ReqID echoes the client's correlation id;
// ResID marks frames that require an acknowledgement.
type Outbound struct {
	Event string `msgpack:"event"`
	ReqID string `msgpack:"reqId,omitempty"`
	ResID *int64 `msgpack:"resId,omitempty"`
	Data  any    `msgpack:"data"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code    string `msgpack:"code" json:"code"`
	Message string `msgpack:"message" json:"message"`
}

// StatusData reports the handshake outcome to a client.
type StatusData struct {
	Code         string      `msgpack:"code"`
	Capabilities []role.Role `msgpack:"capabilities"`
	Authorized   bool        `msgpack:"authorized"`
}

// MottoData answers a requestMotto command.
type MottoData struct {
	Motto       string `msgpack:"motto"`
	Description string `msgpack:"description"`
	Date        string `msgpack:"date"`
}

// PassData answers a requestQRCode command with a signed entry pass.
type PassData struct {
	Data      PassClaims `msgpack:"data"`
	Signature string     `msgpack:"signature"`
}

// PassClaims is the signed portion of an entry pass.
type PassClaims struct {
	ID        string `msgpack:"id" json:"id"`
	Timestamp int64  `msgpack:"timestamp" json:"timestamp"`
}

// Error builds an error frame, optionally correlated to a request id.
func Error(reqID, code, message string) Outbound {
	return Outbound{
		Event: EventError,
		ReqID: reqID,
		Data:  ErrorData{Code: code, Message: message},
	}
}
