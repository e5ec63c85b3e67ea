package server

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/stueble-dev/stueble/internal/protocol"
	"github.com/stueble-dev/stueble/internal/storage"
)

const dayFormat = "2006-01-02"

// requireReqID rejects request/response commands sent without a
// correlation id.
func (d *Dispatcher) requireReqID(c *connection, in protocol.Inbound) bool {
	if in.ReqID == "" {
		d.sendFrame(c, protocol.Error("", protocol.CodeBadRequest, "reqId must be specified"))
		return false
	}
	return true
}

func (d *Dispatcher) handlePing(c *connection, in protocol.Inbound) {
	if !d.requireReqID(c, in) {
		return
	}
	d.sendFrame(c, protocol.Outbound{
		Event: protocol.EventPong,
		ReqID: in.ReqID,
		Data:  true,
	})
}

func (d *Dispatcher) handleAcknowledgement(c *connection, in protocol.Inbound) {
	identity, ok := c.identity()
	if !ok {
		d.sendFrame(c, protocol.Error("", protocol.CodeUnauthorized, "authentication required"))
		return
	}
	if in.ResID == nil {
		d.sendFrame(c, protocol.Error("", protocol.CodeBadRequest, "resId must be specified"))
		return
	}
	d.tracker.Acknowledge(*in.ResID, identity.SessionID)
}

func (d *Dispatcher) handleRequestMotto(ctx context.Context, c *connection, in protocol.Inbound) {
	if !d.requireReqID(c, in) {
		return
	}

	date := time.Now()
	if raw, ok := in.Data["date"].(string); ok && raw != "" {
		parsed, err := time.Parse(dayFormat, raw)
		if err != nil {
			d.sendFrame(c, protocol.Error(in.ReqID, protocol.CodeBadRequest, "date must be formatted YYYY-MM-DD"))
			return
		}
		date = parsed
	}

	motto, err := d.store.GetMotto(ctx, date)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			d.sendFrame(c, protocol.Error(in.ReqID, protocol.CodeNotFound, "no motto found"))
			return
		}
		log.Printf("dispatcher: motto lookup: %v", err)
		d.sendFrame(c, protocol.Error(in.ReqID, protocol.CodeInternal, "motto lookup failed"))
		return
	}

	d.sendFrame(c, protocol.Outbound{
		Event: protocol.EventMotto,
		ReqID: in.ReqID,
		Data: protocol.MottoData{
			Motto:       motto.Motto,
			Description: motto.Description,
			Date:        motto.Date.Format(dayFormat),
		},
	})
}

func (d *Dispatcher) handleRequestQRCode(ctx context.Context, c *connection, in protocol.Inbound) {
	if !d.requireReqID(c, in) {
		return
	}
	identity, ok := c.identity()
	if !ok {
		d.sendFrame(c, protocol.Error(in.ReqID, protocol.CodeUnauthorized, "authentication required"))
		return
	}

	user, err := d.store.GetUserByID(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			d.sendFrame(c, protocol.Error(in.ReqID, protocol.CodeNotFound, "no such guest"))
			return
		}
		log.Printf("dispatcher: pass lookup: %v", err)
		d.sendFrame(c, protocol.Error(in.ReqID, protocol.CodeInternal, "guest lookup failed"))
		return
	}
	if !user.OnGuestList {
		d.sendFrame(c, protocol.Error(in.ReqID, protocol.CodeForbidden, "guest not on guest list"))
		return
	}

	claims := protocol.PassClaims{
		ID:        user.PublicUUID,
		Timestamp: time.Now().Unix(),
	}
	signed, err := d.signer.SignPass(claims)
	if err != nil {
		log.Printf("dispatcher: sign pass: %v", err)
		d.sendFrame(c, protocol.Error(in.ReqID, protocol.CodeInternal, "pass signing failed"))
		return
	}

	d.sendFrame(c, protocol.Outbound{
		Event: protocol.EventQRCode,
		ReqID: in.ReqID,
		Data:  protocol.PassData{Data: claims, Signature: signed},
	})
}

func (d *Dispatcher) handleRequestPublicKey(c *connection, in protocol.Inbound) {
	if !d.requireReqID(c, in) {
		return
	}
	d.sendFrame(c, protocol.Outbound{
		Event: protocol.EventPublicKey,
		ReqID: in.ReqID,
		Data:  d.signer.PublicJWK(),
	})
}
