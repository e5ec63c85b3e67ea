package client

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stueble-dev/stueble/internal/config"
)

func guestFrame(event, id string, present bool) Frame {
	return Frame{
		Event: event,
		Data: map[string]any{
			"id":        id,
			"firstName": "Anna",
			"lastName":  "Berg",
			"room":      "210",
			"role":      "intern",
			"present":   present,
		},
	}
}

func TestApplyGuestEventsMaintainRoster(t *testing.T) {
	req := require.New(t)
	app := NewApp(config.ClientConfig{})

	app.applyGuestEvent(guestFrame("guestAdded", "g-1", false))
	app.applyGuestEvent(guestFrame("guestAdded", "g-2", false))
	app.applyGuestEvent(guestFrame("guestArrived", "g-1", true))

	req.Equal([]string{"g-1", "g-2"}, app.order)
	req.True(app.guests["g-1"].present)
	req.False(app.guests["g-2"].present)
	req.Equal(1, app.presentCount())

	app.applyGuestEvent(guestFrame("guestLeft", "g-1", false))
	req.Equal(0, app.presentCount())

	app.applyGuestEvent(guestFrame("guestRemoved", "g-2", false))
	req.Equal([]string{"g-1"}, app.order)
	req.NotContains(app.guests, "g-2")
}

func TestApplyGuestEventIgnoresMissingID(t *testing.T) {
	app := NewApp(config.ClientConfig{})
	app.applyGuestEvent(Frame{Event: "guestAdded", Data: map[string]any{"firstName": "Anna"}})
	require.Empty(t, app.order)
}

func TestStatusFrameSetsIdentity(t *testing.T) {
	req := require.New(t)
	app := NewApp(config.ClientConfig{})

	app.handleFrame(Frame{
		Event: "status",
		Data: map[string]any{
			"code":         "200",
			"authorized":   true,
			"capabilities": []any{"user", "host"},
		},
	})
	req.True(app.authorized)
	req.Equal([]string{"user", "host"}, app.capabilities)

	app.handleFrame(Frame{
		Event: "status",
		Data: map[string]any{
			"authorized":   false,
			"capabilities": []any{},
		},
	})
	req.False(app.authorized)
	req.Empty(app.capabilities)
}

func TestFrameDataMap(t *testing.T) {
	req := require.New(t)
	req.Equal(map[string]any{"k": "v"}, Frame{Data: map[string]any{"k": "v"}}.DataMap())
	req.Empty(Frame{Data: true}.DataMap())
	req.Empty(Frame{}.DataMap())
}
