package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	req := require.New(t)

	id := int64(7)
	data, err := Marshal(Outbound{
		Event: "guestArrived",
		ResID: &id,
		Data:  map[string]any{"firstName": "Ada"},
	})
	req.NoError(err)

	var raw map[string]any
	req.NoError(msgpack.Unmarshal(data, &raw))
	req.Equal("guestArrived", raw["event"])
	req.EqualValues(7, raw["resId"])
}

func TestUnmarshalClientFrame(t *testing.T) {
	req := require.New(t)

	data, err := msgpack.Marshal(map[string]any{
		"event": "requestMotto",
		"reqId": "abc-1",
		"data":  map[string]any{"date": "2025-10-01"},
	})
	req.NoError(err)

	in, err := Unmarshal(data)
	req.NoError(err)
	req.Equal("requestMotto", in.Event)
	req.Equal("abc-1", in.ReqID)
	req.Equal("2025-10-01", in.Data["date"])
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xc1, 0xff, 0x00})
	require.Error(t, err)
}

func TestUnmarshalRejectsMissingEvent(t *testing.T) {
	data, err := msgpack.Marshal(map[string]any{"data": map[string]any{}})
	require.NoError(t, err)

	_, err = Unmarshal(data)
	require.ErrorIs(t, err, ErrEmptyEvent)
}
