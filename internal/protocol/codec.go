package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrEmptyEvent marks a frame that decoded cleanly but names no event.
var ErrEmptyEvent = errors.New("frame event must be specified")

// Marshal encodes an outbound frame as a msgpack map.
func Marshal(out Outbound) ([]byte, error) {
	data, err := msgpack.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Unmarshal decodes an inbound frame. A structurally valid frame without an
// event name is rejected so the caller can answer with a protocol error.
func Unmarshal(data []byte) (Inbound, error) {
	var in Inbound
	if err := msgpack.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("decode frame: %w", err)
	}
	if in.Event == "" {
		return in, ErrEmptyEvent
	}
	return in, nil
}
