package message

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same message always
// produces the same bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("message: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 4096,
	}.DecMode()
	if err != nil {
		panic("message: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a message into a single frame.
func Encode(m *Message) ([]byte, error) {
	return encMode.Marshal(m)
}

// Decode parses a frame produced by Encode and validates it.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("message: decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
