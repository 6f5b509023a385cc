package wire

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/castlink/castlink/internal/core"
)

var validate = validator.New()

// Decode unmarshals a frame into the given message struct and checks
// its required fields. Any failure maps to ErrMalformedMessage; the
// caller reports it to the client, the connection stays open.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrMalformedMessage, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrMalformedMessage, err)
	}
	return nil
}

// Encode serializes a message into a single text frame.
func Encode(v any) (core.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return core.Frame(b), nil
}
