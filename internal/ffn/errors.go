package ffn

import (
	"errors"
	"fmt"
)

// Input keys of the forward contract.
const (
	KeyInput    = "ffn_input"
	KeyLayerID  = "layer_id"
	KeyLoraMask = "lora_mask"
	KeyOutput   = "ffn_output"
)

var (
	ErrMissingInput  = errors.New("missing required input")
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrInvalidMask   = errors.New("invalid lora mask")
	ErrInvalidBundle = errors.New("invalid weight bundle")
)

// InputError names the forward input that violated the contract. It is
// always returned before any device work is issued.
type InputError struct {
	Key    string
	Err    error
	Detail string
}

func (e *InputError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ffn: %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("ffn: %s: %v: %s", e.Key, e.Err, e.Detail)
}

func (e *InputError) Unwrap() error { return e.Err }

func inputErr(key string, err error, format string, args ...interface{}) error {
	return &InputError{Key: key, Err: err, Detail: fmt.Sprintf(format, args...)}
}
