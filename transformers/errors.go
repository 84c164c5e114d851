package transformers

import "github.com/pkg/errors"

// Sentinel errors for the failure modes of the encoder. They are always wrapped
// with a message describing the offending value, so test with errors.Is.
var (
	// ErrConfiguration indicates a Config whose hyperparameters violate an
	// invariant (e.g., a feature width not divisible by its head count).
	// It is reported at construction time, before any forward pass.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrShapeMismatch indicates an input tensor whose rank or dimensions
	// don't match the contract of the operation it was given to.
	ErrShapeMismatch = errors.New("tensor shape mismatch")

	// ErrIndexOutOfRange indicates a token, segment or position index that
	// exceeds the bounds of its embedding table.
	ErrIndexOutOfRange = errors.New("index out of range")
)
