package model

import (
	"errors"
	"fmt"
)

// Sentinel error kinds a *LoadError wraps. Callers distinguish why a
// load failed with errors.Is(err, model.ErrMissingTensor) rather than
// a type switch on the concrete error.
var (
	ErrFileOpen        = errors.New("could not open model file")
	ErrParse           = errors.New("could not parse model file")
	ErrUnsupportedArch = errors.New("unsupported model architecture")
	ErrMissingTensor   = errors.New("missing required tensor")
	ErrBadShape        = errors.New("tensor has unexpected shape")
)

// LoadError reports a failure while opening, decoding, or binding a
// weight file's tensors to a registered architecture's struct fields.
// Kind is always one of the Err* sentinels above.
type LoadError struct {
	Kind     error
	Name     string
	Expected []int64
	Actual   []int64
	Err      error
}

func (e *LoadError) Error() string {
	switch e.Kind {
	case ErrUnsupportedArch:
		return fmt.Sprintf("unsupported model architecture %q", e.Name)
	case ErrMissingTensor:
		return fmt.Sprintf("missing required tensor %q", e.Name)
	case ErrBadShape:
		return fmt.Sprintf("tensor %q has shape %v, want %v", e.Name, e.Actual, e.Expected)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return e.Kind.Error()
	}
}

func (e *LoadError) Unwrap() error { return e.Kind }

func fileOpenError(err error) *LoadError { return &LoadError{Kind: ErrFileOpen, Err: err} }
func parseError(err error) *LoadError    { return &LoadError{Kind: ErrParse, Err: err} }

func unsupportedArchError(name string) *LoadError {
	return &LoadError{Kind: ErrUnsupportedArch, Name: name}
}

func missingTensorError(name string) *LoadError {
	return &LoadError{Kind: ErrMissingTensor, Name: name}
}

// BadShapeError reports that the tensor named name was found but its
// shape doesn't match what the architecture's hyperparameters compute
// it should be. Exported so architecture packages (which discover
// this after model.New has already bound their tensor fields) can
// raise it from their own validation pass.
func BadShapeError(name string, expected, actual []int64) *LoadError {
	return &LoadError{Kind: ErrBadShape, Name: name, Expected: expected, Actual: actual}
}

// ErrCtxMismatch is the sentinel a *ConfigError wraps when a build
// call's context length doesn't match the KV cache it was allocated
// against.
var ErrCtxMismatch = errors.New("context length does not match cache capacity")

// ConfigError reports a mismatch between session-level context
// parameters and the static state (here, the KV cache) a build call
// was handed.
type ConfigError struct {
	Kind   error
	NumCtx int32
	Size   int32
}

func (e *ConfigError) Error() string {
	switch e.Kind {
	case ErrCtxMismatch:
		return fmt.Sprintf("context length %d does not match cache capacity %d", e.NumCtx, e.Size)
	default:
		return e.Kind.Error()
	}
}

func (e *ConfigError) Unwrap() error { return e.Kind }

func ctxMismatchError(numCtx, size int32) *ConfigError {
	return &ConfigError{Kind: ErrCtxMismatch, NumCtx: numCtx, Size: size}
}

// ErrInvalidBatch is the sentinel a *BuildError wraps when a Batch
// fails the driver's shape/exclusivity checks before any graph node
// is emitted.
var ErrInvalidBatch = errors.New("invalid batch")

// BuildError reports a failure constructing a compute graph for a
// specific forward-pass call, as distinct from a LoadError (weight
// file) or a ConfigError (session parameters vs. allocated state).
type BuildError struct {
	Kind   error
	Reason string
}

func (e *BuildError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return e.Kind.Error()
}

func (e *BuildError) Unwrap() error { return e.Kind }

func invalidBatchError(reason string) *BuildError {
	return &BuildError{Kind: ErrInvalidBatch, Reason: reason}
}

// AssertionError marks a violated internal invariant: a programming
// defect in the caller or the loaded weights, never a recoverable,
// user-facing failure. It is only ever panicked, never returned.
type AssertionError struct {
	Msg string
}

func (e *AssertionError) Error() string { return e.Msg }

// Assertf panics with an *AssertionError when cond is false.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(&AssertionError{Msg: fmt.Sprintf(format, args...)})
	}
}
