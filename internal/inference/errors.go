// Package inference provides the engine providers behind the pipeline cache:
// a remote Hugging Face style HTTP API, local ONNX models, and a router that
// picks between them per pipeline kind.
package inference

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedPipeline = errors.New("unsupported pipeline")
	ErrModelNotInstalled   = errors.New("model not installed")
	ErrModelNotFound       = errors.New("model not found")
)

// RemoteError is a non-2xx answer from the inference API.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("inference api status %d", e.Status)
	}
	return fmt.Sprintf("inference api status %d: %s", e.Status, e.Message)
}

// unavailable reports whether a provider declined the key rather than failed
// while loading it.
func unavailable(err error) bool {
	return errors.Is(err, ErrUnsupportedPipeline) || errors.Is(err, ErrModelNotInstalled)
}
