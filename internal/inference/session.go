package inference

import (
	"context"
	"fmt"
	"strings"
)

const (
	RuntimePython = "python"
	RuntimeNative = "native"
)

// Tensor is a float output with its shape, row-major.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Rows splits a [1, n, k] or [1, k] tensor into rows of its last dimension.
func (t Tensor) Rows() ([][]float32, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("tensor has no shape")
	}
	k := int(t.Shape[len(t.Shape)-1])
	if k <= 0 || len(t.Data)%k != 0 {
		return nil, fmt.Errorf("tensor shape %v does not match %d values", t.Shape, len(t.Data))
	}
	rows := make([][]float32, 0, len(t.Data)/k)
	for i := 0; i < len(t.Data); i += k {
		rows = append(rows, t.Data[i:i+k])
	}
	return rows, nil
}

// Session runs one ONNX model on an encoding and returns its outputs in
// model order.
type Session interface {
	Run(ctx context.Context, enc *Encoding) ([]Tensor, error)
	Close() error
}

// OpenSession opens modelPath with the requested runtime. An empty runtime
// picks the build's default.
func OpenSession(runtime, modelPath string) (Session, error) {
	return openSession(strings.ToLower(strings.TrimSpace(runtime)), modelPath)
}

// feedFor maps a model input name to the encoding slice that fills it. Inputs
// the encoding does not know are fed zeros.
func feedFor(name string, enc *Encoding) []int64 {
	switch {
	case strings.Contains(name, "input_ids"):
		return enc.InputIDs
	case strings.Contains(name, "attention_mask"):
		return enc.AttentionMask
	case strings.Contains(name, "token_type_ids"):
		return enc.TokenTypeIDs
	default:
		return make([]int64, enc.Len())
	}
}
