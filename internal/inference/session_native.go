//go:build onnxruntime

package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// initRuntime loads the shared onnxruntime library once per process.
// NLPKIT_ORT_LIB overrides the library path.
func initRuntime() error {
	ortOnce.Do(func() {
		if lib := os.Getenv("NLPKIT_ORT_LIB"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

func openSession(runtime, modelPath string) (Session, error) {
	if runtime == RuntimePython {
		return newPythonSession(modelPath), nil
	}
	return newNativeSession(modelPath)
}

type nativeSession struct {
	session *ort.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

func newNativeSession(modelPath string) (*nativeSession, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", err)
	}
	inInfo, outInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", modelPath, err)
	}
	s := &nativeSession{}
	for _, in := range inInfo {
		s.inputs = append(s.inputs, in.Name)
	}
	for _, out := range outInfo {
		s.outputs = append(s.outputs, out.Name)
	}
	s.session, err = ort.NewDynamicAdvancedSession(modelPath, s.inputs, s.outputs, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", modelPath, err)
	}
	return s, nil
}

func (s *nativeSession) Run(ctx context.Context, enc *Encoding) ([]Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shape := ort.NewShape(1, int64(enc.Len()))
	inputs := make([]ort.Value, 0, len(s.inputs))
	defer func() {
		for _, v := range inputs {
			_ = v.Destroy()
		}
	}()
	for _, name := range s.inputs {
		t, err := ort.NewTensor(shape, feedFor(name, enc))
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		inputs = append(inputs, t)
	}

	outputs := make([]ort.Value, len(s.outputs))
	if err := s.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}()

	result := make([]Tensor, 0, len(outputs))
	for i, v := range outputs {
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %s is not a float32 tensor", s.outputs[i])
		}
		data := t.GetData()
		result = append(result, Tensor{
			Shape: []int64(t.GetShape()),
			Data:  append([]float32(nil), data...),
		})
	}
	return result, nil
}

func (s *nativeSession) Close() error {
	if s.session == nil {
		return errors.New("session already closed")
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
