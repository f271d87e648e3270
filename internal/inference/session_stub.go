//go:build !onnxruntime

package inference

import "fmt"

func openSession(runtime, modelPath string) (Session, error) {
	if runtime == RuntimeNative {
		return nil, fmt.Errorf("native ONNX runtime requires build tag 'onnxruntime'")
	}
	return newPythonSession(modelPath), nil
}
