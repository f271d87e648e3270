package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// pythonSession runs each inference in a python3 subprocess with
// onnxruntime installed. It keeps no process between runs.
type pythonSession struct {
	modelPath string
	python    string
}

type pythonInferRequest struct {
	ModelPath     string  `json:"model_path"`
	InputIDs      []int64 `json:"input_ids"`
	AttentionMask []int64 `json:"attention_mask"`
	TokenTypeIDs  []int64 `json:"token_type_ids"`
}

type pythonTensor struct {
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data"`
}

type pythonInferResponse struct {
	Outputs []pythonTensor `json:"outputs"`
	Error   string         `json:"error"`
}

func newPythonSession(modelPath string) *pythonSession {
	return &pythonSession{modelPath: modelPath, python: "python3"}
}

func (s *pythonSession) Run(ctx context.Context, enc *Encoding) ([]Tensor, error) {
	payload, err := json.Marshal(pythonInferRequest{
		ModelPath:     s.modelPath,
		InputIDs:      enc.InputIDs,
		AttentionMask: enc.AttentionMask,
		TokenTypeIDs:  enc.TokenTypeIDs,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, s.python, "-c", pythonInferScript)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("python onnx inference failed: %v: %s", err, stderr.String())
		}
		return nil, fmt.Errorf("python onnx inference failed: %w", err)
	}

	var resp pythonInferResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parse python onnx output: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("python onnx inference error: %s", resp.Error)
	}
	out := make([]Tensor, 0, len(resp.Outputs))
	for _, t := range resp.Outputs {
		out = append(out, Tensor{Shape: t.Shape, Data: t.Data})
	}
	return out, nil
}

func (s *pythonSession) Close() error { return nil }

const pythonInferScript = `
import json
import sys

try:
    import numpy as np
    import onnxruntime as ort
except Exception as exc:
    print(json.dumps({"error": f"missing python dependencies (onnxruntime, numpy): {exc}"}))
    sys.exit(0)

try:
    req = json.load(sys.stdin)
    sess = ort.InferenceSession(req["model_path"], providers=["CPUExecutionProvider"])
    seq_len = len(req["input_ids"])
    known = {
        "input_ids": np.array([req["input_ids"]], dtype=np.int64),
        "attention_mask": np.array([req["attention_mask"]], dtype=np.int64),
        "token_type_ids": np.array([req["token_type_ids"]], dtype=np.int64),
    }
    feed = {}
    for inp in sess.get_inputs():
        value = next((v for k, v in known.items() if k in inp.name), None)
        feed[inp.name] = value if value is not None else np.zeros((1, seq_len), dtype=np.int64)

    outputs = []
    for arr in sess.run(None, feed):
        arr = np.asarray(arr, dtype=np.float32)
        outputs.append({"shape": list(arr.shape), "data": arr.reshape(-1).tolist()})
    print(json.dumps({"outputs": outputs}))
except Exception as exc:
    print(json.dumps({"error": str(exc)}))
`
