//go:build !onnxruntime

package inference

import "testing"

func TestOpenSession_NativeRequestedWithoutTag(t *testing.T) {
	_, err := OpenSession("native", "/tmp/model.onnx")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenSession_DefaultsToPython(t *testing.T) {
	for _, runtime := range []string{"", "python", " Python "} {
		s, err := OpenSession(runtime, "/tmp/model.onnx")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := s.(*pythonSession); !ok {
			t.Fatalf("runtime %q: expected python session, got %T", runtime, s)
		}
	}
}
