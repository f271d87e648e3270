package inference

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nlpkit/internal/logger"
	"nlpkit/internal/models"
	"nlpkit/internal/pipeline"
)

type fakeSession struct {
	run    func(enc *Encoding) []Tensor
	closed bool
}

func (s *fakeSession) Run(ctx context.Context, enc *Encoding) ([]Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.run(enc), nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

const (
	sentimentModel = "org/sst2"
	nerModel       = "org/ner"
	qaModel        = "org/squad"
)

func testRegistry(source string) models.Registry {
	files := []models.FileSpec{
		{Path: "model.onnx", Name: "model.onnx"},
		{Path: "tokenizer.json", Name: "tokenizer.json"},
		{Path: "config.json", Name: "config.json"},
	}
	return models.Registry{Models: []models.ModelSpec{
		{Name: "sst2", ID: sentimentModel, Pipelines: []string{pipeline.KindSentiment, pipeline.KindClassification}, Source: source, Files: files},
		{Name: "ner", ID: nerModel, Pipelines: []string{pipeline.KindNER}, Source: source, Files: files},
		{Name: "squad", ID: qaModel, Pipelines: []string{pipeline.KindQA}, Source: source, Files: files},
	}}
}

func installBundle(t *testing.T, root, name, config string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for file, content := range map[string]string{"model.onnx": "x", "tokenizer.json": testVocab, "config.json": config} {
		if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestONNX(t *testing.T, root string, session *fakeSession, cfg ONNXConfig) *ONNX {
	t.Helper()
	cfg.ModelsRoot = root
	o, err := NewONNX(cfg, logger.Nop(),
		WithRegistry(testRegistry("http://127.0.0.1:1")),
		WithSessionOpener(func(string, string) (Session, error) { return session, nil }),
	)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestONNXLabelEngine(t *testing.T) {
	root := t.TempDir()
	installBundle(t, root, "sst2", `{"id2label":{"0":"NEGATIVE","1":"POSITIVE"}}`)
	session := &fakeSession{run: func(*Encoding) []Tensor {
		return []Tensor{{Shape: []int64{1, 2}, Data: []float32{-1, 3}}}
	}}
	o := newTestONNX(t, root, session, ONNXConfig{})

	e, err := o.Load(context.Background(), pipeline.Key{Pipeline: pipeline.KindSentiment, Model: sentimentModel})
	if err != nil {
		t.Fatal(err)
	}
	out, err := e.Run(context.Background(), pipeline.Input{Text: "the moon"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Labels) != 2 || out.Labels[1].Label != "POSITIVE" {
		t.Fatalf("unexpected labels %+v", out.Labels)
	}
	if out.Labels[1].Score < 0.98 || out.Labels[1].Score > 1 {
		t.Fatalf("unexpected score %f", out.Labels[1].Score)
	}
	if closer, ok := e.(interface{ Close() error }); !ok || closer.Close() != nil || !session.closed {
		t.Fatal("expected engine to close its session")
	}
}

func TestONNXNEREngine(t *testing.T) {
	root := t.TempDir()
	installBundle(t, root, "ner", `{"id2label":{"0":"O","1":"B-PER","2":"I-PER","3":"B-ORG","4":"I-ORG"}}`)
	hot := func(k int) []float32 {
		row := make([]float32, 5)
		row[k] = 8
		return row
	}
	session := &fakeSession{run: func(enc *Encoding) []Tensor {
		// [CLS] elon musk founded space ##x . [SEP]
		perToken := [][]float32{hot(0), hot(1), hot(2), hot(0), hot(3), hot(4), hot(0), hot(0)}
		var data []float32
		for _, r := range perToken {
			data = append(data, r...)
		}
		return []Tensor{{Shape: []int64{1, int64(enc.Len()), 5}, Data: data}}
	}}
	o := newTestONNX(t, root, session, ONNXConfig{})

	e, err := o.Load(context.Background(), pipeline.Key{Pipeline: pipeline.KindNER, Model: nerModel})
	if err != nil {
		t.Fatal(err)
	}
	text := "Elon Musk founded SpaceX."
	out, err := e.Run(context.Background(), pipeline.Input{Text: text})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %+v", out.Entities)
	}
	if out.Entities[0].Word != "Elon Musk" || out.Entities[0].Group != "PER" {
		t.Fatalf("unexpected entity %+v", out.Entities[0])
	}
	if out.Entities[1].Word != "SpaceX" || text[out.Entities[1].Start:out.Entities[1].End] != "SpaceX" {
		t.Fatalf("unexpected entity %+v", out.Entities[1])
	}
}

func TestONNXQAEngine(t *testing.T) {
	root := t.TempDir()
	installBundle(t, root, "squad", `{}`)
	session := &fakeSession{run: func(enc *Encoding) []Tensor {
		start := make([]float32, enc.Len())
		end := make([]float32, enc.Len())
		start[11], end[12] = 9, 9
		// The question segment scores higher but must never be chosen.
		start[2], end[3] = 20, 20
		return []Tensor{
			{Shape: []int64{1, int64(enc.Len())}, Data: start},
			{Shape: []int64{1, int64(enc.Len())}, Data: end},
		}
	}}
	o := newTestONNX(t, root, session, ONNXConfig{})

	e, err := o.Load(context.Background(), pipeline.Key{Pipeline: pipeline.KindQA, Model: qaModel})
	if err != nil {
		t.Fatal(err)
	}
	passage := "The moon is a natural satellite."
	out, err := e.Run(context.Background(), pipeline.Input{Question: "What is the moon?", Context: passage})
	if err != nil {
		t.Fatal(err)
	}
	if out.Answer == nil || out.Answer.Text != "natural satellite" {
		t.Fatalf("unexpected answer %+v", out.Answer)
	}
	if !strings.Contains(passage, out.Answer.Text) || passage[out.Answer.Start:out.Answer.End] != out.Answer.Text {
		t.Fatalf("answer offsets do not match context: %+v", out.Answer)
	}
}

func TestONNXLoadDeclines(t *testing.T) {
	o := newTestONNX(t, t.TempDir(), &fakeSession{}, ONNXConfig{})

	_, err := o.Load(context.Background(), pipeline.Key{Pipeline: pipeline.KindTranslation, Model: "Helsinki-NLP/opus-mt-en-fr"})
	if !errors.Is(err, ErrUnsupportedPipeline) {
		t.Fatalf("expected ErrUnsupportedPipeline, got %v", err)
	}
	_, err = o.Load(context.Background(), pipeline.Key{Pipeline: pipeline.KindNER, Model: "someone/else"})
	if !errors.Is(err, ErrModelNotInstalled) {
		t.Fatalf("expected ErrModelNotInstalled, got %v", err)
	}
	_, err = o.Load(context.Background(), pipeline.Key{Pipeline: pipeline.KindNER, Model: nerModel})
	if !errors.Is(err, ErrModelNotInstalled) {
		t.Fatalf("expected ErrModelNotInstalled for a missing bundle, got %v", err)
	}
}

func TestONNXAutoDownload(t *testing.T) {
	files := map[string]string{
		"/model.onnx":     "x",
		"/tokenizer.json": testVocab,
		"/config.json":    `{"id2label":{"0":"NEGATIVE","1":"POSITIVE"}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	root := t.TempDir()
	session := &fakeSession{run: func(*Encoding) []Tensor {
		return []Tensor{{Shape: []int64{1, 2}, Data: []float32{0, 1}}}
	}}
	o, err := NewONNX(ONNXConfig{ModelsRoot: root, AutoDownload: true}, logger.Nop(),
		WithRegistry(testRegistry(srv.URL)),
		WithSessionOpener(func(string, string) (Session, error) { return session, nil }),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Load(context.Background(), pipeline.Key{Pipeline: pipeline.KindClassification, Model: sentimentModel}); err != nil {
		t.Fatal(err)
	}
	if !models.IsInstalled(root, testRegistry(srv.URL).Models[0]) {
		t.Fatal("expected bundle installed")
	}
}

func TestSoftmax_SumsToOne(t *testing.T) {
	probs := softmax([]float32{0.2, 0.4, 0.8})
	s := 0.0
	for _, p := range probs {
		s += p
	}
	if s < 0.9999 || s > 1.0001 {
		t.Fatalf("sum=%f", s)
	}
}

func TestSoftmax_MaxIsArgmax(t *testing.T) {
	idx, _ := argmax(softmax([]float32{0, 0, 10, 0}))
	if idx != 2 {
		t.Fatalf("argmax=%d", idx)
	}
}

func TestSoftmax_NumericalStability(t *testing.T) {
	for _, p := range softmax([]float32{1000, 1001, 1002}) {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			t.Fatalf("bad prob %f", p)
		}
	}
}
