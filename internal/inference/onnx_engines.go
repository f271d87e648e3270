package inference

import (
	"context"
	"fmt"
	"math"

	"nlpkit/internal/pipeline"
)

type onnxEngine struct {
	tokenizer *WordPieceTokenizer
	session   Session
	labels    map[int]string
}

func (e onnxEngine) Close() error { return e.session.Close() }

func (e onnxEngine) label(idx int) string {
	if l, ok := e.labels[idx]; ok {
		return l
	}
	return fmt.Sprintf("LABEL_%d", idx)
}

func (e onnxEngine) run(ctx context.Context, enc *Encoding, want int) ([]Tensor, error) {
	outs, err := e.session.Run(ctx, enc)
	if err != nil {
		return nil, err
	}
	if len(outs) < want {
		return nil, fmt.Errorf("model returned %d outputs, want %d", len(outs), want)
	}
	return outs, nil
}

// labelEngine serves sentiment and text classification.
type labelEngine struct{ onnxEngine }

func (e *labelEngine) Run(ctx context.Context, in pipeline.Input) (pipeline.Output, error) {
	outs, err := e.run(ctx, e.tokenizer.Encode(in.Text), 1)
	if err != nil {
		return pipeline.Output{}, err
	}
	probs := softmax(outs[0].Data)
	out := pipeline.Output{Labels: make([]pipeline.Label, 0, len(probs))}
	for i, p := range probs {
		out.Labels = append(out.Labels, pipeline.Label{Label: e.label(i), Score: p})
	}
	return out, nil
}

type nerEngine struct{ onnxEngine }

// Run labels each word by its first word piece and merges BIO runs.
func (e *nerEngine) Run(ctx context.Context, in pipeline.Input) (pipeline.Output, error) {
	enc := e.tokenizer.Encode(in.Text)
	outs, err := e.run(ctx, enc, 1)
	if err != nil {
		return pipeline.Output{}, err
	}
	rows, err := outs[0].Rows()
	if err != nil {
		return pipeline.Output{}, err
	}
	if len(rows) != enc.Len() {
		return pipeline.Output{}, fmt.Errorf("model returned %d token rows for %d tokens", len(rows), enc.Len())
	}

	words := enc.Words[0]
	labels := make([]string, len(words))
	scores := make([]float64, len(words))
	for i := range labels {
		labels[i] = "O"
	}
	for i, row := range rows {
		if !enc.FirstPiece(i) {
			continue
		}
		idx, p := argmax(softmax(row))
		labels[enc.WordIndex[i]] = e.label(idx)
		scores[enc.WordIndex[i]] = p
	}
	return pipeline.Output{Entities: groupEntities(in.Text, words, labels, scores)}, nil
}

type qaEngine struct {
	onnxEngine
	maxAnswerTokens int
}

// Run picks the context span maximizing start+end logits and maps it back to
// word offsets in the context.
func (e *qaEngine) Run(ctx context.Context, in pipeline.Input) (pipeline.Output, error) {
	enc := e.tokenizer.EncodePair(in.Question, in.Context)
	outs, err := e.run(ctx, enc, 2)
	if err != nil {
		return pipeline.Output{}, err
	}
	start, end := outs[0].Data, outs[1].Data
	if len(start) != enc.Len() || len(end) != enc.Len() {
		return pipeline.Output{}, fmt.Errorf("model returned %d/%d logits for %d tokens", len(start), len(end), enc.Len())
	}

	bestI, bestJ := -1, -1
	best := math.Inf(-1)
	for i := 0; i < enc.Len(); i++ {
		if enc.Segment[i] != 1 {
			continue
		}
		for j := i; j < enc.Len() && j-i < e.maxAnswerTokens; j++ {
			if enc.Segment[j] != 1 {
				break
			}
			if s := float64(start[i]) + float64(end[j]); s > best {
				best, bestI, bestJ = s, i, j
			}
		}
	}
	if bestI < 0 {
		return pipeline.Output{}, nil
	}

	startProbs, endProbs := softmax(start), softmax(end)
	words := enc.Words[1]
	first, last := words[enc.WordIndex[bestI]], words[enc.WordIndex[bestJ]]
	return pipeline.Output{Answer: &pipeline.Span{
		Text:  in.Context[first.Start:last.End],
		Score: startProbs[bestI] * endProbs[bestJ],
		Start: first.Start,
		End:   last.End,
	}}, nil
}

func softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := float64(logits[0])
	for _, l := range logits[1:] {
		maxLogit = math.Max(maxLogit, float64(l))
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, l := range logits {
		out[i] = math.Exp(float64(l) - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func argmax(probs []float64) (int, float64) {
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return best, probs[best]
}
