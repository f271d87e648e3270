package inference

import (
	"strings"

	"nlpkit/internal/pipeline"
)

// groupEntities merges per-word BIO labels into entity spans. An I- label of
// the current type extends the span; anything else closes it. Span scores are
// the mean of their word scores and Word is the exact source substring.
func groupEntities(text string, words []Token, labels []string, scores []float64) []pipeline.Entity {
	out := make([]pipeline.Entity, 0)
	var cur *pipeline.Entity
	n := 0
	closeSpan := func() {
		if cur == nil {
			return
		}
		cur.Score /= float64(n)
		cur.Word = text[cur.Start:cur.End]
		out = append(out, *cur)
		cur, n = nil, 0
	}
	for i, w := range words {
		prefix, typ, ok := splitBIO(labels[i])
		if !ok {
			closeSpan()
			continue
		}
		if prefix == "I" && cur != nil && cur.Group == typ {
			cur.End = w.End
			cur.Score += scores[i]
			n++
			continue
		}
		closeSpan()
		cur = &pipeline.Entity{Group: typ, Start: w.Start, End: w.End, Score: scores[i]}
		n = 1
	}
	closeSpan()
	return out
}

func splitBIO(label string) (prefix, typ string, ok bool) {
	if label == "" || label == "O" {
		return "", "", false
	}
	prefix, typ, found := strings.Cut(label, "-")
	if !found || (prefix != "B" && prefix != "I") || typ == "" {
		return "", "", false
	}
	return prefix, typ, true
}
