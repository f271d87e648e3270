package dispatch

import (
	"errors"
	"strings"

	"nlpkit/internal/pipeline"
	"nlpkit/internal/tasks"
)

var (
	ErrNoLabels    = errors.New("engine returned no labels")
	ErrEmptyText   = errors.New("engine returned empty text")
	ErrNoAnswer    = errors.New("engine returned no answer")
	ErrNilEntities = errors.New("engine returned no entity list")
)

// shaper turns raw engine output into the payload a task promises.
type shaper func(out pipeline.Output) (Payload, error)

func defaultShapers() map[tasks.Output]shaper {
	return map[tasks.Output]shaper{
		tasks.OutputLabel:    shapeLabel,
		tasks.OutputText:     shapeText,
		tasks.OutputEntities: shapeEntities,
		tasks.OutputKeywords: shapeKeywords,
		tasks.OutputAnswer:   shapeAnswer,
	}
}

// shapeLabel picks the highest-scoring label. Ties keep the first.
func shapeLabel(out pipeline.Output) (Payload, error) {
	if len(out.Labels) == 0 {
		return nil, ErrNoLabels
	}
	best := out.Labels[0]
	for _, l := range out.Labels[1:] {
		if l.Score > best.Score {
			best = l
		}
	}
	return LabelPayload{Label: best.Label, Score: best.Score, DisplayScore: RoundScore(best.Score)}, nil
}

func shapeText(out pipeline.Output) (Payload, error) {
	if strings.TrimSpace(out.Text) == "" {
		return nil, ErrEmptyText
	}
	return TextPayload{Text: out.Text}, nil
}

func shapeEntities(out pipeline.Output) (Payload, error) {
	if out.Entities == nil {
		return nil, ErrNilEntities
	}
	items := make([]EntityItem, 0, len(out.Entities))
	for _, e := range out.Entities {
		items = append(items, EntityItem{
			Group:        e.Group,
			Word:         e.Word,
			Score:        e.Score,
			DisplayScore: RoundScore(e.Score),
			Start:        e.Start,
			End:          e.End,
		})
	}
	return EntitiesPayload{Entities: items}, nil
}

// shapeKeywords keeps each entity surface form once, in first-seen order.
func shapeKeywords(out pipeline.Output) (Payload, error) {
	if out.Entities == nil {
		return nil, ErrNilEntities
	}
	seen := make(map[string]struct{}, len(out.Entities))
	words := make([]string, 0, len(out.Entities))
	for _, e := range out.Entities {
		if strings.TrimSpace(e.Word) == "" {
			continue
		}
		if _, ok := seen[e.Word]; ok {
			continue
		}
		seen[e.Word] = struct{}{}
		words = append(words, e.Word)
	}
	return KeywordsPayload{Keywords: words}, nil
}

func shapeAnswer(out pipeline.Output) (Payload, error) {
	if out.Answer == nil {
		return nil, ErrNoAnswer
	}
	return AnswerPayload{Answer: out.Answer.Text, Start: out.Answer.Start, End: out.Answer.End}, nil
}
