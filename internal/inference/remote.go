package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"nlpkit/internal/logger"
	"nlpkit/internal/pipeline"
)

const (
	DefaultRemoteBaseURL = "https://api-inference.huggingface.co"
	DefaultHubURL        = "https://huggingface.co"
)

type RemoteConfig struct {
	BaseURL string
	HubURL  string
	Token   string
	Timeout time.Duration
	// Probe checks the model exists on the hub when an engine is constructed.
	Probe bool
}

// Remote constructs engines that call a hosted inference API. Engines share
// one HTTP client and hold no other state.
type Remote struct {
	cfg    RemoteConfig
	client *resty.Client
	hub    *resty.Client
	log    logger.Logger
}

func NewRemote(cfg RemoteConfig, log logger.Logger) *Remote {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultRemoteBaseURL
	}
	if cfg.HubURL == "" {
		cfg.HubURL = DefaultHubURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Remote{
		cfg:    cfg,
		client: newRestyClient(cfg.BaseURL, cfg.Token, cfg.Timeout),
		hub:    newRestyClient(cfg.HubURL, cfg.Token, cfg.Timeout),
		log:    log.With("provider", "remote"),
	}
}

func newRestyClient(baseURL, token string, timeout time.Duration) *resty.Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return c
}

func (r *Remote) Load(ctx context.Context, key pipeline.Key) (pipeline.Engine, error) {
	if !remotePipelines[key.Pipeline] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPipeline, key.Pipeline)
	}
	if r.cfg.Probe {
		if err := r.probe(ctx, key.Model); err != nil {
			return nil, err
		}
	}
	r.log.Debug("remote engine ready", "key", key.String())
	return &remoteEngine{client: r.client, key: key}, nil
}

func (r *Remote) probe(ctx context.Context, model string) error {
	resp, err := r.hub.R().SetContext(ctx).Get("/api/models/" + model)
	if err != nil {
		return fmt.Errorf("probe model %s: %w", model, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrModelNotFound, model)
	case resp.IsError():
		return fmt.Errorf("probe model %s: %w", model, &RemoteError{Status: resp.StatusCode(), Message: errorMessage(resp.Body())})
	}
	return nil
}

var remotePipelines = map[string]bool{
	pipeline.KindSentiment:      true,
	pipeline.KindClassification: true,
	pipeline.KindSummarization:  true,
	pipeline.KindNER:            true,
	pipeline.KindTranslation:    true,
	pipeline.KindQA:             true,
	pipeline.KindText2Text:      true,
}

type remoteEngine struct {
	client *resty.Client
	key    pipeline.Key
}

type hfRequest struct {
	Inputs     any            `json:"inputs"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type hfQAInputs struct {
	Question string `json:"question"`
	Context  string `json:"context"`
}

type hfEntity struct {
	EntityGroup string  `json:"entity_group"`
	Word        string  `json:"word"`
	Score       float64 `json:"score"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
}

type hfAnswer struct {
	Answer string  `json:"answer"`
	Score  float64 `json:"score"`
	Start  int     `json:"start"`
	End    int     `json:"end"`
}

type hfGenerated struct {
	SummaryText     string `json:"summary_text"`
	TranslationText string `json:"translation_text"`
	GeneratedText   string `json:"generated_text"`
}

func (e *remoteEngine) Run(ctx context.Context, in pipeline.Input) (pipeline.Output, error) {
	switch e.key.Pipeline {
	case pipeline.KindSentiment, pipeline.KindClassification:
		raw, err := e.post(ctx, hfRequest{Inputs: in.Text})
		if err != nil {
			return pipeline.Output{}, err
		}
		labels, err := decodeLabels(raw)
		if err != nil {
			return pipeline.Output{}, err
		}
		return pipeline.Output{Labels: labels}, nil

	case pipeline.KindNER:
		raw, err := e.post(ctx, hfRequest{Inputs: in.Text, Parameters: map[string]any{"aggregation_strategy": "simple"}})
		if err != nil {
			return pipeline.Output{}, err
		}
		var ents []hfEntity
		if err := json.Unmarshal(raw, &ents); err != nil {
			return pipeline.Output{}, fmt.Errorf("decode entities: %w", err)
		}
		out := pipeline.Output{Entities: make([]pipeline.Entity, 0, len(ents))}
		for _, ent := range ents {
			start, end := locate(in.Text, ent.Start, ent.End, ent.Word)
			out.Entities = append(out.Entities, pipeline.Entity{
				Group: ent.EntityGroup,
				Word:  ent.Word,
				Score: ent.Score,
				Start: start,
				End:   end,
			})
		}
		return out, nil

	case pipeline.KindQA:
		raw, err := e.post(ctx, hfRequest{Inputs: hfQAInputs{Question: in.Question, Context: in.Context}})
		if err != nil {
			return pipeline.Output{}, err
		}
		var ans hfAnswer
		if err := json.Unmarshal(raw, &ans); err != nil {
			return pipeline.Output{}, fmt.Errorf("decode answer: %w", err)
		}
		span := &pipeline.Span{Text: ans.Answer, Score: ans.Score}
		if start, end, ok := byteOffsets(in.Context, ans.Start, ans.End); ok && start < end {
			span.Text = in.Context[start:end]
			span.Start, span.End = start, end
		} else {
			span.Start, span.End = locate(in.Context, -1, -1, ans.Answer)
		}
		return pipeline.Output{Answer: span}, nil

	case pipeline.KindSummarization, pipeline.KindTranslation, pipeline.KindText2Text:
		req := hfRequest{Inputs: in.Text}
		if g := in.Generate; g != nil {
			req.Parameters = map[string]any{
				"min_length": g.MinLength,
				"max_length": g.MaxLength,
				"do_sample":  g.DoSample,
			}
		}
		raw, err := e.post(ctx, req)
		if err != nil {
			return pipeline.Output{}, err
		}
		var gen []hfGenerated
		if err := json.Unmarshal(raw, &gen); err != nil {
			return pipeline.Output{}, fmt.Errorf("decode generated text: %w", err)
		}
		if len(gen) == 0 {
			return pipeline.Output{}, nil
		}
		g := gen[0]
		text := g.GeneratedText
		switch e.key.Pipeline {
		case pipeline.KindSummarization:
			text = g.SummaryText
		case pipeline.KindTranslation:
			text = g.TranslationText
		}
		return pipeline.Output{Text: text}, nil
	}
	return pipeline.Output{}, fmt.Errorf("%w: %s", ErrUnsupportedPipeline, e.key.Pipeline)
}

func (e *remoteEngine) post(ctx context.Context, body hfRequest) ([]byte, error) {
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/models/" + e.key.Model)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", e.key, err)
	}
	if resp.IsError() {
		return nil, &RemoteError{Status: resp.StatusCode(), Message: errorMessage(resp.Body())}
	}
	return resp.Body(), nil
}

// decodeLabels accepts both the nested [[...]] and flat [...] label shapes.
func decodeLabels(raw []byte) ([]pipeline.Label, error) {
	var nested [][]pipeline.Label
	if err := json.Unmarshal(raw, &nested); err == nil {
		if len(nested) == 0 {
			return nil, nil
		}
		return nested[0], nil
	}
	var flat []pipeline.Label
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	return flat, nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != nil {
		return fmt.Sprint(e.Error)
	}
	return strings.TrimSpace(string(body))
}

// byteOffsets converts the code point offsets reported by the inference API
// into byte offsets of s.
func byteOffsets(s string, start, end int) (int, int, bool) {
	if start < 0 || end < start {
		return 0, 0, false
	}
	bs, be, n := -1, -1, 0
	for i := range s {
		if n == start {
			bs = i
		}
		if n == end {
			be = i
		}
		n++
	}
	if n == start {
		bs = len(s)
	}
	if n == end {
		be = len(s)
	}
	if bs < 0 || be < 0 {
		return 0, 0, false
	}
	return bs, be, true
}

// locate returns byte offsets for code point offsets start and end, falling
// back to the first occurrence of word when they do not fit s.
func locate(s string, start, end int, word string) (int, int) {
	if bs, be, ok := byteOffsets(s, start, end); ok && bs < be {
		return bs, be
	}
	word = strings.TrimSpace(word)
	if word == "" {
		return 0, 0
	}
	if i := strings.Index(s, word); i >= 0 {
		return i, i + len(word)
	}
	return 0, 0
}
