// Package pipeline resolves (pipeline, model) keys to loaded inference engines
// and keeps each one resident for the life of the process.
package pipeline

import (
	"context"
	"fmt"
)

const (
	KindSentiment      = "sentiment-analysis"
	KindClassification = "text-classification"
	KindSummarization  = "summarization"
	KindNER            = "ner"
	KindTranslation    = "translation"
	KindQA             = "question-answering"
	KindText2Text      = "text2text-generation"
)

type Key struct {
	Pipeline string `json:"pipeline"`
	Model    string `json:"model"`
}

func (k Key) String() string {
	return fmt.Sprintf("(%s, %s)", k.Pipeline, k.Model)
}

// flightKey is unambiguous for any model identifier.
func (k Key) flightKey() string {
	return k.Pipeline + "\x00" + k.Model
}

type GenerateOptions struct {
	MinLength int
	MaxLength int
	DoSample  bool
}

// Input carries whichever fields the pipeline consumes: Text for single-text
// pipelines, Context and Question for question answering.
type Input struct {
	Text     string
	Context  string
	Question string
	Generate *GenerateOptions
}

type Label struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Entity and Span offsets are byte offsets into the input text.
type Entity struct {
	Group string  `json:"entity_group"`
	Word  string  `json:"word"`
	Score float64 `json:"score"`
	Start int     `json:"start"`
	End   int     `json:"end"`
}

type Span struct {
	Text  string  `json:"answer"`
	Score float64 `json:"score"`
	Start int     `json:"start"`
	End   int     `json:"end"`
}

type Output struct {
	Labels   []Label
	Entities []Entity
	Text     string
	Answer   *Span
}

type Engine interface {
	Run(ctx context.Context, in Input) (Output, error)
}

// Provider constructs engines. Construction with the same key must yield
// functionally equivalent engines.
type Provider interface {
	Load(ctx context.Context, key Key) (Engine, error)
}

type ProviderFunc func(ctx context.Context, key Key) (Engine, error)

func (f ProviderFunc) Load(ctx context.Context, key Key) (Engine, error) {
	return f(ctx, key)
}

type EngineFunc func(ctx context.Context, in Input) (Output, error)

func (f EngineFunc) Run(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// EngineLoadError is returned when a provider fails to construct an engine.
// The key is not remembered as failed.
type EngineLoadError struct {
	Key Key
	Err error
}

func (e *EngineLoadError) Error() string {
	return fmt.Sprintf("load engine %s: %v", e.Key, e.Err)
}

func (e *EngineLoadError) Unwrap() error {
	return e.Err
}
