package dispatch

import (
	"math"

	"nlpkit/internal/pipeline"
)

type Status string

const (
	StatusOK              Status = "ok"
	StatusValidationError Status = "validation_error"
	StatusEngineError     Status = "engine_error"
)

type ErrorKind string

const (
	ErrorUnknownTask ErrorKind = "unknown_task"
	ErrorValidation  ErrorKind = "validation"
	ErrorEngineLoad  ErrorKind = "engine_load"
	ErrorEngine      ErrorKind = "engine"
)

type ErrorInfo struct {
	Kind         ErrorKind     `json:"kind"`
	Message      string        `json:"message"`
	MissingField string        `json:"missing_field,omitempty"`
	Key          *pipeline.Key `json:"key,omitempty"`
}

type Result struct {
	RequestID   string      `json:"request_id"`
	TaskID      string      `json:"task"`
	Status      Status      `json:"status"`
	Error       *ErrorInfo  `json:"error,omitempty"`
	PayloadKind PayloadKind `json:"payload_kind,omitempty"`
	Payload     Payload     `json:"payload,omitempty"`
}

func (r Result) OK() bool { return r.Status == StatusOK }

type PayloadKind string

const (
	PayloadLabel    PayloadKind = "label"
	PayloadEntities PayloadKind = "entities"
	PayloadText     PayloadKind = "text"
	PayloadAnswer   PayloadKind = "answer"
	PayloadLanguage PayloadKind = "language"
	PayloadKeywords PayloadKind = "keywords"
)

// Payload is one of the task-specific result values below.
type Payload interface {
	Kind() PayloadKind
}

// LabelPayload keeps the engine's raw score; DisplayScore is the rounded
// value shown to users.
type LabelPayload struct {
	Label        string  `json:"label"`
	Score        float64 `json:"score"`
	DisplayScore float64 `json:"display_score"`
}

type EntityItem struct {
	Group        string  `json:"entity_group"`
	Word         string  `json:"word"`
	Score        float64 `json:"score"`
	DisplayScore float64 `json:"display_score"`
	Start        int     `json:"start"`
	End          int     `json:"end"`
}

type EntitiesPayload struct {
	Entities []EntityItem `json:"entities"`
}

type TextPayload struct {
	Text string `json:"text"`
}

// AnswerPayload has no score: answers are shown without a confidence.
type AnswerPayload struct {
	Answer string `json:"answer"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

type LanguagePayload struct {
	Language string `json:"language"`
}

type KeywordsPayload struct {
	Keywords []string `json:"keywords"`
}

func (LabelPayload) Kind() PayloadKind    { return PayloadLabel }
func (EntitiesPayload) Kind() PayloadKind { return PayloadEntities }
func (TextPayload) Kind() PayloadKind     { return PayloadText }
func (AnswerPayload) Kind() PayloadKind   { return PayloadAnswer }
func (LanguagePayload) Kind() PayloadKind { return PayloadLanguage }
func (KeywordsPayload) Kind() PayloadKind { return PayloadKeywords }

// RoundScore rounds a score to two decimals for display.
func RoundScore(score float64) float64 {
	return math.Round(score*100) / 100
}
