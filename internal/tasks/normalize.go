package tasks

import (
	"fmt"
	"strings"
)

const (
	FieldText     = "text"
	FieldContext  = "context"
	FieldDocument = "document"
	FieldQuestion = "question"
	FieldVariant  = "variant"
)

// ValidationError reports the first required field that is missing or blank.
type ValidationError struct {
	TaskID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("task %s: field %q %s", e.TaskID, e.Field, e.Reason)
	}
	return fmt.Sprintf("task %s: missing field %q", e.TaskID, e.Field)
}

// Request is a validated call against one task. Fields keep the caller's
// values untrimmed; the question-context pair is always under "context".
type Request struct {
	TaskID  string
	Variant string
	Model   string
	Fields  map[string]string
}

func (r Request) Text() string     { return r.Fields[FieldText] }
func (r Request) Context() string  { return r.Fields[FieldContext] }
func (r Request) Question() string { return r.Fields[FieldQuestion] }

func Normalize(c *Catalog, taskID, variant string, raw map[string]string) (Request, error) {
	desc, err := c.Lookup(taskID)
	if err != nil {
		return Request{}, err
	}
	return NormalizeFor(desc, variant, raw)
}

func NormalizeFor(desc Descriptor, variant string, raw map[string]string) (Request, error) {
	req := Request{TaskID: desc.ID, Fields: map[string]string{}}
	missing := func(field string) error {
		return &ValidationError{TaskID: desc.ID, Field: field}
	}

	switch desc.Shape {
	case SingleText:
		text, ok := present(raw, FieldText)
		if !ok {
			return Request{}, missing(FieldText)
		}
		req.Fields[FieldText] = text
	case TextQuestion:
		ctx, ok := present(raw, desc.ContextField)
		if !ok {
			ctx, ok = present(raw, otherContextField(desc.ContextField))
		}
		if !ok {
			return Request{}, missing(desc.ContextField)
		}
		question, ok := present(raw, FieldQuestion)
		if !ok {
			return Request{}, missing(FieldQuestion)
		}
		req.Fields[FieldContext] = ctx
		req.Fields[FieldQuestion] = question
	case TextLanguagePair:
		text, ok := present(raw, FieldText)
		if !ok {
			return Request{}, missing(FieldText)
		}
		if strings.TrimSpace(variant) == "" {
			return Request{}, missing(FieldVariant)
		}
		if _, ok := desc.FindVariant(variant); !ok {
			return Request{}, &ValidationError{TaskID: desc.ID, Field: FieldVariant, Reason: fmt.Sprintf("has unknown value %q", variant)}
		}
		req.Fields[FieldText] = text
		req.Variant = variant
	default:
		return Request{}, fmt.Errorf("task %s: unsupported shape %q", desc.ID, desc.Shape)
	}

	if !desc.Standalone() {
		model, _ := desc.ModelFor(req.Variant)
		req.Model = model
	}
	return req, nil
}

func present(raw map[string]string, field string) (string, bool) {
	v, ok := raw[field]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func otherContextField(field string) string {
	if field == FieldDocument {
		return FieldContext
	}
	return FieldDocument
}
