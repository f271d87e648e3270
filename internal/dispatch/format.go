package dispatch

import (
	"fmt"
	"strings"
)

// Format renders a result as the short human-readable text shown by the CLI.
func Format(res Result) string {
	if res.Error != nil {
		switch res.Status {
		case StatusValidationError:
			if res.Error.MissingField != "" {
				return missingFieldMessage(res.TaskID, res.Error.MissingField)
			}
			return res.Error.Message
		default:
			return "Error: " + res.Error.Message
		}
	}

	switch p := res.Payload.(type) {
	case LabelPayload:
		if res.TaskID == "classification" {
			return fmt.Sprintf("Label: %s with score %.2f", p.Label, p.DisplayScore)
		}
		return fmt.Sprintf("Label: %s, Score: %.2f", p.Label, p.DisplayScore)
	case TextPayload:
		return textHeading(res.TaskID) + p.Text
	case EntitiesPayload:
		if len(p.Entities) == 0 {
			return "No entities found."
		}
		var b strings.Builder
		for i, e := range p.Entities {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s: %s (%.2f)", e.Group, e.Word, e.DisplayScore)
		}
		return b.String()
	case KeywordsPayload:
		return "Keywords: " + strings.Join(p.Keywords, ", ")
	case AnswerPayload:
		return "Answer: " + p.Answer
	case LanguagePayload:
		return "Detected Language: " + p.Language
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", p)
	}
}

func textHeading(taskID string) string {
	switch taskID {
	case "summarization":
		return "Summary:\n"
	case "translation":
		return "Translated Text:\n"
	case "grammar-correction":
		return "Corrected Text:\n"
	default:
		return ""
	}
}

var textPrompts = map[string]string{
	"sentiment":          "to analyze",
	"summarization":      "to summarize",
	"ner":                "for entity extraction",
	"translation":        "to translate",
	"grammar-correction": "for grammar correction",
	"classification":     "for classification",
	"language-detection": "to detect language",
	"keywords":           "to extract keywords",
}

func missingFieldMessage(taskID, field string) string {
	switch field {
	case "text":
		if prompt, ok := textPrompts[taskID]; ok {
			return "Please enter text " + prompt + "."
		}
	case "question", "context", "document":
		source := "context"
		if taskID == "document-qa" {
			source = "document"
		}
		return fmt.Sprintf("Please provide both %s and question.", source)
	case "variant":
		return "Please choose a language pair."
	}
	return fmt.Sprintf("Please provide %s.", field)
}
