// Package langdetect identifies the language of a text without loading any
// model. It is cheap and stateless, so callers invoke it directly.
package langdetect

import (
	"errors"
	"strings"

	"github.com/abadojack/whatlanggo"
)

var ErrUndetectable = errors.New("language could not be detected")

type Detector interface {
	Detect(text string) (string, error)
}

type DetectorFunc func(text string) (string, error)

func (f DetectorFunc) Detect(text string) (string, error) { return f(text) }

// Whatlang detects languages with whatlanggo and reports ISO 639-1 codes,
// falling back to ISO 639-3 for languages without a two-letter code.
type Whatlang struct{}

func (Whatlang) Detect(text string) (string, error) {
	return Detect(text)
}

func Detect(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrUndetectable
	}
	info := whatlanggo.Detect(text)
	code := info.Lang.Iso6391()
	if code == "" {
		code = info.Lang.Iso6393()
	}
	if code == "" {
		return "", ErrUndetectable
	}
	return code, nil
}
