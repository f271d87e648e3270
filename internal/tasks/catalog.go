package tasks

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

//go:embed catalog.json
var embeddedCatalog []byte

var ErrUnknownTask = errors.New("unknown task")

type Shape string

const (
	SingleText       Shape = "single_text"
	TextQuestion     Shape = "text_question"
	TextLanguagePair Shape = "text_language_pair"
)

// Output names the payload a task produces.
type Output string

const (
	OutputLabel    Output = "label"
	OutputText     Output = "text"
	OutputEntities Output = "entities"
	OutputKeywords Output = "keywords"
	OutputAnswer   Output = "answer"
	OutputLanguage Output = "language"
)

type Variant struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

type Generation struct {
	MinLength int  `json:"min_length"`
	MaxLength int  `json:"max_length"`
	DoSample  bool `json:"do_sample"`
}

type Descriptor struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Shape        Shape       `json:"shape"`
	Pipeline     string      `json:"pipeline,omitempty"`
	DefaultModel string      `json:"default_model,omitempty"`
	Variants     []Variant   `json:"variants,omitempty"`
	ContextField string      `json:"context_field,omitempty"`
	Output       Output      `json:"output"`
	Generation   *Generation `json:"generation,omitempty"`
	Example      string      `json:"example,omitempty"`
}

// Standalone reports whether the task runs without a cached engine.
func (d Descriptor) Standalone() bool {
	return d.Pipeline == ""
}

func (d Descriptor) FindVariant(name string) (Variant, bool) {
	for _, v := range d.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

// ModelFor returns the model a request with the given variant should use.
func (d Descriptor) ModelFor(variant string) (string, bool) {
	if len(d.Variants) == 0 {
		return d.DefaultModel, true
	}
	v, ok := d.FindVariant(variant)
	if !ok {
		return "", false
	}
	return v.Model, true
}

func (d Descriptor) VariantNames() []string {
	out := make([]string, 0, len(d.Variants))
	for _, v := range d.Variants {
		out = append(out, v.Name)
	}
	return out
}

type Catalog struct {
	Version string
	tasks   []Descriptor
	index   map[string]int
}

type catalogJSON struct {
	Version string       `json:"version"`
	Tasks   []Descriptor `json:"tasks"`
}

func LoadEmbeddedCatalog() (*Catalog, error) {
	return parseCatalog(embeddedCatalog)
}

// MustLoad panics if the embedded catalog is invalid.
func MustLoad() *Catalog {
	c, err := LoadEmbeddedCatalog()
	if err != nil {
		panic(err)
	}
	return c
}

func parseCatalog(data []byte) (*Catalog, error) {
	var raw catalogJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse task catalog: %w", err)
	}
	return NewCatalog(raw.Version, raw.Tasks)
}

func NewCatalog(version string, descriptors []Descriptor) (*Catalog, error) {
	c := &Catalog{Version: version, index: make(map[string]int, len(descriptors)*2)}
	for _, d := range descriptors {
		if err := validateDescriptor(d); err != nil {
			return nil, err
		}
		for _, k := range []string{d.ID, d.Name} {
			key := normalizeKey(k)
			if _, dup := c.index[key]; dup {
				return nil, fmt.Errorf("task %q: duplicate selector %q", d.ID, k)
			}
			c.index[key] = len(c.tasks)
		}
		c.tasks = append(c.tasks, d)
	}
	return c, nil
}

func validateDescriptor(d Descriptor) error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("task with empty id")
	}
	if d.Name == "" {
		return fmt.Errorf("task %q: empty name", d.ID)
	}
	switch d.Shape {
	case SingleText, TextLanguagePair:
	case TextQuestion:
		if d.ContextField != "context" && d.ContextField != "document" {
			return fmt.Errorf("task %q: context_field must be context or document", d.ID)
		}
	default:
		return fmt.Errorf("task %q: invalid shape %q", d.ID, d.Shape)
	}
	if len(d.Variants) > 0 && d.Shape != TextLanguagePair {
		return fmt.Errorf("task %q: variants require shape %s", d.ID, TextLanguagePair)
	}
	if d.Shape == TextLanguagePair && len(d.Variants) == 0 {
		return fmt.Errorf("task %q: shape %s without variants", d.ID, d.Shape)
	}
	if d.Pipeline != "" && d.DefaultModel == "" && len(d.Variants) == 0 {
		return fmt.Errorf("task %q: no default model", d.ID)
	}
	if d.Pipeline == "" && d.Output != OutputLanguage {
		return fmt.Errorf("task %q: only language detection runs without a pipeline", d.ID)
	}
	return nil
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Lookup accepts a task id or its display name.
func (c *Catalog) Lookup(selector string) (Descriptor, error) {
	i, ok := c.index[normalizeKey(selector)]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownTask, selector)
	}
	return c.tasks[i], nil
}

func (c *Catalog) All() []Descriptor {
	out := make([]Descriptor, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// DefaultModels maps each pipeline to the default model of the first task using it.
func (c *Catalog) DefaultModels() map[string]string {
	out := map[string]string{}
	for _, d := range c.tasks {
		if d.Pipeline == "" || d.DefaultModel == "" {
			continue
		}
		if _, ok := out[d.Pipeline]; !ok {
			out[d.Pipeline] = d.DefaultModel
		}
	}
	return out
}

// WithModelOverrides returns a copy of the catalog whose default models are
// replaced by overrides keyed by task id.
func (c *Catalog) WithModelOverrides(overrides map[string]string) (*Catalog, error) {
	tasks := c.All()
	for id, model := range overrides {
		i, ok := c.index[normalizeKey(id)]
		if !ok {
			return nil, fmt.Errorf("model override: %w: %q", ErrUnknownTask, id)
		}
		if tasks[i].Pipeline == "" || len(tasks[i].Variants) > 0 {
			return nil, fmt.Errorf("model override: task %q has no default model", tasks[i].ID)
		}
		if strings.TrimSpace(model) == "" {
			continue
		}
		tasks[i].DefaultModel = model
	}
	return NewCatalog(c.Version, tasks)
}
