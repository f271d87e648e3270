// Package models manages locally installed ONNX model bundles: the embedded
// registry of known bundles, install paths, and the downloader.
package models

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

//go:embed registry.json
var embeddedRegistry []byte

// RequiredFiles must all be present in an installed bundle.
var RequiredFiles = []string{"model.onnx", "tokenizer.json", "config.json"}

type Registry struct {
	Version string      `json:"version"`
	Models  []ModelSpec `json:"models"`
}

type FileSpec struct {
	// Path is relative to the model's Source unless URL is set.
	Path     string `json:"path"`
	URL      string `json:"url,omitempty"`
	Name     string `json:"name"`
	Checksum string `json:"checksum,omitempty"`
}

type ModelSpec struct {
	Name        string     `json:"name"`
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Pipelines   []string   `json:"pipelines"`
	Language    string     `json:"language"`
	Source      string     `json:"source"`
	Files       []FileSpec `json:"files"`
	SizeBytes   int64      `json:"size_bytes"`
	Description string     `json:"description"`
	License     string     `json:"license"`
	Recommended bool       `json:"recommended"`
}

func (m ModelSpec) Serves(pipelineKind string) bool {
	return slices.Contains(m.Pipelines, pipelineKind)
}

func (f FileSpec) DownloadURL(source string) string {
	if f.URL != "" {
		return f.URL
	}
	return strings.TrimRight(source, "/") + "/" + strings.TrimLeft(f.Path, "/")
}

func LoadEmbeddedRegistry() (Registry, error) {
	return parseRegistry(embeddedRegistry)
}

func parseRegistry(data []byte) (Registry, error) {
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return Registry{}, fmt.Errorf("parse model registry: %w", err)
	}
	sort.Slice(reg.Models, func(i, j int) bool { return reg.Models[i].Name < reg.Models[j].Name })
	return reg, nil
}

// Find matches a bundle by install name or by model id.
func (r Registry) Find(name string) (ModelSpec, bool) {
	for _, m := range r.Models {
		if m.Name == name || m.ID == name {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// FindFor returns the bundle for a model id that serves the pipeline kind.
func (r Registry) FindFor(modelID, pipelineKind string) (ModelSpec, bool) {
	m, ok := r.Find(modelID)
	if !ok || !m.Serves(pipelineKind) {
		return ModelSpec{}, false
	}
	return m, true
}

func DefaultModelsRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".nlpkit", "models"), nil
}

func ModelInstallPath(root string, name string) string {
	return filepath.Join(root, name)
}

func IsInstalled(root string, model ModelSpec) bool {
	return hasRequiredFiles(ModelInstallPath(root, model.Name))
}

func hasRequiredFiles(dir string) bool {
	for _, f := range RequiredFiles {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return false
		}
	}
	return true
}

// Labels reads id2label from an installed bundle's config.json.
func Labels(dir string) (map[int]string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}
	var cfg struct {
		ID2Label map[string]string `json:"id2label"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	labels := make(map[int]string, len(cfg.ID2Label))
	for k, v := range cfg.ID2Label {
		var idx int
		if _, err := fmt.Sscanf(k, "%d", &idx); err != nil {
			return nil, fmt.Errorf("config.json id2label key %q: %w", k, err)
		}
		labels[idx] = v
	}
	return labels, nil
}
