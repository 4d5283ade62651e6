// Package manifest loads the chapter manifest produced by the text pipeline.
package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jackzampolin/chorus/internal/coordinator"
	"github.com/jackzampolin/chorus/internal/synth"
)

//go:embed schema.json
var schemaJSON []byte

var ErrInvalid = errors.New("invalid manifest")

// Manifest is a book ready for distribution.
type Manifest struct {
	SessionID string                `json:"session_id,omitempty"`
	Title     string                `json:"title,omitempty"`
	Author    string                `json:"author,omitempty"`
	Metadata  map[string]string     `json:"metadata,omitempty"`
	Config    synth.Config          `json:"config"`
	Chapters  []coordinator.Chapter `json:"chapters"`
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("manifest.json", bytes.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("failed to load manifest schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("manifest.json")
	})
	return compiled, compileErr
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse validates data against the manifest schema and decodes it.
// Chapters without ids are numbered 1..N in file order.
func Parse(data []byte) (*Manifest, error) {
	s, err := schema()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	for i := range m.Chapters {
		if m.Chapters[i].ID == 0 {
			m.Chapters[i].ID = i + 1
		}
	}
	if err := coordinator.ValidateChapters(m.Chapters); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	sort.Slice(m.Chapters, func(i, j int) bool { return m.Chapters[i].ID < m.Chapters[j].ID })
	return &m, nil
}

// CombineMetadata returns the container tags for the combined audiobook.
func (m *Manifest) CombineMetadata() map[string]string {
	tags := make(map[string]string, len(m.Metadata)+2)
	for k, v := range m.Metadata {
		tags[k] = v
	}
	if m.Title != "" {
		tags["title"] = m.Title
		tags["album"] = m.Title
	}
	if m.Author != "" {
		tags["artist"] = m.Author
	}
	return tags
}
