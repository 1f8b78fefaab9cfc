// Package models describes the Whisper model variants that can be fetched from the hub.
package models

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml
var defaultManifest []byte

// ErrUnknownVariant is returned when a variant identifier is not listed in the manifest.
var ErrUnknownVariant = errors.New("models: unknown variant")

// Layout names how a variant's files are organised in its repository.
type Layout string

const (
	// LayoutGGML is the single-file ggml layout used by whisper.cpp.
	LayoutGGML Layout = "ggml"
	// LayoutBurn ships a tokenizer, weights and usually a model config per variant.
	LayoutBurn Layout = "burn"
)

// File is one artefact stored in a model repository.
type File struct {
	Name      string `yaml:"name"`
	SHA256    string `yaml:"sha256,omitempty"`
	SizeBytes int64  `yaml:"size_bytes,omitempty"`
}

// Variant is a manifest entry.
type Variant struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Tokenizer *File  `yaml:"tokenizer,omitempty"`
	Config    *File  `yaml:"config,omitempty"`
	Weights   File   `yaml:"weights"`
}

// Catalog groups the variants published in one repository.
type Catalog struct {
	Repo     string    `yaml:"repo"`
	Revision string    `yaml:"revision"`
	Variants []Variant `yaml:"variants"`
}

// Manifest lists the catalog of every layout.
type Manifest struct {
	Layouts map[Layout]*Catalog `yaml:"layouts"`
}

// Repository is the remote coordinate of a model.
type Repository struct {
	ID       string
	Revision string
}

// Owner returns the part of the repository id before the slash.
func (r Repository) Owner() string {
	owner, _, _ := strings.Cut(r.ID, "/")
	return owner
}

// Descriptor identifies one model variant together with the files it needs.
// Descriptors are values; callers never mutate them.
type Descriptor struct {
	Variant      string
	DisplayName  string
	Layout       Layout
	Repo         Repository
	Tokenizer    *File
	Config       *File
	Weights      File
	Multilingual bool
}

// Files returns the required files in fetch order: tokenizer, config, weights.
func (d Descriptor) Files() []File {
	files := make([]File, 0, 3)
	if d.Tokenizer != nil {
		files = append(files, *d.Tokenizer)
	}
	if d.Config != nil {
		files = append(files, *d.Config)
	}
	return append(files, d.Weights)
}

// String renders the descriptor the way model listings print it.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s) - %s", d.Variant, d.DisplayName, d.Repo.ID)
}

// LocalFiles holds the local paths of an acquired model. Tokenizer and Config
// are empty for layouts that do not ship them.
type LocalFiles struct {
	Descriptor Descriptor
	Tokenizer  string
	Config     string
	Weights    string
}

// IsMultilingual reports whether a variant id names a model trained on every language.
// English-only variants carry an "_en" or ".en" marker.
func IsMultilingual(variant string) bool {
	v := strings.ToLower(variant)
	return !strings.Contains(v, "_en") && !strings.Contains(v, ".en")
}

// DefaultManifest parses the manifest embedded in the binary.
func DefaultManifest() (Manifest, error) {
	return Parse(defaultManifest)
}

// Load decodes a manifest from r.
func Load(r io.Reader) (Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("models: read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML manifest.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("models: decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Encode writes m as YAML.
func (m Manifest) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("models: encode manifest: %w", err)
	}
	return enc.Close()
}

// Validate rejects manifests with missing coordinates or duplicated variants.
func (m Manifest) Validate() error {
	if len(m.Layouts) == 0 {
		return errors.New("models: manifest is empty")
	}
	for layout, catalog := range m.Layouts {
		if catalog == nil || strings.TrimSpace(catalog.Repo) == "" {
			return fmt.Errorf("models: layout %s: repo is required", layout)
		}
		seen := make(map[string]struct{}, len(catalog.Variants))
		for _, v := range catalog.Variants {
			if v.ID == "" {
				return fmt.Errorf("models: layout %s: variant without id", layout)
			}
			if _, dup := seen[v.ID]; dup {
				return fmt.Errorf("models: layout %s: duplicate variant %q", layout, v.ID)
			}
			seen[v.ID] = struct{}{}
			if v.Weights.Name == "" {
				return fmt.Errorf("models: layout %s: variant %q has no weights", layout, v.ID)
			}
			if layout == LayoutBurn && v.Tokenizer == nil {
				return fmt.Errorf("models: layout %s: variant %q needs a tokenizer", layout, v.ID)
			}
		}
	}
	return nil
}

// LayoutNames returns the layouts present in the manifest in a stable order.
func (m Manifest) LayoutNames() []Layout {
	out := make([]Layout, 0, len(m.Layouts))
	for l := range m.Layouts {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve returns the descriptor of variant within layout.
func (m Manifest) Resolve(layout Layout, variant string) (Descriptor, error) {
	catalog, ok := m.Layouts[layout]
	if !ok || catalog == nil {
		return Descriptor{}, fmt.Errorf("%w: layout %q", ErrUnknownVariant, layout)
	}
	id := strings.ToLower(strings.TrimSpace(variant))
	for _, v := range catalog.Variants {
		if v.ID == id {
			return catalog.describe(layout, v), nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %q (layout %s)", ErrUnknownVariant, variant, layout)
}

// List returns every variant of layout in manifest order.
func (m Manifest) List(layout Layout) []Descriptor {
	catalog, ok := m.Layouts[layout]
	if !ok || catalog == nil {
		return nil
	}
	out := make([]Descriptor, 0, len(catalog.Variants))
	for _, v := range catalog.Variants {
		out = append(out, catalog.describe(layout, v))
	}
	return out
}

func (c *Catalog) describe(layout Layout, v Variant) Descriptor {
	revision := c.Revision
	if revision == "" {
		revision = "main"
	}
	return Descriptor{
		Variant:      v.ID,
		DisplayName:  v.Name,
		Layout:       layout,
		Repo:         Repository{ID: c.Repo, Revision: revision},
		Tokenizer:    v.Tokenizer,
		Config:       v.Config,
		Weights:      v.Weights,
		Multilingual: IsMultilingual(v.ID),
	}
}
