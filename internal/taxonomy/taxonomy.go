// Package taxonomy loads the read-only practice-area field taxonomy that tells
// classification and extraction which fields exist for a case.
package taxonomy

import (
	_ "embed"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/docintel/internal/model"
)

//go:embed default.yaml
var defaultPack []byte

// FieldKind tells the action rules how to treat a field's value.
type FieldKind string

const (
	KindText     FieldKind = "text"
	KindName     FieldKind = "name"
	KindDate     FieldKind = "date"
	KindDeadline FieldKind = "deadline"
	KindAmount   FieldKind = "amount"
)

// Field is one extractable case field.
type Field struct {
	Key         string       `yaml:"key"`
	Label       string       `yaml:"label"`
	Kind        FieldKind    `yaml:"kind"`
	Impact      model.Impact `yaml:"impact"`
	Description string       `yaml:"description"`
}

// Category groups related fields.
type Category struct {
	Key    string  `yaml:"key"`
	Label  string  `yaml:"label"`
	Fields []Field `yaml:"fields"`
}

// PracticeArea is the taxonomy for one kind of matter.
type PracticeArea struct {
	Key        string     `yaml:"key"`
	Label      string     `yaml:"label"`
	DocTypes   []string   `yaml:"doc_types"`
	Categories []Category `yaml:"categories"`
}

// Pack is a full taxonomy keyed by practice area.
type Pack struct {
	areas map[string]PracticeArea
}

// Load reads a taxonomy pack from path. An empty path loads the built-in pack.
func Load(path string) (*Pack, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read %s", path)
	}
	return Parse(data)
}

// Default returns the built-in pack.
func Default() (*Pack, error) {
	return Parse(defaultPack)
}

// Parse decodes and validates a YAML pack.
func Parse(data []byte) (*Pack, error) {
	// The YAML has a top-level "practice_areas" key
	var wrapper struct {
		PracticeAreas []PracticeArea `yaml:"practice_areas"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "taxonomy: parse")
	}
	if len(wrapper.PracticeAreas) == 0 {
		return nil, eris.New("taxonomy: no practice areas defined")
	}

	p := &Pack{areas: make(map[string]PracticeArea, len(wrapper.PracticeAreas))}
	for _, area := range wrapper.PracticeAreas {
		if area.Key == "" {
			return nil, eris.New("taxonomy: practice area without key")
		}
		if _, dup := p.areas[area.Key]; dup {
			return nil, eris.Errorf("taxonomy: duplicate practice area %q", area.Key)
		}
		seen := make(map[string]struct{})
		for ci := range area.Categories {
			cat := &area.Categories[ci]
			for fi := range cat.Fields {
				f := &cat.Fields[fi]
				if f.Key == "" {
					return nil, eris.Errorf("taxonomy: %s/%s: field without key", area.Key, cat.Key)
				}
				if _, dup := seen[f.Key]; dup {
					return nil, eris.Errorf("taxonomy: %s: duplicate field %q", area.Key, f.Key)
				}
				seen[f.Key] = struct{}{}
				if f.Kind == "" {
					f.Kind = KindText
				}
				if f.Impact == "" {
					f.Impact = model.ImpactMedium
				}
				if !f.Impact.Valid() {
					return nil, eris.Errorf("taxonomy: %s: field %q has invalid impact %q", area.Key, f.Key, f.Impact)
				}
			}
		}
		p.areas[area.Key] = area
	}
	return p, nil
}

// Area returns the taxonomy for key.
func (p *Pack) Area(key string) (PracticeArea, bool) {
	a, ok := p.areas[key]
	return a, ok
}

// AreaOrDefault returns the area for key, falling back to fallback.
func (p *Pack) AreaOrDefault(key, fallback string) (PracticeArea, error) {
	if a, ok := p.areas[key]; ok {
		return a, nil
	}
	if a, ok := p.areas[fallback]; ok {
		return a, nil
	}
	return PracticeArea{}, eris.Errorf("taxonomy: unknown practice area %q", key)
}

// Keys lists practice area keys in sorted order.
func (p *Pack) Keys() []string {
	keys := make([]string, 0, len(p.areas))
	for k := range p.areas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Field finds a field and its category by key.
func (a PracticeArea) Field(key string) (Field, string, bool) {
	for _, c := range a.Categories {
		for _, f := range c.Fields {
			if f.Key == key {
				return f, c.Key, true
			}
		}
	}
	return Field{}, "", false
}

// FieldKeys lists every field key of the area in taxonomy order.
func (a PracticeArea) FieldKeys() []string {
	var keys []string
	for _, c := range a.Categories {
		for _, f := range c.Fields {
			keys = append(keys, f.Key)
		}
	}
	return keys
}
