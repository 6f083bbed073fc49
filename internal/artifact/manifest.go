package artifact

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"puddlejobs/internal/domain"
)

// KindJob marks an entry that implements the job capability.
const KindJob = "job"

type Manifest struct {
	Name    string  `yaml:"name,omitempty"`
	Entries []Entry `yaml:"entries"`
}

type Entry struct {
	Name     string            `yaml:"name"`
	Kind     string            `yaml:"kind"`
	Abstract bool              `yaml:"abstract,omitempty"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`

	Parameters []Parameter `yaml:"parameters,omitempty"`
}

type Parameter struct {
	Name        string  `yaml:"name"`
	Type        string  `yaml:"type"`
	Required    bool    `yaml:"required,omitempty"`
	Default     *string `yaml:"default,omitempty"`
	Description string  `yaml:"description,omitempty"`
}

// IsJob reports whether e can be instantiated as a job.
func (e Entry) IsJob() bool {
	return strings.EqualFold(strings.TrimSpace(e.Kind), KindJob) && !e.Abstract
}

// Definitions converts the declared parameters to their persisted form.
func (e Entry) Definitions() []domain.ParameterDefinition {
	if len(e.Parameters) == 0 {
		return nil
	}
	out := make([]domain.ParameterDefinition, 0, len(e.Parameters))
	for _, p := range e.Parameters {
		out = append(out, domain.ParameterDefinition{
			Name:        strings.TrimSpace(p.Name),
			Type:        strings.TrimSpace(p.Type),
			Required:    p.Required,
			Default:     p.Default,
			Description: p.Description,
		})
	}
	return out
}

// ParseManifest decodes a manifest strictly: unknown keys are errors.
func ParseManifest(b []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	for i, e := range m.Entries {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("%w: entry %d has no name", ErrInvalidManifest, i)
		}
	}
	return &m, nil
}

func readManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
		}
		return nil, err
	}
	return ParseManifest(b)
}
