package params

import (
	"fmt"

	"puddlejobs/internal/domain"
)

// Resolve computes the effective parameter set for one firing.
//
// For each definition: a non-empty override wins, else a non-empty default,
// else a required definition fails with *MissingRequiredError, else the
// parameter is left out. Values are converted to their declared type.
// Overrides without a definition are ignored.
func Resolve(defs []domain.ParameterDefinition, values []domain.ParameterValue) (map[string]any, error) {
	overrides := make(map[string]string, len(values))
	for _, v := range values {
		if v.Value != nil && *v.Value != "" {
			overrides[v.Name] = *v.Value
		}
	}

	out := make(map[string]any, len(defs))
	for _, def := range defs {
		raw, ok := overrides[def.Name]
		if !ok && def.Default != nil && *def.Default != "" {
			raw, ok = *def.Default, true
		}
		if !ok {
			if def.Required {
				return nil, &MissingRequiredError{Name: def.Name}
			}
			continue
		}

		t, err := ParseType(def.Type)
		if err != nil {
			return nil, &UnsupportedTypeError{Name: def.Name, Type: def.Type}
		}
		v, err := t.Convert(raw)
		if err != nil {
			if ce, ok := err.(*ConversionError); ok {
				ce.Name = def.Name
			}
			return nil, err
		}
		out[def.Name] = v
	}
	return out, nil
}

// Validate checks a proposed override set against the definitions of the
// active version: required names present and non-empty, values convertible,
// no names without a definition. A nil value counts as empty.
func Validate(defs []domain.ParameterDefinition, provided map[string]*string) error {
	byName := make(map[string]domain.ParameterDefinition, len(defs))
	for _, def := range defs {
		byName[def.Name] = def
	}

	for _, def := range defs {
		v, ok := provided[def.Name]
		if !ok || v == nil || *v == "" {
			if def.Required {
				return &MissingRequiredError{Name: def.Name}
			}
			continue
		}
		t, err := ParseType(def.Type)
		if err != nil {
			return &UnsupportedTypeError{Name: def.Name, Type: def.Type}
		}
		if _, err := t.Convert(*v); err != nil {
			if ce, ok := err.(*ConversionError); ok {
				ce.Name = def.Name
			}
			return err
		}
	}

	var unknown []string
	for name := range provided {
		if _, ok := byName[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return &UnknownNamesError{Names: unknown}
	}
	return nil
}

// CheckDefinitions rejects definitions with unregistered types or duplicate names.
func CheckDefinitions(defs []domain.ParameterDefinition) error {
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return fmt.Errorf("params: parameter of type %q has no name", def.Type)
		}
		if _, dup := seen[def.Name]; dup {
			return fmt.Errorf("params: duplicate parameter %q", def.Name)
		}
		seen[def.Name] = struct{}{}
		if !Supported(def.Type) {
			return &UnsupportedTypeError{Name: def.Name, Type: def.Type}
		}
		if def.Default != nil && *def.Default != "" {
			if _, err := Convert(*def.Default, def.Type); err != nil {
				return fmt.Errorf("params: default for %q: %w", def.Name, err)
			}
		}
	}
	return nil
}
