package plugin

import (
	"fmt"

	"puddlejobs/internal/artifact"
)

// SelectEntry picks the job entry of a manifest. With a hint, the entry of
// that name must exist and implement the job capability. Without one, the
// first non-abstract entry of kind "job" wins and all matching names are
// returned so callers can report an ambiguous artifact.
func SelectEntry(m *artifact.Manifest, hint string) (artifact.Entry, []string, error) {
	if m == nil {
		return artifact.Entry{}, nil, ErrNoEntryType
	}
	if hint != "" {
		for _, e := range m.Entries {
			if e.Name != hint {
				continue
			}
			if !e.IsJob() {
				return artifact.Entry{}, nil, fmt.Errorf("%w: entry %q in manifest %q is not a job", ErrNoEntryType, hint, m.Name)
			}
			return e, []string{e.Name}, nil
		}
		return artifact.Entry{}, nil, fmt.Errorf("%w: entry %q not in manifest %q", ErrNoEntryType, hint, m.Name)
	}

	var (
		chosen  artifact.Entry
		matches []string
	)
	for _, e := range m.Entries {
		if !e.IsJob() {
			continue
		}
		if len(matches) == 0 {
			chosen = e
		}
		matches = append(matches, e.Name)
	}
	if len(matches) == 0 {
		return artifact.Entry{}, nil, fmt.Errorf("%w in manifest %q", ErrNoEntryType, m.Name)
	}
	return chosen, matches, nil
}
