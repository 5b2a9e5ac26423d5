package fhir

import (
	"strings"
)

// SortSpec represents a single sort directive.
type SortSpec struct {
	Field      string
	Descending bool
}

// ParseSort parses the _sort query parameter value.
// Format: "-date,status" means date DESC, status ASC.
// A leading "-" indicates descending order.
func ParseSort(sortParam string) []SortSpec {
	if sortParam == "" {
		return nil
	}

	parts := strings.Split(sortParam, ",")
	specs := make([]SortSpec, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		spec := SortSpec{}
		if strings.HasPrefix(part, "-") {
			spec.Descending = true
			spec.Field = part[1:]
		} else {
			spec.Field = part
		}

		if spec.Field != "" {
			specs = append(specs, spec)
		}
	}

	return specs
}

// BuildFTSSort translates sort specs into the string form gocb's
// search.Options.Sort accepts: a bare field name for ascending, a
// "-"-prefixed field name for descending. fieldMap maps FHIR search
// parameter names to the FTS-indexed field path each sorts on; a spec whose
// Field isn't in fieldMap is dropped. defaultSort is returned untouched
// when no spec survives.
func BuildFTSSort(specs []SortSpec, fieldMap map[string]string, defaultSort []string) []string {
	if len(specs) == 0 {
		return defaultSort
	}

	var out []string
	for _, spec := range specs {
		field, ok := fieldMap[spec.Field]
		if !ok {
			continue
		}
		if spec.Descending {
			out = append(out, "-"+field)
		} else {
			out = append(out, field)
		}
	}

	if len(out) == 0 {
		return defaultSort
	}
	return out
}
