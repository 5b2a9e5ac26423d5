package fhir

import (
	"fmt"
	"strings"

	"github.com/couchbase/gocb/v2/search"
)

// FullTextConfig describes which FTS fields a resource type's _text/_content
// search should run against.
type FullTextConfig struct {
	ResourceType string
	// NarrativeFields back _text: the resource's own narrative ("text.div").
	NarrativeFields []string
	// ContentFields back _content: anything else worth matching, e.g.
	// code.coding.display, note.text.
	ContentFields []string
}

// FullTextQuery is a parsed _text/_content value, already split into the
// shape (phrase / prefix / AND-OR-NOT terms) that buildFTSQuery turns into
// a search.Query.
type FullTextQuery struct {
	RawQuery string
	Must     []string // plain terms, ANDed
	MustNot  []string // "-term" exclusions
	Should   []string // "|"-joined OR group, ORed
	Phrase   string   // non-empty if the whole input was a quoted phrase
	Prefix   string   // non-empty if the whole input was "word*"
}

// FullTextSearchEngine holds per-resource-type FTS field configuration.
type FullTextSearchEngine struct {
	Configs map[string]*FullTextConfig
}

// NewFullTextSearchEngine creates an engine pre-loaded with default configs.
func NewFullTextSearchEngine() *FullTextSearchEngine {
	return &FullTextSearchEngine{Configs: DefaultFullTextConfigs()}
}

// RegisterConfig adds or replaces a resource type's field configuration.
func (e *FullTextSearchEngine) RegisterConfig(config *FullTextConfig) {
	e.Configs[config.ResourceType] = config
}

// ParseFullTextQuery parses a FHIR _text or _content value into a
// FullTextQuery. Supports a quoted phrase ("type 2 diabetes"), prefix
// matching (diab*), and +word/-word/word|word operators.
func ParseFullTextQuery(raw string) (*FullTextQuery, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("full-text search query must not be empty")
	}

	q := &FullTextQuery{RawQuery: raw}

	if strings.HasPrefix(trimmed, `"`) && strings.HasSuffix(trimmed, `"`) && len(trimmed) > 2 {
		q.Phrase = trimmed[1 : len(trimmed)-1]
		return q, nil
	}

	if strings.Contains(trimmed, "*") && !strings.ContainsAny(trimmed, "+-|") {
		q.Prefix = strings.TrimSuffix(trimmed, "*")
		return q, nil
	}

	for _, term := range SplitSearchTerms(trimmed) {
		switch {
		case strings.HasPrefix(term, "+"):
			if w := strings.TrimSpace(strings.TrimPrefix(term, "+")); w != "" {
				q.Must = append(q.Must, w)
			}
		case strings.HasPrefix(term, "-"):
			if w := strings.TrimSpace(strings.TrimPrefix(term, "-")); w != "" {
				q.MustNot = append(q.MustNot, w)
			}
		case strings.Contains(term, "|"):
			for _, ot := range strings.Split(term, "|") {
				if ot = strings.TrimSpace(ot); ot != "" {
					q.Should = append(q.Should, ot)
				}
			}
		default:
			q.Must = append(q.Must, term)
		}
	}

	if len(q.Must) == 0 && len(q.Should) == 0 {
		q.Must = append(q.Must, trimmed)
	}
	return q, nil
}

// buildFTSQuery translates a FullTextQuery into an FTS search.Query against
// fields. must and the should group compose into a single conjunction under
// a BooleanQuery, with mustNot terms as its MustNot clause when present.
func buildFTSQuery(q *FullTextQuery, fields []string) search.Query {
	disjunctOverFields := func(term string) search.Query {
		qs := make([]search.Query, len(fields))
		for i, f := range fields {
			qs[i] = search.NewMatchQuery(term).Field(f)
		}
		if len(qs) == 1 {
			return qs[0]
		}
		return search.NewDisjunctionQuery(qs...)
	}
	phraseOverFields := func(phrase string) search.Query {
		qs := make([]search.Query, len(fields))
		for i, f := range fields {
			qs[i] = search.NewMatchPhraseQuery(phrase).Field(f)
		}
		if len(qs) == 1 {
			return qs[0]
		}
		return search.NewDisjunctionQuery(qs...)
	}
	prefixOverFields := func(prefix string) search.Query {
		qs := make([]search.Query, len(fields))
		for i, f := range fields {
			qs[i] = search.NewWildcardQuery(prefix + "*").Field(f)
		}
		if len(qs) == 1 {
			return qs[0]
		}
		return search.NewDisjunctionQuery(qs...)
	}

	if q.Phrase != "" {
		return phraseOverFields(q.Phrase)
	}
	if q.Prefix != "" {
		return prefixOverFields(q.Prefix)
	}

	var musts, mustNots []search.Query
	for _, t := range q.Must {
		musts = append(musts, disjunctOverFields(t))
	}
	for _, t := range q.MustNot {
		mustNots = append(mustNots, disjunctOverFields(t))
	}
	var should search.Query
	if len(q.Should) > 0 {
		qs := make([]search.Query, len(q.Should))
		for i, t := range q.Should {
			qs[i] = disjunctOverFields(t)
		}
		should = search.NewDisjunctionQuery(qs...)
		musts = append(musts, should)
	}

	bq := search.NewBooleanQuery()
	if len(musts) > 0 {
		bq = bq.Must(search.NewConjunctionQuery(musts...))
	}
	if len(mustNots) > 0 {
		bq = bq.MustNot(search.NewDisjunctionQuery(mustNots...))
	}
	return bq
}

// ApplyFullTextSearch builds the search.Query for a _text or _content
// parameter against the resource type's configured fields.
func (e *FullTextSearchEngine) ApplyFullTextSearch(resourceType, paramName, paramValue string) (search.Query, error) {
	if paramName != "_text" && paramName != "_content" {
		return nil, fmt.Errorf("unsupported full-text search parameter: %s", paramName)
	}

	ftQuery, err := ParseFullTextQuery(paramValue)
	if err != nil {
		return nil, fmt.Errorf("invalid full-text query: %w", err)
	}

	cfg := e.Configs[resourceType]
	var fields []string
	switch {
	case paramName == "_text" && cfg != nil:
		fields = cfg.NarrativeFields
	case paramName == "_text":
		fields = []string{"text.div"}
	case cfg != nil:
		fields = append(append([]string{}, cfg.NarrativeFields...), cfg.ContentFields...)
	default:
		fields = []string{"text.div"}
	}

	return buildFTSQuery(ftQuery, fields), nil
}

// SplitSearchTerms splits multi-word search input into terms. Quoted
// substrings are preserved as a single term.
func SplitSearchTerms(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}

	var terms []string
	var current strings.Builder
	inQuote := false

	flush := func() {
		if t := strings.TrimSpace(current.String()); t != "" {
			terms = append(terms, t)
		}
		current.Reset()
	}

	for i := 0; i < len(input); i++ {
		ch := input[i]
		switch {
		case ch == '"':
			flush()
			inQuote = !inQuote
		case ch == ' ' && !inQuote:
			flush()
		default:
			current.WriteByte(ch)
		}
	}
	flush()
	return terms
}

// DefaultFullTextConfigs returns field configs for standard FHIR resource types.
func DefaultFullTextConfigs() map[string]*FullTextConfig {
	return map[string]*FullTextConfig{
		"Patient": {
			ResourceType:    "Patient",
			NarrativeFields: []string{"text.div"},
			ContentFields:   []string{"name.family", "name.given"},
		},
		"Observation": {
			ResourceType:    "Observation",
			NarrativeFields: []string{"text.div"},
			ContentFields:   []string{"code.coding.display", "valueString", "note.text"},
		},
		"Condition": {
			ResourceType:    "Condition",
			NarrativeFields: []string{"text.div"},
			ContentFields:   []string{"code.coding.display", "note.text"},
		},
		"MedicationRequest": {
			ResourceType:    "MedicationRequest",
			NarrativeFields: []string{"text.div"},
			ContentFields:   []string{"medicationCodeableConcept.coding.display", "note.text"},
		},
		"DiagnosticReport": {
			ResourceType:    "DiagnosticReport",
			NarrativeFields: []string{"text.div"},
			ContentFields:   []string{"conclusion"},
		},
		"AllergyIntolerance": {
			ResourceType:    "AllergyIntolerance",
			NarrativeFields: []string{"text.div"},
			ContentFields:   []string{"code.coding.display", "note.text"},
		},
		"Procedure": {
			ResourceType:    "Procedure",
			NarrativeFields: []string{"text.div"},
			ContentFields:   []string{"code.coding.display", "note.text"},
		},
		"Encounter": {
			ResourceType:    "Encounter",
			NarrativeFields: []string{"text.div"},
			ContentFields:   []string{"type.coding.display", "reasonCode.coding.display"},
		},
	}
}
