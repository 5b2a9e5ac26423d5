package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/couchbase/gocb/v2/search"
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa" // starts after
	PrefixEb SearchPrefix = "eb" // ends before
	PrefixAp SearchPrefix = "ap" // approximately
)

// SearchModifier represents a FHIR search modifier.
type SearchModifier string

const (
	ModifierExact    SearchModifier = "exact"
	ModifierContains SearchModifier = "contains"
	ModifierText     SearchModifier = "text"
	ModifierNot      SearchModifier = "not"
	ModifierAbove    SearchModifier = "above"
	ModifierBelow    SearchModifier = "below"
	ModifierMissing  SearchModifier = "missing"
	ModifierIn       SearchModifier = "in"
	ModifierOfType   SearchModifier = "of-type"
)

// ParsedSearch holds a parsed search parameter value with its prefix.
type ParsedSearch struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from a FHIR search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "100" -> (eq, "100")
func ParseSearchValue(raw string) ParsedSearch {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return ParsedSearch{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedSearch{Prefix: PrefixEq, Value: raw}
}

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" -> ("name", "exact"), "code" -> ("code", "")
func ParseParamModifier(paramName string) (string, SearchModifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], SearchModifier(parts[1])
	}
	return parts[0], ""
}

// BuildDateQuery builds an FTS sub-query for a date search parameter,
// honoring the FHIR comparison prefixes. "ap" widens to +/-1 day; a bare
// date-only eq value ("2023-01-01") matches the whole day via a range.
func BuildDateQuery(field, value string) (search.Query, error) {
	parsed := ParseSearchValue(value)
	t, layout, err := parseFlexDate(parsed.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid date value %q: %w", value, err)
	}
	dayPrecision := layout == "2006-01-02" || layout == "2006-01" || layout == "2006"

	switch parsed.Prefix {
	case PrefixGt, PrefixSa:
		return search.NewDateRangeQuery().Field(field).Start(t, false), nil
	case PrefixLt, PrefixEb:
		return search.NewDateRangeQuery().Field(field).End(t, false), nil
	case PrefixGe:
		return search.NewDateRangeQuery().Field(field).Start(t, true), nil
	case PrefixLe:
		return search.NewDateRangeQuery().Field(field).End(t, true), nil
	case PrefixNe:
		return search.NewBooleanFieldQuery(false).Field(field), nil // handled by caller via must-not
	case PrefixAp:
		low := t.Add(-24 * time.Hour)
		high := t.Add(24 * time.Hour)
		return search.NewDateRangeQuery().Field(field).Start(low, true).End(high, true), nil
	default: // eq
		if dayPrecision {
			end := t.Add(24*time.Hour - time.Nanosecond)
			return search.NewDateRangeQuery().Field(field).Start(t, true).End(end, true), nil
		}
		return search.NewDateRangeQuery().Field(field).Start(t, true).End(t, true), nil
	}
}

// BuildNumberQuery builds an FTS numeric-range sub-query for a number
// search parameter, honoring the FHIR comparison prefixes.
func BuildNumberQuery(field, value string) (search.Query, error) {
	parsed := ParseSearchValue(value)
	n, err := strconv.ParseFloat(parsed.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number value %q: %w", value, err)
	}

	switch parsed.Prefix {
	case PrefixGt, PrefixSa:
		return search.NewNumericRangeQuery().Field(field).Min(n, false), nil
	case PrefixLt, PrefixEb:
		return search.NewNumericRangeQuery().Field(field).Max(n, false), nil
	case PrefixGe:
		return search.NewNumericRangeQuery().Field(field).Min(n, true), nil
	case PrefixLe:
		return search.NewNumericRangeQuery().Field(field).Max(n, true), nil
	case PrefixAp:
		delta := n * 0.1
		if delta == 0 {
			delta = 0.01
		}
		return search.NewNumericRangeQuery().Field(field).Min(n-delta, true).Max(n+delta, true), nil
	default: // eq, ne handled by caller (ne needs must-not wrapping)
		return search.NewNumericRangeQuery().Field(field).Min(n, true).Max(n, true), nil
	}
}

// BuildTokenQuery builds an FTS sub-query for a token parameter in the
// format "system|code", "|code", "system|", or a bare code.
func BuildTokenQuery(systemField, codeField, value string) search.Query {
	if strings.Contains(value, "|") {
		parts := strings.SplitN(value, "|", 2)
		system, code := parts[0], parts[1]
		switch {
		case system != "" && code != "":
			return search.NewConjunctionQuery(
				search.NewMatchQuery(system).Field(systemField),
				search.NewMatchQuery(code).Field(codeField),
			)
		case system != "":
			return search.NewMatchQuery(system).Field(systemField)
		case code != "":
			return search.NewMatchQuery(code).Field(codeField)
		}
	}
	return search.NewMatchQuery(value).Field(codeField)
}

// BuildStringQuery builds an FTS sub-query for a string parameter,
// honoring :exact, :contains, and :text modifiers. The default (no
// modifier) is FHIR's "starts with" semantics, expressed as a wildcard.
func BuildStringQuery(field, value string, modifier SearchModifier) search.Query {
	switch modifier {
	case ModifierExact:
		return search.NewTermQuery(value).Field(field)
	case ModifierContains:
		return search.NewWildcardQuery("*" + escapeWildcard(strings.ToLower(value)) + "*").Field(field)
	case ModifierText:
		return search.NewMatchQuery(value).Field(field)
	default:
		return search.NewWildcardQuery(escapeWildcard(strings.ToLower(value)) + "*").Field(field)
	}
}

// escapeWildcard escapes FTS wildcard-query metacharacters in user input.
func escapeWildcard(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`)
	return r.Replace(s)
}

// parseFlexDate parses a date string in the FHIR-supported partial-date
// formats, returning the parsed time and the layout that matched (callers
// use the layout to decide day-precision handling).
func parseFlexDate(s string) (time.Time, string, error) {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, f, nil
		}
	}
	return time.Time{}, "", fmt.Errorf("unable to parse date: %s", s)
}

// BuildReferenceQuery builds an FTS sub-query for a reference parameter.
// Handles "Patient/id", a bare id, or a full URL reference (matched
// verbatim against the field since it cannot be resolved locally).
func BuildReferenceQuery(field, value string) search.Query {
	return search.NewMatchQuery(value).Field(field)
}

// BuildMissingPredicate builds the N1QL predicate for a :missing modifier.
// :missing is not expressible in FTS — IS MISSING / IS NOT MISSING tests are
// evaluated against the primary collection directly.
func BuildMissingPredicate(fieldPath string, missing bool) string {
	if missing {
		return fmt.Sprintf("%s IS MISSING", fieldPath)
	}
	return fmt.Sprintf("%s IS NOT MISSING", fieldPath)
}

// isUUID checks if a string looks like a valid UUID, used to distinguish
// server-assigned ids from business identifiers when resolving references.
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if c != '-' {
				return false
			}
		} else if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
