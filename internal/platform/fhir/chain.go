package fhir

import (
	"context"
	"fmt"
	"strings"

	"github.com/couchbase/gocb/v2/search"
)

// SearchParamType is the closed tagged variant of FHIR search parameter
// types. A translation table keyed by SearchParamType (see BuildParamQuery)
// replaces any inheritance-hierarchy dispatch, keeping translation
// exhaustive and switch-checkable.
type SearchParamType string

const (
	SearchParamNumber    SearchParamType = "number"
	SearchParamDate      SearchParamType = "date"
	SearchParamString    SearchParamType = "string"
	SearchParamToken     SearchParamType = "token"
	SearchParamReference SearchParamType = "reference"
	SearchParamComposite SearchParamType = "composite"
	SearchParamQuantity  SearchParamType = "quantity"
	SearchParamURI       SearchParamType = "uri"
	SearchParamSpecial   SearchParamType = "special"
)

// ParamTranslation is one entry of a parameter's dispatch table: how to
// turn (field, value, modifier) into an FTS sub-query for this type.
type ParamTranslation func(field, value string, modifier SearchModifier) (search.Query, error)

// paramTranslations is the exhaustive table backing BuildParamQuery. Adding
// a new SearchParamType requires adding an entry here — callers of
// BuildParamQuery get an error rather than silently falling through.
var paramTranslations = map[SearchParamType]ParamTranslation{
	SearchParamString: func(field, value string, modifier SearchModifier) (search.Query, error) {
		return BuildStringQuery(field, value, modifier), nil
	},
	SearchParamToken: func(field, value string, _ SearchModifier) (search.Query, error) {
		return BuildTokenQuery(field+".system", field+".code", value), nil
	},
	SearchParamDate: func(field, value string, _ SearchModifier) (search.Query, error) {
		return BuildDateQuery(field, value)
	},
	SearchParamNumber: func(field, value string, _ SearchModifier) (search.Query, error) {
		return BuildNumberQuery(field, value)
	},
	SearchParamQuantity: func(field, value string, _ SearchModifier) (search.Query, error) {
		return BuildNumberQuery(field+".value", value)
	},
	SearchParamReference: func(field, value string, _ SearchModifier) (search.Query, error) {
		return BuildReferenceQuery(field+".reference", value), nil
	},
	SearchParamURI: func(field, value string, _ SearchModifier) (search.Query, error) {
		return search.NewTermQuery(value).Field(field), nil
	},
	SearchParamSpecial: func(field, value string, _ SearchModifier) (search.Query, error) {
		return search.NewMatchQuery(value).Field(field), nil
	},
}

// BuildParamQuery dispatches to the translation registered for typ. An
// unregistered type (composite parameters are handled by their own
// multi-field caller) returns an error rather than guessing.
func BuildParamQuery(typ SearchParamType, field, value string, modifier SearchModifier) (search.Query, error) {
	fn, ok := paramTranslations[typ]
	if !ok {
		return nil, fmt.Errorf("no translation registered for search parameter type %q", typ)
	}
	return fn(field, value, modifier)
}

// ChainedParam represents a parsed chained search parameter.
// Example: "subject:Patient.name=John" -> SourceParam="subject", TargetType="Patient", TargetParam="name", Value="John"
type ChainedParam struct {
	SourceParam string
	TargetType  string
	TargetParam string
	Value       string
}

// HasParam represents a parsed _has search parameter.
// Example: "_has:Observation:subject:code=1234"
type HasParam struct {
	TargetType  string
	TargetParam string
	SearchParam string
	Value       string
}

// MaxChainDepth bounds chained-search nesting; deeper chains are rejected
// with a 400 rather than walked indefinitely (and guards against cycles,
// since a chain can never revisit a level it has already descended past).
const MaxChainDepth = 2

// ParseChainedParam parses a chained search parameter name.
// Format: "param:ResourceType.targetParam" or "param.targetParam".
func ParseChainedParam(paramName string) (*ChainedParam, bool) {
	dotIdx := strings.Index(paramName, ".")
	if dotIdx < 0 {
		return nil, false
	}

	sourceAndType := paramName[:dotIdx]
	targetParam := paramName[dotIdx+1:]
	if targetParam == "" {
		return nil, false
	}

	parts := strings.SplitN(sourceAndType, ":", 2)
	result := &ChainedParam{
		SourceParam: parts[0],
		TargetParam: targetParam,
	}
	if len(parts) == 2 {
		result.TargetType = parts[1]
	}
	return result, true
}

// ParseHasParam parses a _has search parameter.
// Format: "_has:ResourceType:referenceParam:searchParam=value"
func ParseHasParam(paramName string) (*HasParam, bool) {
	if !strings.HasPrefix(paramName, "_has:") {
		return nil, false
	}
	rest := strings.TrimPrefix(paramName, "_has:")
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return nil, false
	}
	return &HasParam{TargetType: parts[0], TargetParam: parts[1], SearchParam: parts[2]}, true
}

// ChainResolver resolves chained and _has search parameters by running a
// sub-search against the FTS index of the chain target: search the target
// type, collect keys, rewrite the outer query as a reference-field match
// against those keys.
type ChainResolver struct {
	executor     ChainQueryExecutor
	targetFields map[string]map[string]paramField // resourceType -> paramName -> (field, type)
}

// paramField names the FTS field and parameter type for a given search
// parameter on a given resource type, used to translate a chain's inner
// parameter before dispatching it to BuildParamQuery.
type paramField struct {
	field string
	typ   SearchParamType
}

// ChainQueryExecutor runs an FTS query against a resource type's index and
// returns the matching document keys. The search engine's FTS executor
// implements this; ChainResolver only needs the narrow capability.
type ChainQueryExecutor interface {
	SearchKeys(ctx context.Context, resourceType string, q search.Query, limit int) ([]string, error)
}

// NewChainResolver creates a resolver backed by the given FTS executor and
// parameter-field registry.
func NewChainResolver(executor ChainQueryExecutor, targetFields map[string]map[string]paramField) *ChainResolver {
	return &ChainResolver{executor: executor, targetFields: targetFields}
}

// RegisterParamField registers the FTS field/type for (resourceType, paramName),
// consulted when resolving chains and _has parameters that target it.
func (cr *ChainResolver) RegisterParamField(resourceType, paramName, field string, typ SearchParamType) {
	if cr.targetFields == nil {
		cr.targetFields = make(map[string]map[string]paramField)
	}
	if cr.targetFields[resourceType] == nil {
		cr.targetFields[resourceType] = make(map[string]paramField)
	}
	cr.targetFields[resourceType][paramName] = paramField{field: field, typ: typ}
}

// ResolveChainedParam performs step (a) of chained search: search
// chain.TargetType for chain.TargetParam = chain.Value and return the
// matching keys, to be folded by the caller into an IN-style FTS
// disjunction against the source's reference field.
func (cr *ChainResolver) ResolveChainedParam(ctx context.Context, chain *ChainedParam, maxKeys int) ([]string, error) {
	if cr.executor == nil {
		return nil, fmt.Errorf("no FTS executor configured for chain resolution")
	}
	pf, ok := cr.lookup(chain.TargetType, chain.TargetParam)
	if !ok {
		return nil, fmt.Errorf("unknown search parameter %q on %s for chaining", chain.TargetParam, chain.TargetType)
	}
	q, err := BuildParamQuery(pf.typ, pf.field, chain.Value, "")
	if err != nil {
		return nil, err
	}
	return cr.executor.SearchKeys(ctx, chain.TargetType, q, maxKeys)
}

// ResolveHasParam performs the _has reverse-chain search: search
// has.TargetType for has.SearchParam = value AND has.TargetParam
// referencing the current resource, returning the referenced source ids.
func (cr *ChainResolver) ResolveHasParam(ctx context.Context, has *HasParam, currentResourceType, currentID string, maxKeys int) ([]string, error) {
	if cr.executor == nil {
		return nil, fmt.Errorf("no FTS executor configured for _has resolution")
	}
	searchField, ok := cr.lookup(has.TargetType, has.SearchParam)
	if !ok {
		return nil, fmt.Errorf("unknown search parameter %q on %s for _has", has.SearchParam, has.TargetType)
	}
	refField, ok := cr.lookup(has.TargetType, has.TargetParam)
	if !ok {
		return nil, fmt.Errorf("unknown reference parameter %q on %s for _has", has.TargetParam, has.TargetType)
	}

	valueQuery, err := BuildParamQuery(searchField.typ, searchField.field, has.Value, "")
	if err != nil {
		return nil, err
	}
	refQuery := BuildReferenceQuery(refField.field+".reference", currentResourceType+"/"+currentID)

	combined := search.NewConjunctionQuery(valueQuery, refQuery)
	return cr.executor.SearchKeys(ctx, has.TargetType, combined, maxKeys)
}

func (cr *ChainResolver) lookup(resourceType, paramName string) (paramField, bool) {
	byType, ok := cr.targetFields[resourceType]
	if !ok {
		return paramField{}, false
	}
	pf, ok := byType[paramName]
	return pf, ok
}

// BuildChainInClause folds a set of resolved keys into a disjunction FTS
// query against the source's reference field — the FTS analogue of a SQL
// "column IN (...)" clause used to rewrite the outer query after a chain
// resolves. An empty key set means "no matches": callers should short
// circuit to zero results rather than issue a query matching everything.
func BuildChainInClause(refField string, keys []string, resourceType string) search.Query {
	if len(keys) == 0 {
		return search.NewMatchNoneQuery()
	}
	queries := make([]search.Query, len(keys))
	for i, k := range keys {
		queries[i] = BuildReferenceQuery(refField+".reference", resourceType+"/"+k)
	}
	return search.NewDisjunctionQuery(queries...)
}
