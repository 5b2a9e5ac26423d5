package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/couchbase/gocb/v2"
	"github.com/couchbase/gocb/v2/search"

	"github.com/fhir-couchbase/server/internal/platform/fhirerr"
	"github.com/fhir-couchbase/server/internal/platform/gateway"
	"github.com/fhir-couchbase/server/internal/platform/routing"
)

// paramDef is what the engine needs to translate one query-string parameter
// into an FTS sub-query: its FTS field path, its FHIR search-parameter type,
// and (for reference params) the default target type for chaining.
type paramDef struct {
	field      string
	typ        SearchParamType
	targetType string
}

// SearchEngine ties the FTS query builders (search.go, chain.go,
// fulltext_search.go, revinclude.go, sort.go) together with the gateway into
// one component capable of running a FHIR search and assembling the
// resulting Bundle. One SearchEngine serves every tenant bucket; bucket and
// connection name are passed per call.
type SearchEngine struct {
	gw       *gateway.Gateway
	fts      *FullTextSearchEngine
	includes *IncludeRegistry

	// paramDefs maps resourceType -> search code (e.g. "subject", "code")
	// -> its field/type, built once from a SearchParameterStore.
	paramDefs map[string]map[string]paramDef
	// chainTargetFields is the same information reshaped for ChainResolver,
	// which is rebuilt per call bound to the request's bucket.
	chainTargetFields map[string]map[string]paramField

	maxCountPerPage int
	maxBundleSize   int
}

// NewSearchEngine builds a SearchEngine from a SearchParameterStore's
// registered parameters, so a deployment that adds custom SearchParameter
// resources automatically gets them wired into FTS translation.
func NewSearchEngine(gw *gateway.Gateway, store *SearchParameterStore, maxCountPerPage, maxBundleSize int) *SearchEngine {
	e := &SearchEngine{
		gw:                gw,
		fts:               NewFullTextSearchEngine(),
		includes:          NewIncludeRegistry(),
		paramDefs:         make(map[string]map[string]paramDef),
		chainTargetFields: make(map[string]map[string]paramField),
		maxCountPerPage:   maxCountPerPage,
		maxBundleSize:     maxBundleSize,
	}
	for _, sp := range store.List() {
		e.registerParam(sp)
	}
	return e
}

func (e *SearchEngine) registerParam(sp *SearchParameterResource) {
	typ := SearchParamType(sp.Type)
	if _, ok := paramTranslations[typ]; !ok && typ != SearchParamComposite {
		return
	}
	field := fieldFromExpression(sp.Expression, sp.Code)
	var targetType string
	if len(sp.Target) == 1 {
		targetType = sp.Target[0]
	}
	def := paramDef{field: field, typ: typ, targetType: targetType}

	for _, rt := range expandBase(sp.Base) {
		if e.paramDefs[rt] == nil {
			e.paramDefs[rt] = make(map[string]paramDef)
		}
		e.paramDefs[rt][sp.Code] = def

		if e.chainTargetFields[rt] == nil {
			e.chainTargetFields[rt] = make(map[string]paramField)
		}
		e.chainTargetFields[rt][sp.Code] = paramField{field: field, typ: typ}

		if typ == SearchParamReference && targetType != "" {
			e.includes.RegisterReference(rt, sp.Code, targetType)
		}
	}
}

// expandBase resolves "Resource"/"DomainResource" bases to every well-known
// resource type, since those base parameters apply to all of them.
func expandBase(base []string) []string {
	var out []string
	for _, b := range base {
		if b == "Resource" || b == "DomainResource" {
			out = append(out, routing.AllWellKnown()...)
			continue
		}
		out = append(out, b)
	}
	return out
}

// fieldFromExpression turns a FHIRPath expression like "Observation.code"
// into the flattened FTS field path "code" by dropping the leading
// resource-type segment. Falls back to code when the expression is absent
// or doesn't look like a simple dotted path (composite/choice expressions).
func fieldFromExpression(expr, code string) string {
	if expr == "" {
		return code
	}
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) == 2 && !strings.ContainsAny(parts[1], "() |") {
		return parts[1]
	}
	return code
}

// RegisterFetcher wires a resource-type fetcher into the engine's include
// registry, used to resolve _include targets. Callers typically bind this
// to gw.GetRaw for a specific (connName, bucket).
func (e *SearchEngine) RegisterFetcher(resourceType string, fetcher ResourceFetcher) {
	e.includes.RegisterFetcher(resourceType, fetcher)
}

// indexName returns the scoped FTS index name for a resource type's
// collection, following Couchbase's "bucket.scope.index" naming.
func (e *SearchEngine) indexName(bucket, resourceType string) string {
	loc := routing.ForResourceType(resourceType)
	return fmt.Sprintf("%s.%s.%s", bucket, loc.Scope, loc.Collection)
}

// boundExecutor adapts SearchEngine to ChainQueryExecutor for one request's
// (connName, bucket), since ChainResolver itself is tenant-agnostic.
type boundExecutor struct {
	engine   *SearchEngine
	connName string
	bucket   string
}

// SearchKeys implements ChainQueryExecutor, returning bare resource ids.
func (b *boundExecutor) SearchKeys(ctx context.Context, resourceType string, q search.Query, limit int) ([]string, error) {
	return b.engine.searchKeys(ctx, b.connName, b.bucket, resourceType, q, limit)
}

func (e *SearchEngine) searchKeys(ctx context.Context, connName, bucket, resourceType string, q search.Query, limit int) ([]string, error) {
	if limit <= 0 || limit > e.maxBundleSize {
		limit = e.maxBundleSize
	}
	res, err := e.gw.ExecuteSearch(ctx, connName, e.indexName(bucket, resourceType), q, &gocb.SearchOptions{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("fts search on %s: %w", resourceType, err)
	}
	var ids []string
	for res.Next() {
		row := res.Row()
		ids = append(ids, stripResourceTypePrefix(row.ID))
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("fts search on %s: %w", resourceType, err)
	}
	return ids, nil
}

// checkUnqualifiedDateBounds rejects a date parameter repeated more than
// once without a comparison prefix (e.g. two bare "2023-01-01" values):
// FHIR prefixes like ge/le combine into an unambiguous range, but two
// unqualified (implicit eq) bounds on the same parameter are ambiguous.
func checkUnqualifiedDateBounds(values []string) error {
	unqualified := 0
	for _, v := range values {
		if ParseSearchValue(v).Prefix == PrefixEq {
			unqualified++
		}
	}
	if unqualified > 1 {
		return fhirerr.BadRequest("multiple unqualified date bounds on the same search parameter")
	}
	return nil
}

// truncateIncludes bounds primaries+includes to maxBundleSize by trimming
// the tail of includes only; primaries are never dropped.
func truncateIncludes(primaryCount, maxBundleSize int, includes []BundleEntry) []BundleEntry {
	remaining := maxBundleSize - primaryCount
	if remaining < 0 {
		remaining = 0
	}
	if len(includes) > remaining {
		return includes[:remaining]
	}
	return includes
}

// resolveSearchCount applies the _count boundary rules: an unspecified count
// (signaled by a negative sentinel) defaults to maxCountPerPage, an explicit
// 0 is honored as-is so the caller gets a Bundle with total set but no
// entries, and anything over the page cap is clamped down to it.
func resolveSearchCount(count, maxCountPerPage int) int {
	if count < 0 {
		return maxCountPerPage
	}
	if count > maxCountPerPage {
		return maxCountPerPage
	}
	return count
}

func stripResourceTypePrefix(key string) string {
	if idx := strings.IndexByte(key, '/'); idx >= 0 {
		return key[idx+1:]
	}
	return key
}

// Search runs a single-resource-type FHIR search, returning matching ids in
// FTS rank order (no total hit count). buildQuery skips the "_"-prefixed
// control parameters (_sort, _count, _offset, _include, etc.); Search applies
// none of them, and ExecuteSearchSet is the entry point that does.
func (e *SearchEngine) Search(ctx context.Context, connName, bucket, resourceType, filter string, count int) ([]string, error) {
	params, err := parseFilterString(filter)
	if err != nil {
		return nil, err
	}
	q, err := e.buildQuery(ctx, connName, bucket, resourceType, params)
	if err != nil {
		return nil, err
	}
	return e.searchKeys(ctx, connName, bucket, resourceType, q, count)
}

// parseFilterString parses a query-string-shaped filter ("code=x&status=y")
// into a multi-valued parameter map, the same shape url.Values would give
// for repeated parameters.
func parseFilterString(filter string) (map[string][]string, error) {
	out := make(map[string][]string)
	filter = strings.TrimPrefix(filter, "?")
	if filter == "" {
		return out, nil
	}
	for _, part := range strings.Split(filter, "&") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		k := kv[0]
		v := ""
		if len(kv) == 2 {
			v = kv[1]
		}
		out[k] = append(out[k], v)
	}
	return out, nil
}

// buildQuery translates a full parameter set into one combined FTS query,
// dispatching chained, _has, _text/_content, and plain parameters to their
// respective builders and ANDing the results.
func (e *SearchEngine) buildQuery(ctx context.Context, connName, bucket, resourceType string, params map[string][]string) (search.Query, error) {
	resolver := NewChainResolver(&boundExecutor{engine: e, connName: connName, bucket: bucket}, e.chainTargetFields)

	var musts []search.Query
	for name, values := range params {
		if strings.HasPrefix(name, "_") && name != "_text" && name != "_content" && !strings.HasPrefix(name, "_has:") {
			continue // pagination/sort/include control params, not filters
		}
		base, _ := ParseParamModifier(name)
		if def, ok := e.paramDefs[resourceType][base]; ok && def.typ == SearchParamDate {
			if err := checkUnqualifiedDateBounds(values); err != nil {
				return nil, err
			}
		}
		for _, value := range values {
			q, err := e.translateParam(ctx, resolver, connName, bucket, resourceType, name, value)
			if err != nil {
				return nil, err
			}
			if q != nil {
				musts = append(musts, q)
			}
		}
	}

	switch len(musts) {
	case 0:
		return search.NewMatchAllQuery(), nil
	case 1:
		return musts[0], nil
	default:
		return search.NewConjunctionQuery(musts...), nil
	}
}

func (e *SearchEngine) translateParam(ctx context.Context, resolver *ChainResolver, connName, bucket, resourceType, name, value string) (search.Query, error) {
	switch {
	case name == "_text" || name == "_content":
		return e.fts.ApplyFullTextSearch(resourceType, name, value)

	case strings.HasPrefix(name, "_has:"):
		has, ok := ParseHasParam(name)
		if !ok {
			return nil, fmt.Errorf("malformed _has parameter %q", name)
		}
		has.Value = value
		return e.resolveHasForList(ctx, resolver, connName, bucket, resourceType, has)

	default:
		base, modifier := ParseParamModifier(name)
		if chain, ok := ParseChainedParam(base); ok {
			if chain.TargetType == "" {
				def, ok := e.paramDefs[resourceType][chain.SourceParam]
				if !ok || def.targetType == "" {
					return nil, fmt.Errorf("chained parameter %q has no resolvable target type", base)
				}
				chain.TargetType = def.targetType
			}
			chain.Value = value
			keys, err := resolver.ResolveChainedParam(ctx, chain, e.maxBundleSize)
			if err != nil {
				return nil, err
			}
			sourceDef, ok := e.paramDefs[resourceType][chain.SourceParam]
			if !ok {
				return nil, fmt.Errorf("unknown reference parameter %q on %s for chaining", chain.SourceParam, resourceType)
			}
			return BuildChainInClause(sourceDef.field, keys, chain.TargetType), nil
		}

		def, ok := e.paramDefs[resourceType][base]
		if !ok {
			return nil, fmt.Errorf("unknown search parameter %q on %s", base, resourceType)
		}
		return BuildParamQuery(def.typ, def.field, value, modifier)
	}
}

// resolveHasForList resolves a list-search _has parameter (no specific
// current-resource id to anchor against, unlike ChainResolver.ResolveHasParam
// which handles the single-instance case). It searches has.TargetType for
// has.SearchParam=value, fetches each match's body, reads the has.TargetParam
// reference field, and returns a disjunction over resourceType's own id
// matching the referenced ids.
func (e *SearchEngine) resolveHasForList(ctx context.Context, resolver *ChainResolver, connName, bucket, resourceType string, has *HasParam) (search.Query, error) {
	targetIDs, err := resolver.ResolveChainedParam(ctx, &ChainedParam{TargetType: has.TargetType, TargetParam: has.SearchParam, Value: has.Value}, e.maxBundleSize)
	if err != nil {
		return nil, err
	}
	if len(targetIDs) == 0 {
		return search.NewMatchNoneQuery(), nil
	}

	refField, ok := e.paramDefs[has.TargetType][has.TargetParam]
	if !ok {
		return nil, fmt.Errorf("unknown reference parameter %q on %s for _has", has.TargetParam, has.TargetType)
	}

	loc := routing.ForResourceType(has.TargetType)
	bodies, err := e.gw.GetRawBatch(ctx, connName, bucket, loc.Scope, loc.Collection, keysForType(has.TargetType, targetIDs))
	if err != nil {
		return nil, fmt.Errorf("fetch _has matches on %s: %w", has.TargetType, err)
	}

	ids := make([]string, 0, len(bodies))
	for _, raw := range bodies {
		var doc map[string]interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		if ref := referenceID(doc, refField.field, resourceType); ref != "" {
			ids = append(ids, ref)
		}
	}
	if len(ids) == 0 {
		return search.NewMatchNoneQuery(), nil
	}

	qs := make([]search.Query, len(ids))
	for i, id := range ids {
		qs[i] = search.NewTermQuery(id).Field("id")
	}
	if len(qs) == 1 {
		return qs[0], nil
	}
	return search.NewDisjunctionQuery(qs...), nil
}

func keysForType(resourceType string, ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = routing.Key(resourceType, id)
	}
	return out
}

// referenceID reads doc[field].reference ("ResourceType/id") and returns the
// id portion if it names expectedType (or if expectedType is empty).
func referenceID(doc map[string]interface{}, field, expectedType string) string {
	val, ok := doc[field].(map[string]interface{})
	if !ok {
		return ""
	}
	ref, ok := val["reference"].(string)
	if !ok {
		return ""
	}
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 {
		return ""
	}
	if expectedType != "" && parts[0] != expectedType {
		return ""
	}
	return parts[1]
}

// QueryResult is the outcome of a full search: the Bundle and whether the
// fastpath assembler produced its bytes directly (ReadyBytes != nil) or the
// caller must marshal Bundle itself.
type QueryResult struct {
	Bundle     *Bundle
	ReadyBytes []byte
}

// ExecuteSearchSet runs resourceType's search against params, fetches the
// matching documents, resolves _include/_revinclude, and assembles a
// searchset Bundle — using the byte-concatenation fastpath when the request
// shape allows it.
func (e *SearchEngine) ExecuteSearchSet(ctx context.Context, connName, bucket, resourceType string, params map[string][]string, baseURL, rawQuery string, count, offset int) (*QueryResult, error) {
	count = resolveSearchCount(count, e.maxCountPerPage)

	if _, ok := params["_include:iterate"]; ok {
		return nil, fhirerr.BadRequest("_include:iterate is not supported")
	}

	q, err := e.buildQuery(ctx, connName, bucket, resourceType, params)
	if err != nil {
		return nil, err
	}

	loc := routing.ForResourceType(resourceType)
	opts := &gocb.SearchOptions{Limit: count, Skip: offset}
	if sortParam := firstValue(params, "_sort"); sortParam != "" {
		specs := ParseSort(sortParam)
		fieldMap := sortFieldMap(e.paramDefs[resourceType])
		if sorted := BuildFTSSort(specs, fieldMap, nil); sorted != nil {
			opts.Sort = toSortInterface(sorted)
		}
	}

	res, err := e.gw.ExecuteSearch(ctx, connName, e.indexName(bucket, resourceType), q, opts)
	if err != nil {
		return nil, fmt.Errorf("fts search on %s: %w", resourceType, err)
	}
	var keys []string
	for res.Next() {
		keys = append(keys, res.Row().ID)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("fts search on %s: %w", resourceType, err)
	}
	meta, _ := res.MetaData()
	total := len(keys)
	if meta != nil {
		total = int(meta.Metrics.TotalRows)
	}

	bodies, err := e.gw.GetRawBatch(ctx, connName, bucket, loc.Scope, loc.Collection, keys)
	if err != nil {
		return nil, fmt.Errorf("fetch search hits: %w", err)
	}

	// _include is resolved against parsed resources, so it takes the fallback path.
	fastpath := CanUseFastpath(params) && len(params["_include"]) == 0
	var entries []FastpathEntry
	var resources []interface{}
	for _, k := range keys {
		raw, ok := bodies[k]
		if !ok {
			continue
		}
		fullURL := stripResourceTypePrefix(k)
		fullURL = resourceType + "/" + fullURL
		if fastpath {
			entries = append(entries, FastpathEntry{FullURL: fullURL, Resource: raw, SearchMode: "match"})
		} else {
			var r map[string]interface{}
			if err := json.Unmarshal(raw, &r); err == nil {
				resources = append(resources, r)
			}
		}
	}

	if includeParams := params["_include"]; len(includeParams) > 0 && !fastpath {
		includeEntries, err := e.includes.ResolveIncludes(ctx, resources, includeParams)
		if err == nil {
			includeEntries = truncateIncludes(len(resources), e.maxBundleSize, includeEntries)
			for _, ie := range includeEntries {
				var r map[string]interface{}
				if json.Unmarshal(ie.Resource, &r) == nil {
					resources = append(resources, r)
				}
			}
		}
	}

	if fastpath {
		bundleParams := FastpathBundleParams{
			Total: total,
			Links: buildPaginationLinks(SearchBundleParams{BaseURL: baseURL, QueryStr: rawQuery, Count: count, Offset: offset, Total: total}),
		}
		if revParams := params["_revinclude"]; len(revParams) > 0 {
			provider := e.revIncludeProvider(connName, bucket)
			bundle := &Bundle{Entry: entriesToBundleEntries(entries)}
			if err := ApplyRevInclude(bundle, ctx, provider, revParams); err == nil {
				entries = nil // re-assemble via NewSearchBundleWithLinks instead of the byte fastpath
				for _, be := range bundle.Entry {
					var r map[string]interface{}
					if json.Unmarshal(be.Resource, &r) == nil {
						resources = append(resources, r)
					}
				}
				b := NewSearchBundleWithLinks(resources, SearchBundleParams{BaseURL: baseURL, QueryStr: rawQuery, Count: count, Offset: offset, Total: total})
				return &QueryResult{Bundle: b}, nil
			}
		}
		return &QueryResult{ReadyBytes: AssembleSearchBundleFastpath(entries, bundleParams)}, nil
	}

	if revParams := params["_revinclude"]; len(revParams) > 0 {
		provider := e.revIncludeProvider(connName, bucket)
		bundle := NewSearchBundleWithLinks(resources, SearchBundleParams{BaseURL: baseURL, QueryStr: rawQuery, Count: count, Offset: offset, Total: total})
		if err := ApplyRevInclude(bundle, ctx, provider, revParams); err != nil {
			return nil, err
		}
		return &QueryResult{Bundle: bundle}, nil
	}

	bundle := NewSearchBundleWithLinks(resources, SearchBundleParams{BaseURL: baseURL, QueryStr: rawQuery, Count: count, Offset: offset, Total: total})
	return &QueryResult{Bundle: bundle}, nil
}

func (e *SearchEngine) revIncludeProvider(connName, bucket string) RevIncludeProvider {
	fetch := func(ctx context.Context, resourceType, key string) (map[string]interface{}, error) {
		loc := routing.ForResourceType(resourceType)
		raw, err := e.gw.GetRaw(ctx, connName, bucket, loc.Scope, loc.Collection, routing.Key(resourceType, key))
		if err != nil {
			return nil, err
		}
		var r map[string]interface{}
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	}
	return NewFTSRevIncludeProvider(&boundExecutor{engine: e, connName: connName, bucket: bucket}, fetch, e.maxBundleSize)
}

func entriesToBundleEntries(entries []FastpathEntry) []BundleEntry {
	out := make([]BundleEntry, len(entries))
	for i, e := range entries {
		out[i] = BundleEntry{FullURL: e.FullURL, Resource: json.RawMessage(e.Resource), Search: &BundleSearch{Mode: e.SearchMode}}
	}
	return out
}

func firstValue(params map[string][]string, name string) string {
	if v, ok := params[name]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

func sortFieldMap(defs map[string]paramDef) map[string]string {
	out := make(map[string]string, len(defs))
	for code, def := range defs {
		out[code] = def.field
	}
	return out
}

func toSortInterface(sorted []string) []interface{} {
	out := make([]interface{}, len(sorted))
	for i, s := range sorted {
		out[i] = s
	}
	return out
}

// CountMatches runs resourceType's search against params and returns only
// the total hit count, used by conditional create/update/delete to decide
// between 0/1/many matches without fetching or assembling a Bundle.
func (e *SearchEngine) CountMatches(ctx context.Context, connName, bucket, resourceType string, params map[string]string) (*ConditionalResult, error) {
	multi := make(map[string][]string, len(params))
	for k, v := range params {
		multi[k] = []string{v}
	}
	q, err := e.buildQuery(ctx, connName, bucket, resourceType, multi)
	if err != nil {
		return nil, err
	}
	res, err := e.gw.ExecuteSearch(ctx, connName, e.indexName(bucket, resourceType), q, &gocb.SearchOptions{Limit: 2})
	if err != nil {
		return nil, err
	}
	var first string
	count := 0
	for res.Next() {
		row := res.Row()
		if count == 0 {
			first = stripResourceTypePrefix(row.ID)
		}
		count++
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	meta, _ := res.MetaData()
	total := count
	if meta != nil && int(meta.Metrics.TotalRows) > count {
		total = int(meta.Metrics.TotalRows)
	}
	return &ConditionalResult{Count: total, FHIRID: first}, nil
}
