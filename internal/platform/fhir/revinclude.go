package fhir

import (
	"context"
	"encoding/json"
	"strings"
)

// RevIncludeProvider fetches resources that reference a given set of
// target resources, used to satisfy _revinclude=OtherType:param[:T].
type RevIncludeProvider interface {
	// FindByTargets returns resources that reference any of targetRefs
	// (FHIR-style "ResourceType/id" strings) via the given search param.
	FindByTargets(ctx context.Context, otherType, searchParam string, targetRefs []string) ([]interface{}, error)
}

// ParseRevInclude splits a "_revinclude" value into its OtherType:param[:T]
// parts. The optional trailing :T narrows the match to the named target
// type; an empty TargetType means "any type of the primary resource".
func ParseRevInclude(value string) (otherType, searchParam, targetType string, ok bool) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) < 2 {
		return "", "", "", false
	}
	otherType, searchParam = parts[0], parts[1]
	if len(parts) == 3 {
		targetType = parts[2]
	}
	return otherType, searchParam, targetType, true
}

// FTSRevIncludeProvider implements RevIncludeProvider via a ChainQueryExecutor
// (the same FTS search capability chain.go uses), so _revinclude reuses
// exactly the reverse-chain machinery _has relies on.
type FTSRevIncludeProvider struct {
	executor ChainQueryExecutor
	fetch    func(ctx context.Context, resourceType, key string) (map[string]interface{}, error)
	maxKeys  int
}

// NewFTSRevIncludeProvider creates a provider that searches otherType's FTS
// index for searchParam referencing one of the target refs, then fetches
// the matching documents one key at a time with fetch (typically
// gateway.GetRaw wrapped to parse the body).
func NewFTSRevIncludeProvider(executor ChainQueryExecutor, fetch func(ctx context.Context, resourceType, key string) (map[string]interface{}, error), maxKeys int) *FTSRevIncludeProvider {
	return &FTSRevIncludeProvider{executor: executor, fetch: fetch, maxKeys: maxKeys}
}

func (p *FTSRevIncludeProvider) FindByTargets(ctx context.Context, otherType, searchParam string, targetRefs []string) ([]interface{}, error) {
	if len(targetRefs) == 0 {
		return nil, nil
	}
	q := BuildChainInClause(searchParam, refIDsOf(targetRefs), "")
	keys, err := p.executor.SearchKeys(ctx, otherType, q, p.maxKeys)
	if err != nil {
		return nil, err
	}

	var out []interface{}
	for _, k := range keys {
		resource, err := p.fetch(ctx, otherType, k)
		if err != nil {
			continue
		}
		out = append(out, resource)
	}
	return out, nil
}

// refIDsOf strips the "ResourceType/" prefix from a list of FHIR
// references, since BuildChainInClause re-adds a single resource type
// prefix uniformly and _revinclude's targets may span several types.
func refIDsOf(refs []string) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		if idx := strings.LastIndex(r, "/"); idx >= 0 {
			ids = append(ids, r[idx+1:])
		} else {
			ids = append(ids, r)
		}
	}
	return ids
}

// ApplyRevInclude appends revincluded resources to a search bundle. It
// extracts target references from the bundle's primary entries, queries
// the provider for each requested (otherType, searchParam) pair, and
// appends the results as "include" entries.
func ApplyRevInclude(bundle *Bundle, ctx context.Context, provider RevIncludeProvider, revIncludeParams []string) error {
	if provider == nil || len(bundle.Entry) == 0 || len(revIncludeParams) == 0 {
		return nil
	}

	var targetRefs []string
	for _, entry := range bundle.Entry {
		var resource map[string]interface{}
		if err := json.Unmarshal(entry.Resource, &resource); err != nil {
			continue
		}
		rt, _ := resource["resourceType"].(string)
		id, _ := resource["id"].(string)
		if rt != "" && id != "" {
			targetRefs = append(targetRefs, rt+"/"+id)
		}
	}
	if len(targetRefs) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	for _, raw := range revIncludeParams {
		otherType, searchParam, _, ok := ParseRevInclude(raw)
		if !ok {
			continue
		}
		included, err := provider.FindByTargets(ctx, otherType, searchParam, targetRefs)
		if err != nil {
			return err
		}
		for _, r := range included {
			fullURL := extractFullURL(r, "")
			if fullURL == "" || seen[fullURL] {
				continue
			}
			seen[fullURL] = true
			rawJSON, err := json.Marshal(r)
			if err != nil {
				continue
			}
			bundle.Entry = append(bundle.Entry, BundleEntry{
				FullURL:  fullURL,
				Resource: rawJSON,
				Search:   &BundleSearch{Mode: "include"},
			})
		}
	}

	return nil
}
