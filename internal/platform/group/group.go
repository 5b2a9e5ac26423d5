// Package group implements the FHIR Group engine: materialized patient
// cohorts defined by a stored search filter, with create/refresh/remove
// member operations that maintain the quantity == len(member) invariant.
package group

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fhir-couchbase/server/internal/platform/fhir"
	"github.com/fhir-couchbase/server/internal/platform/fhirerr"
)

// FilterSearcher runs a Group's stored filter against the search engine and
// returns the matching resource ids (bare ids, not "Type/id" references) in
// result order, capped at count.
type FilterSearcher interface {
	Search(ctx context.Context, connName, bucket, resourceType, filter string, count int) ([]string, error)
}

// Engine creates and maintains Group resources through the write path.
type Engine struct {
	writePath  *fhir.WritePath
	searcher   FilterSearcher
	maxMembers int
}

// NewEngine creates a group Engine. maxMembers bounds both Create's and
// Refresh's member count (spec default 10000, from group.max.members).
func NewEngine(writePath *fhir.WritePath, searcher FilterSearcher, maxMembers int) *Engine {
	return &Engine{writePath: writePath, searcher: searcher, maxMembers: maxMembers}
}

const (
	extCreationFilter    = "http://fhir-couchbase.example/StructureDefinition/group-creation-filter"
	extCreatedBy         = "http://fhir-couchbase.example/StructureDefinition/group-created-by"
	extLastRefreshed     = "http://fhir-couchbase.example/StructureDefinition/group-last-refreshed"
	extMemberResourceType = "http://fhir-couchbase.example/StructureDefinition/group-member-resource-type"
)

// Create builds a new Group by running filter against resourceType,
// collecting up to maxMembers matching ids, and writing the Group resource
// through the write path. Fails with BadRequest if the filter matches
// nothing.
func (e *Engine) Create(ctx context.Context, wc fhir.WriteContext, name, resourceType, filter, createdBy string) (*fhir.WriteResult, error) {
	ids, err := e.searcher.Search(ctx, wc.ConnName, wc.Bucket, resourceType, filter, e.maxMembers)
	if err != nil {
		return nil, fhirerr.Internal(fmt.Errorf("group filter search: %w", err))
	}
	if len(ids) == 0 {
		return nil, fhirerr.BadRequest("group filter %q on %s matched no resources", filter, resourceType)
	}

	now := time.Now().UTC()
	body := newGroupBody(name, resourceType, filter, createdBy, ids, now)
	body["id"] = uuid.New().String()

	return e.writePath.Create(ctx, wc, "Group", body)
}

// Refresh re-executes a Group's stored creation-filter and member-resource-type
// extensions, replacing member[] and bumping the version. id is the Group's
// own FHIR id.
func (e *Engine) Refresh(ctx context.Context, wc fhir.WriteContext, id string, current map[string]interface{}) (*fhir.WriteResult, error) {
	resourceType, filter, createdBy, err := extractGroupExtensions(current)
	if err != nil {
		return nil, err
	}

	ids, err := e.searcher.Search(ctx, wc.ConnName, wc.Bucket, resourceType, filter, e.maxMembers)
	if err != nil {
		return nil, fhirerr.Internal(fmt.Errorf("group filter search: %w", err))
	}

	name, _ := current["name"].(string)
	now := time.Now().UTC()
	body := newGroupBody(name, resourceType, filter, createdBy, ids, now)
	body["id"] = id

	return e.writePath.Update(ctx, wc, "Group", id, body, "")
}

// RemoveMember deletes one member reference (e.g. "Patient/abc") from a
// Group and writes the result. Fails with BadRequest if the reference is
// not currently a member.
func (e *Engine) RemoveMember(ctx context.Context, wc fhir.WriteContext, id, memberRef string, current map[string]interface{}) (*fhir.WriteResult, error) {
	members, _ := current["member"].([]interface{})
	idx := -1
	for i, m := range members {
		entry, _ := m.(map[string]interface{})
		entity, _ := entry["entity"].(map[string]interface{})
		ref, _ := entity["reference"].(string)
		if ref == memberRef {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fhirerr.BadRequest("%s is not a member of Group/%s", memberRef, id)
	}

	members = append(members[:idx], members[idx+1:]...)
	current["member"] = members
	current["quantity"] = len(members)

	return e.writePath.Update(ctx, wc, "Group", id, current, "")
}

func newGroupBody(name, resourceType, filter, createdBy string, ids []string, now time.Time) map[string]interface{} {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = map[string]interface{}{
			"entity": map[string]interface{}{
				"reference": resourceType + "/" + id,
			},
		}
	}

	return map[string]interface{}{
		"resourceType": "Group",
		"name":         name,
		"type":         "person",
		"actual":       true,
		"quantity":     len(members),
		"member":       members,
		"extension": []interface{}{
			map[string]interface{}{"url": extCreationFilter, "valueString": filter},
			map[string]interface{}{"url": extCreatedBy, "valueString": createdBy},
			map[string]interface{}{"url": extLastRefreshed, "valueDateTime": now.Format(time.RFC3339)},
			map[string]interface{}{"url": extMemberResourceType, "valueString": resourceType},
		},
	}
}

func extractGroupExtensions(group map[string]interface{}) (resourceType, filter, createdBy string, err error) {
	exts, _ := group["extension"].([]interface{})
	for _, e := range exts {
		ext, _ := e.(map[string]interface{})
		url, _ := ext["url"].(string)
		switch url {
		case extCreationFilter:
			filter, _ = ext["valueString"].(string)
		case extCreatedBy:
			createdBy, _ = ext["valueString"].(string)
		case extMemberResourceType:
			resourceType, _ = ext["valueString"].(string)
		}
	}
	if resourceType == "" {
		return "", "", "", fhirerr.Internal(fmt.Errorf("group missing member-resource-type extension"))
	}
	return resourceType, filter, createdBy, nil
}
