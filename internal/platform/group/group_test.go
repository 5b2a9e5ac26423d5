package group

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fhir-couchbase/server/internal/platform/fhir"
	"github.com/fhir-couchbase/server/internal/platform/fhirerr"
)

func TestNewGroupBody_Fields(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	body := newGroupBody("Diabetics", "Patient", "code=E11", "practitioner-1", []string{"p1", "p2"}, now)

	if body["resourceType"] != "Group" {
		t.Errorf("resourceType = %v, want Group", body["resourceType"])
	}
	if body["name"] != "Diabetics" {
		t.Errorf("name = %v, want Diabetics", body["name"])
	}
	if body["quantity"] != 2 {
		t.Errorf("quantity = %v, want 2", body["quantity"])
	}

	members, _ := body["member"].([]interface{})
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	first, _ := members[0].(map[string]interface{})
	entity, _ := first["entity"].(map[string]interface{})
	if entity["reference"] != "Patient/p1" {
		t.Errorf("first member reference = %v, want Patient/p1", entity["reference"])
	}
}

func TestNewGroupBody_QuantityMatchesMemberInvariant(t *testing.T) {
	body := newGroupBody("Empty Group", "Patient", "status=final", "system", nil, time.Now())
	if body["quantity"] != 0 {
		t.Errorf("quantity = %v, want 0 for an empty id list", body["quantity"])
	}
	members, _ := body["member"].([]interface{})
	if len(members) != 0 {
		t.Errorf("expected 0 members, got %d", len(members))
	}
}

func TestNewGroupBody_IncludesExpectedExtensions(t *testing.T) {
	now := time.Now().UTC()
	body := newGroupBody("n", "Observation", "code=1234", "alice", []string{"o1"}, now)

	exts, _ := body["extension"].([]interface{})
	if len(exts) != 4 {
		t.Fatalf("expected 4 extensions, got %d", len(exts))
	}

	found := map[string]bool{}
	for _, e := range exts {
		ext, _ := e.(map[string]interface{})
		found[ext["url"].(string)] = true
	}
	for _, url := range []string{extCreationFilter, extCreatedBy, extLastRefreshed, extMemberResourceType} {
		if !found[url] {
			t.Errorf("missing expected extension %q", url)
		}
	}
}

func TestExtractGroupExtensions_RoundTrip(t *testing.T) {
	now := time.Now().UTC()
	body := newGroupBody("n", "Patient", "name=Smith", "creator-1", []string{"a"}, now)

	resourceType, filter, createdBy, err := extractGroupExtensions(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resourceType != "Patient" {
		t.Errorf("resourceType = %q, want Patient", resourceType)
	}
	if filter != "name=Smith" {
		t.Errorf("filter = %q, want name=Smith", filter)
	}
	if createdBy != "creator-1" {
		t.Errorf("createdBy = %q, want creator-1", createdBy)
	}
}

func TestExtractGroupExtensions_MissingResourceTypeFails(t *testing.T) {
	_, _, _, err := extractGroupExtensions(map[string]interface{}{"extension": []interface{}{}})
	if err == nil {
		t.Fatal("expected an error when the member-resource-type extension is missing")
	}
}

func TestExtractGroupExtensions_NoExtensionsFails(t *testing.T) {
	_, _, _, err := extractGroupExtensions(map[string]interface{}{})
	if err == nil {
		t.Fatal("expected an error when extension is absent entirely")
	}
}

type fakeSearcher struct {
	ids []string
	err error
}

func (s *fakeSearcher) Search(ctx context.Context, connName, bucket, resourceType, filter string, count int) ([]string, error) {
	return s.ids, s.err
}

func TestEngine_Create_EmptyFilterMatchFails(t *testing.T) {
	e := NewEngine(nil, &fakeSearcher{ids: nil}, 100)

	_, err := e.Create(context.Background(), fhir.WriteContext{}, "MyGroup", "Patient", "status=bogus", "creator")
	if err == nil {
		t.Fatal("expected an error when the filter matches nothing")
	}
	fe, ok := fhirerr.As(err)
	if !ok || fe.Kind != fhirerr.KindBadRequest {
		t.Errorf("expected a BadRequest fhirerr, got %v", err)
	}
}

func TestEngine_Create_SearchErrorWrapped(t *testing.T) {
	e := NewEngine(nil, &fakeSearcher{err: errors.New("fts down")}, 100)

	_, err := e.Create(context.Background(), fhir.WriteContext{}, "MyGroup", "Patient", "status=active", "creator")
	if err == nil {
		t.Fatal("expected an error when the searcher fails")
	}
	fe, ok := fhirerr.As(err)
	if !ok || fe.Kind != fhirerr.KindInternal {
		t.Errorf("expected an Internal fhirerr, got %v", err)
	}
}

func TestEngine_Refresh_MissingExtensionsFailsBeforeSearch(t *testing.T) {
	e := NewEngine(nil, &fakeSearcher{}, 100)

	_, err := e.Refresh(context.Background(), fhir.WriteContext{}, "group-1", map[string]interface{}{})
	if err == nil {
		t.Fatal("expected an error for a Group resource with no member-resource-type extension")
	}
}

func TestEngine_RemoveMember_NotAMemberFails(t *testing.T) {
	e := NewEngine(nil, &fakeSearcher{}, 100)

	current := map[string]interface{}{
		"member": []interface{}{
			map[string]interface{}{"entity": map[string]interface{}{"reference": "Patient/1"}},
		},
	}

	_, err := e.RemoveMember(context.Background(), fhir.WriteContext{}, "group-1", "Patient/999", current)
	if err == nil {
		t.Fatal("expected an error removing a reference that isn't a member")
	}
	fe, ok := fhirerr.As(err)
	if !ok || fe.Kind != fhirerr.KindBadRequest {
		t.Errorf("expected a BadRequest fhirerr, got %v", err)
	}
}
