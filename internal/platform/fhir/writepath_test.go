package fhir

import (
	"errors"
	"testing"
	"time"

	"github.com/fhir-couchbase/server/internal/platform/fhirerr"
	"github.com/fhir-couchbase/server/internal/platform/gateway"
)

func TestMergeMeta_NewMeta(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	meta := mergeMeta(nil, "1", now)

	if meta["versionId"] != "1" {
		t.Errorf("versionId = %v, want %q", meta["versionId"], "1")
	}
	if meta["lastUpdated"] != now.Format(time.RFC3339Nano) {
		t.Errorf("lastUpdated = %v, want %s", meta["lastUpdated"], now.Format(time.RFC3339Nano))
	}
}

func TestMergeMeta_PreservesExistingFields(t *testing.T) {
	existing := map[string]interface{}{"profile": []interface{}{"http://example.com/profile"}, "versionId": "9"}
	now := time.Now().UTC()

	meta := mergeMeta(existing, "2", now)

	if meta["versionId"] != "2" {
		t.Errorf("expected versionId overwritten to 2, got %v", meta["versionId"])
	}
	if _, ok := meta["profile"]; !ok {
		t.Error("expected existing profile field to be preserved")
	}
}

func TestMergeMeta_NonMapExistingIgnored(t *testing.T) {
	now := time.Now().UTC()
	meta := mergeMeta("not-a-map", "1", now)
	if meta["versionId"] != "1" {
		t.Errorf("expected a fresh meta map when existing isn't a map, got %v", meta)
	}
}

func TestVersionOf_MissingMeta(t *testing.T) {
	if v := versionOf(map[string]interface{}{}); v != 1 {
		t.Errorf("versionOf with no meta = %d, want 1", v)
	}
}

func TestVersionOf_ParsesStringVersion(t *testing.T) {
	resource := map[string]interface{}{"meta": map[string]interface{}{"versionId": "7"}}
	if v := versionOf(resource); v != 7 {
		t.Errorf("versionOf = %d, want 7", v)
	}
}

func TestVersionOf_InvalidVersionDefaultsToOne(t *testing.T) {
	resource := map[string]interface{}{"meta": map[string]interface{}{"versionId": "not-a-number"}}
	if v := versionOf(resource); v != 1 {
		t.Errorf("versionOf with invalid versionId = %d, want 1", v)
	}
}

func TestVersionOf_ZeroOrNegativeDefaultsToOne(t *testing.T) {
	resource := map[string]interface{}{"meta": map[string]interface{}{"versionId": "0"}}
	if v := versionOf(resource); v != 1 {
		t.Errorf("versionOf with versionId=0 = %d, want 1", v)
	}
}

func TestCheckIfMatch_EmptyIsUnconditional(t *testing.T) {
	if err := checkIfMatch("", 5); err != nil {
		t.Errorf("expected no error for empty If-Match, got %v", err)
	}
}

func TestCheckIfMatch_MatchingVersionPasses(t *testing.T) {
	if err := checkIfMatch(`W/"3"`, 3); err != nil {
		t.Errorf("expected no error for matching If-Match, got %v", err)
	}
}

func TestCheckIfMatch_MismatchedVersionFails(t *testing.T) {
	err := checkIfMatch(`W/"2"`, 3)
	if err == nil {
		t.Fatal("expected an error for a version mismatch")
	}
	fe, ok := fhirerr.As(err)
	if !ok || fe.Kind != fhirerr.KindPreconditionFailed {
		t.Errorf("expected a PreconditionFailed fhirerr, got %v", err)
	}
}

func TestCheckIfMatch_InvalidETagFails(t *testing.T) {
	err := checkIfMatch("not-an-etag", 1)
	if err == nil {
		t.Fatal("expected an error for an unparsable If-Match header")
	}
	fe, ok := fhirerr.As(err)
	if !ok || fe.Kind != fhirerr.KindBadRequest {
		t.Errorf("expected a BadRequest fhirerr, got %v", err)
	}
}

func TestValidationIssuesError_Empty(t *testing.T) {
	var v validationIssuesError
	if v.Error() != "validation failed" {
		t.Errorf("Error() = %q, want %q", v.Error(), "validation failed")
	}
}

func TestValidationIssuesError_FirstIssue(t *testing.T) {
	v := validationIssuesError{
		{Code: "required", Diagnostics: "Patient.name is required"},
		{Code: "invalid", Diagnostics: "something else"},
	}
	want := "required: Patient.name is required"
	if v.Error() != want {
		t.Errorf("Error() = %q, want %q", v.Error(), want)
	}
}

func TestWrapGatewayErr_DatabaseUnavailable(t *testing.T) {
	err := wrapGatewayErr(gateway.ErrDatabaseUnavailable)
	fe, ok := fhirerr.As(err)
	if !ok || fe.Kind != fhirerr.KindDatabaseUnavailable {
		t.Errorf("expected a DatabaseUnavailable fhirerr, got %v", err)
	}
}

func TestWrapGatewayErr_OtherErrorBecomesInternal(t *testing.T) {
	err := wrapGatewayErr(errors.New("boom"))
	fe, ok := fhirerr.As(err)
	if !ok || fe.Kind != fhirerr.KindInternal {
		t.Errorf("expected an Internal fhirerr, got %v", err)
	}
}
