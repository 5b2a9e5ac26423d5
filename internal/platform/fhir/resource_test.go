package fhir

import (
	"errors"
	"testing"

	"github.com/fhir-couchbase/server/internal/platform/fhirerr"
)

func TestNewOperationOutcome(t *testing.T) {
	outcome := NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, "bad request")
	if outcome.ResourceType != "OperationOutcome" {
		t.Errorf("expected resourceType OperationOutcome, got %s", outcome.ResourceType)
	}
	if len(outcome.Issue) != 1 || outcome.Issue[0].Diagnostics != "bad request" {
		t.Errorf("unexpected issues: %+v", outcome.Issue)
	}
}

func TestErrorOutcome(t *testing.T) {
	outcome := ErrorOutcome("something broke")
	if outcome.Issue[0].Code != IssueTypeProcessing {
		t.Errorf("expected processing issue code, got %s", outcome.Issue[0].Code)
	}
}

func TestNotFoundOutcome(t *testing.T) {
	outcome := NotFoundOutcome("Patient", "123")
	if outcome.Issue[0].Diagnostics != "Patient/123 not found" {
		t.Errorf("unexpected diagnostics: %s", outcome.Issue[0].Diagnostics)
	}
}

func TestGoneOutcome(t *testing.T) {
	outcome := GoneOutcome("Patient", "123")
	if outcome.Issue[0].Code != IssueTypeDeleted {
		t.Errorf("expected deleted issue code, got %s", outcome.Issue[0].Code)
	}
}

func TestFromError_FHIRErr(t *testing.T) {
	err := fhirerr.NotFound("Patient/%s missing", "123")
	outcome := FromError(err)
	if outcome.Issue[0].Code != "not-found" {
		t.Errorf("expected not-found issue code, got %s", outcome.Issue[0].Code)
	}
	if outcome.Issue[0].Diagnostics == "" {
		t.Error("expected diagnostics to be populated")
	}
}

func TestFromError_WrappedFHIRErr(t *testing.T) {
	inner := fhirerr.Conflict("duplicate identifier")
	wrapped := errorWrapper{err: inner}
	outcome := FromError(wrapped)
	if outcome.Issue[0].Code != "duplicate" {
		t.Errorf("expected duplicate issue code, got %s", outcome.Issue[0].Code)
	}
}

func TestFromError_PlainError(t *testing.T) {
	outcome := FromError(errors.New("unexpected failure"))
	if outcome.Issue[0].Severity != IssueSeverityFatal {
		t.Errorf("expected fatal severity for a plain error, got %s", outcome.Issue[0].Severity)
	}
	if outcome.Issue[0].Diagnostics != "unexpected failure" {
		t.Errorf("expected diagnostics to carry the error message, got %s", outcome.Issue[0].Diagnostics)
	}
}

// errorWrapper wraps an error to exercise FromError's fhirerr.As unwrapping path.
type errorWrapper struct {
	err error
}

func (w errorWrapper) Error() string { return w.err.Error() }
func (w errorWrapper) Unwrap() error { return w.err }
