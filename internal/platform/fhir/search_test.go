package fhir

import (
	"strings"
	"testing"
)

func TestParseSearchValue_BareValueDefaultsToEq(t *testing.T) {
	got := ParseSearchValue("100")
	if got.Prefix != PrefixEq || got.Value != "100" {
		t.Errorf("ParseSearchValue(100) = %+v, want eq/100", got)
	}
}

func TestParseSearchValue_RecognizesPrefix(t *testing.T) {
	got := ParseSearchValue("ge2023-01-01")
	if got.Prefix != PrefixGe || got.Value != "2023-01-01" {
		t.Errorf("ParseSearchValue(ge2023-01-01) = %+v, want ge/2023-01-01", got)
	}
}

func TestParseSearchValue_UnrecognizedTwoLettersTreatedAsEq(t *testing.T) {
	got := ParseSearchValue("20-short")
	if got.Prefix != PrefixEq || got.Value != "20-short" {
		t.Errorf("ParseSearchValue(20-short) = %+v, want the whole value back as eq", got)
	}
}

func TestParseParamModifier_WithModifier(t *testing.T) {
	base, mod := ParseParamModifier("name:exact")
	if base != "name" || mod != ModifierExact {
		t.Errorf("ParseParamModifier(name:exact) = (%q, %q), want (name, exact)", base, mod)
	}
}

func TestParseParamModifier_NoModifier(t *testing.T) {
	base, mod := ParseParamModifier("code")
	if base != "code" || mod != "" {
		t.Errorf("ParseParamModifier(code) = (%q, %q), want (code, \"\")", base, mod)
	}
}

func TestBuildDateQuery_InvalidValueErrors(t *testing.T) {
	if _, err := BuildDateQuery("effectiveDateTime", "not-a-date"); err == nil {
		t.Error("expected an error for an unparsable date value")
	}
}

func TestBuildDateQuery_ValidBareDateSucceeds(t *testing.T) {
	if _, err := BuildDateQuery("effectiveDateTime", "2023-06-15"); err != nil {
		t.Errorf("unexpected error for a valid bare date: %v", err)
	}
}

func TestBuildDateQuery_PrefixedRangeSucceeds(t *testing.T) {
	for _, v := range []string{"ge2023-01-01", "le2023-12-31", "gt2023-01-01", "lt2023-12-31", "sa2023-01-01", "eb2023-12-31", "ap2023-06-01", "ne2023-06-01"} {
		if _, err := BuildDateQuery("effectiveDateTime", v); err != nil {
			t.Errorf("unexpected error for date value %q: %v", v, err)
		}
	}
}

func TestBuildNumberQuery_InvalidValueErrors(t *testing.T) {
	if _, err := BuildNumberQuery("valueQuantity.value", "not-a-number"); err == nil {
		t.Error("expected an error for a non-numeric value")
	}
}

func TestBuildNumberQuery_ValidValuesSucceed(t *testing.T) {
	for _, v := range []string{"5.4", "ge5", "le10", "gt1", "lt9", "ap5"} {
		if _, err := BuildNumberQuery("valueQuantity.value", v); err != nil {
			t.Errorf("unexpected error for number value %q: %v", v, err)
		}
	}
}

func TestBuildTokenQuery_SystemAndCode(t *testing.T) {
	q := BuildTokenQuery("telecom.system", "telecom.value", "phone|555-0100")
	if q == nil {
		t.Fatal("expected a non-nil query")
	}
}

func TestBuildTokenQuery_BareCode(t *testing.T) {
	q := BuildTokenQuery("telecom.system", "telecom.value", "555-0100")
	if q == nil {
		t.Fatal("expected a non-nil query")
	}
}

func TestBuildTokenQuery_SystemOnly(t *testing.T) {
	q := BuildTokenQuery("telecom.system", "telecom.value", "phone|")
	if q == nil {
		t.Fatal("expected a non-nil query for a system-only token")
	}
}

func TestBuildTokenQuery_CodeOnly(t *testing.T) {
	q := BuildTokenQuery("telecom.system", "telecom.value", "|555-0100")
	if q == nil {
		t.Fatal("expected a non-nil query for a code-only token")
	}
}

func TestBuildStringQuery_DefaultIsStartsWith(t *testing.T) {
	q := BuildStringQuery("name.family", "Doe", "")
	if q == nil {
		t.Fatal("expected a non-nil default query")
	}
}

func TestBuildStringQuery_ExactModifier(t *testing.T) {
	q := BuildStringQuery("name.family", "Doe", ModifierExact)
	if q == nil {
		t.Fatal("expected a non-nil exact-match query")
	}
}

func TestEscapeWildcard_EscapesMetacharacters(t *testing.T) {
	got := escapeWildcard("a*b?c")
	if !strings.Contains(got, `\*`) || !strings.Contains(got, `\?`) {
		t.Errorf("escapeWildcard(a*b?c) = %q, want escaped wildcard metacharacters", got)
	}
}

func TestBuildMissingPredicate_MissingTrue(t *testing.T) {
	got := BuildMissingPredicate("birthDate", true)
	if got != "birthDate IS MISSING" {
		t.Errorf("BuildMissingPredicate(true) = %q, want %q", got, "birthDate IS MISSING")
	}
}

func TestBuildMissingPredicate_MissingFalse(t *testing.T) {
	got := BuildMissingPredicate("birthDate", false)
	if got != "birthDate IS NOT MISSING" {
		t.Errorf("BuildMissingPredicate(false) = %q, want %q", got, "birthDate IS NOT MISSING")
	}
}

func TestIsUUID_ValidUUID(t *testing.T) {
	if !isUUID("550e8400-e29b-41d4-a716-446655440000") {
		t.Error("expected a valid UUID to be recognized")
	}
}

func TestIsUUID_BusinessIdentifierRejected(t *testing.T) {
	if isUUID("patient-1234") {
		t.Error("expected a non-UUID business identifier to be rejected")
	}
}

func TestIsUUID_WrongLengthRejected(t *testing.T) {
	if isUUID("550e8400-e29b-41d4-a716") {
		t.Error("expected a truncated UUID to be rejected")
	}
}

func TestIsUUID_NonHexCharRejected(t *testing.T) {
	if isUUID("550e8400-e29b-41d4-a716-44665544000z") {
		t.Error("expected a UUID with a non-hex character to be rejected")
	}
}
