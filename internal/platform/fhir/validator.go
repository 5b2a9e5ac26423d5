package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	fv "github.com/gofhir/validator"
	"github.com/gofhir/validator/engine"
)

// referencePattern matches FHIR references in the format "ResourceType/id".
var referencePattern = regexp.MustCompile(`^[A-Z][a-zA-Z]+/[a-zA-Z0-9\-\.]+$`)

// Mode is a bucket's validation mode.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeLenient  Mode = "lenient"
	ModeStrict   Mode = "strict"
)

// Profile is the profile a lenient/strict bucket validates against.
type Profile string

const (
	ProfileBaseR4 Profile = "base-r4"
	ProfileUSCore Profile = "us-core"
)

// usCoreProfileURLs are the canonical US Core 6.1.0 profile URLs, keyed by
// resourceType, consulted when a bucket's profile is us-core.
var usCoreProfileURLs = map[string]string{
	"Patient":       "http://hl7.org/fhir/us/core/StructureDefinition/us-core-patient",
	"Encounter":     "http://hl7.org/fhir/us/core/StructureDefinition/us-core-encounter",
	"Observation":   "http://hl7.org/fhir/us/core/StructureDefinition/us-core-observation-lab",
	"Condition":     "http://hl7.org/fhir/us/core/StructureDefinition/us-core-condition",
	"Practitioner":  "http://hl7.org/fhir/us/core/StructureDefinition/us-core-practitioner",
	"Organization":  "http://hl7.org/fhir/us/core/StructureDefinition/us-core-organization",
	"MedicationRequest": "http://hl7.org/fhir/us/core/StructureDefinition/us-core-medicationrequest",
	"AllergyIntolerance": "http://hl7.org/fhir/us/core/StructureDefinition/us-core-allergyintolerance",
}

// ValidationResult holds the results of validating a FHIR resource.
type ValidationResult struct {
	Valid  bool
	Issues []OperationOutcomeIssue
}

// ToOperationOutcome converts a ValidationResult into an OperationOutcome.
func (vr *ValidationResult) ToOperationOutcome() *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        vr.Issues,
	}
}

// Validator runs the bucket's configured validation mode against a
// resource. Structural/profile validation is delegated to an external
// FHIR-aware validation engine (the core does not implement an R4 resource
// model of its own); this package owns only the mode/profile policy,
// reference-format spot checks, and strict unknown-element enforcement.
type Validator struct {
	lenientBaseR4 *engine.Validator
	lenientUSCore *engine.Validator
	strictBaseR4  *engine.Validator
	strictUSCore  *engine.Validator
}

// NewValidator builds the four validation engine instances (lenient/strict
// x base-r4/us-core) used by bucket configs. ctx is used only to construct
// the engines; it is not retained.
func NewValidator(ctx context.Context) (*Validator, error) {
	lenientBase, err := engine.New(ctx, fv.R4, fv.WithUnknownElements(true))
	if err != nil {
		return nil, fmt.Errorf("build lenient base-r4 engine: %w", err)
	}
	lenientUS, err := engine.New(ctx, fv.R4, fv.WithUnknownElements(true), fv.WithRequireProfile(true))
	if err != nil {
		return nil, fmt.Errorf("build lenient us-core engine: %w", err)
	}
	strictBase, err := engine.New(ctx, fv.R4, fv.WithStrictMode(true))
	if err != nil {
		return nil, fmt.Errorf("build strict base-r4 engine: %w", err)
	}
	strictUS, err := engine.New(ctx, fv.R4, fv.WithStrictMode(true), fv.WithRequireProfile(true))
	if err != nil {
		return nil, fmt.Errorf("build strict us-core engine: %w", err)
	}

	return &Validator{
		lenientBaseR4: lenientBase,
		lenientUSCore: lenientUS,
		strictBaseR4:  strictBase,
		strictUSCore:  strictUS,
	}, nil
}

// engineFor selects the configured engine instance for (mode, profile).
// Returns nil for ModeDisabled.
func (v *Validator) engineFor(mode Mode, profile Profile) *engine.Validator {
	switch {
	case mode == ModeDisabled:
		return nil
	case mode == ModeStrict && profile == ProfileUSCore:
		return v.strictUSCore
	case mode == ModeStrict:
		return v.strictBaseR4
	case mode == ModeLenient && profile == ProfileUSCore:
		return v.lenientUSCore
	default:
		return v.lenientBaseR4
	}
}

// Validate runs the bucket's validation policy over raw resource JSON.
// mode == ModeDisabled accepts the body verbatim. Otherwise the external
// engine validates structure (and, under ModeStrict, rejects unknown
// elements); us-core profile additionally requires the resource carry (or
// is checked against) the relevant US Core profile URL.
func (v *Validator) Validate(ctx context.Context, resourceType string, mode Mode, profile Profile, data json.RawMessage) *ValidationResult {
	if mode == ModeDisabled {
		return &ValidationResult{Valid: true}
	}

	eng := v.engineFor(mode, profile)
	if eng == nil {
		return &ValidationResult{Valid: true}
	}

	var res *fv.Result
	var err error
	if profile == ProfileUSCore {
		if url, ok := usCoreProfileURLs[resourceType]; ok {
			res, err = eng.ValidateWithProfiles(ctx, data, url)
		} else {
			res, err = eng.Validate(ctx, data)
		}
	} else {
		res, err = eng.Validate(ctx, data)
	}

	if err != nil {
		return &ValidationResult{
			Valid: false,
			Issues: []OperationOutcomeIssue{{
				Severity:    IssueSeverityFatal,
				Code:        IssueTypeException,
				Diagnostics: "validation engine error: " + err.Error(),
			}},
		}
	}

	return translateResult(res)
}

func translateResult(res *fv.Result) *ValidationResult {
	out := &ValidationResult{Valid: res.Valid}
	for _, iss := range res.Issues {
		out.Issues = append(out.Issues, OperationOutcomeIssue{
			Severity:    string(iss.Severity),
			Code:        string(iss.Code),
			Diagnostics: iss.Diagnostics,
			Expression:  iss.Expression,
		})
	}
	return out
}

// ValidateReferenceFormat validates that a reference string matches "ResourceType/id".
func ValidateReferenceFormat(ref string) bool {
	return referencePattern.MatchString(ref)
}

// ValidateBundleEntry validates a single entry in a transaction/batch
// bundle against the bucket's validation policy, plus the entry-shape
// checks (request presence, and resource presence for POST/PUT) a Bundle
// processor needs regardless of validation mode.
func (v *Validator) ValidateBundleEntry(ctx context.Context, mode Mode, profile Profile, entry BundleEntry, index int) []OperationOutcomeIssue {
	var issues []OperationOutcomeIssue

	if entry.Request == nil {
		return []OperationOutcomeIssue{{
			Severity:    IssueSeverityError,
			Code:        IssueTypeRequired,
			Diagnostics: fmt.Sprintf("entry[%d].request is required for transaction/batch bundles", index),
			Expression:  []string{fmt.Sprintf("entry[%d].request", index)},
		}}
	}

	method := entry.Request.Method
	needsResource := method == "POST" || method == "PUT"
	if needsResource && len(entry.Resource) == 0 {
		issues = append(issues, OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeRequired,
			Diagnostics: fmt.Sprintf("entry[%d].resource is required for %s requests", index, method),
			Expression:  []string{fmt.Sprintf("entry[%d].resource", index)},
		})
		return issues
	}

	if needsResource {
		var rt string
		var shell struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(entry.Resource, &shell); err == nil {
			rt = shell.ResourceType
		}
		vr := v.Validate(ctx, rt, mode, profile, entry.Resource)
		issues = append(issues, vr.Issues...)
	}

	return issues
}
