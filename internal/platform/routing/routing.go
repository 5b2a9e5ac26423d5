// Package routing is the stateless mapping from a FHIR resourceType to its
// physical (scope, collection) location, used consistently by the search
// engine, write path, and transaction processor.
package routing

const (
	ScopeResources = "Resources"
	ScopeAdmin     = "Admin"

	// GeneralCollection is where infrequent resource types are routed
	// rather than being given their own collection.
	GeneralCollection = "General"

	AdminConfigCollection   = "config"
	AdminVersionsCollection = "versions"
	AdminTokensCollection   = "tokens"
	AdminGroupsCollection   = "bulk_groups"
)

// wellKnown lists resource types that get their own collection because
// they are bulk/high-volume in a typical deployment. Anything not listed
// here routes to Resources.General.
var wellKnown = map[string]bool{
	"Patient":          true,
	"Encounter":        true,
	"Observation":      true,
	"Condition":        true,
	"MedicationRequest": true,
	"Procedure":        true,
	"DiagnosticReport": true,
	"AllergyIntolerance": true,
	"Immunization":     true,
	"CarePlan":         true,
	"DocumentReference": true,
	"Practitioner":     true,
	"PractitionerRole": true,
	"Organization":     true,
	"Location":         true,
	"Group":            true,
}

// Location is the physical (scope, collection) a resource type is stored
// under within a bucket.
type Location struct {
	Scope      string
	Collection string
}

// ForResourceType returns the Resources-scope location for a resourceType.
func ForResourceType(resourceType string) Location {
	if wellKnown[resourceType] {
		return Location{Scope: ScopeResources, Collection: resourceType}
	}
	return Location{Scope: ScopeResources, Collection: GeneralCollection}
}

// Key builds the document key "<ResourceType>/<id>" for a resource.
func Key(resourceType, id string) string {
	return resourceType + "/" + id
}

// HistoryKey builds the Admin.versions key "<ResourceType>/<id>/_history/<versionID>".
func HistoryKey(resourceType, id, versionID string) string {
	return resourceType + "/" + id + "/_history/" + versionID
}

// RegisterWellKnown adds a resource type to the own-collection set. Used by
// bucket provisioning when a deployment wants a bulk type broken out.
func RegisterWellKnown(resourceType string) {
	wellKnown[resourceType] = true
}

// IsWellKnown reports whether resourceType has its own collection.
func IsWellKnown(resourceType string) bool {
	return wellKnown[resourceType]
}

// AllWellKnown returns the resource types with their own collection, for
// CapabilityStatement generation and bucket provisioning.
func AllWellKnown() []string {
	out := make([]string, 0, len(wellKnown))
	for rt := range wellKnown {
		out = append(out, rt)
	}
	return out
}
