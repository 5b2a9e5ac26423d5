package fhir

import (
	"net/http"
	"sort"
	"sync"

	"github.com/fhir-couchbase/server/internal/platform/routing"
	"github.com/labstack/echo/v4"
)

// CapabilityBuilder assembles the server's CapabilityStatement from the
// resource types routing knows about plus whatever SearchParameter
// resources are registered in a SearchParameterStore. Custom (deployment-
// added) search parameters layer on top of DefaultSearchParameters.
type CapabilityBuilder struct {
	mu      sync.RWMutex
	baseURL string
	params  *SearchParameterStore
	custom  map[string][]CSSearchParam // resourceType -> extra params
}

// NewCapabilityBuilder creates a builder backed by the given search
// parameter store (see NewDefaultSearchParameterStore).
func NewCapabilityBuilder(baseURL string, params *SearchParameterStore) *CapabilityBuilder {
	return &CapabilityBuilder{
		baseURL: baseURL,
		params:  params,
		custom:  make(map[string][]CSSearchParam),
	}
}

// AddCustomSearchParam registers an additional search parameter for a
// resource type beyond what the store already carries.
func (b *CapabilityBuilder) AddCustomSearchParam(resourceType string, sp CSSearchParam) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.custom[resourceType] = append(b.custom[resourceType], sp)
}

// searchParamsFor collects the CSSearchParam entries applicable to a
// resource type from the store plus any custom registrations.
func (b *CapabilityBuilder) searchParamsFor(resourceType string) []CSSearchParam {
	var out []CSSearchParam
	if b.params != nil {
		for _, sp := range b.params.List() {
			for _, base := range sp.Base {
				if base == resourceType || base == "Resource" {
					out = append(out, CSSearchParam{Name: sp.Code, Type: sp.Type, Definition: sp.URL})
					break
				}
			}
		}
	}
	b.mu.RLock()
	out = append(out, b.custom[resourceType]...)
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build assembles the full CapabilityStatement covering every well-known
// resource type plus the system-level interactions (transaction, batch,
// history, search-system).
func (b *CapabilityBuilder) Build() *CapabilityStatement {
	types := routing.AllWellKnown()
	sort.Strings(types)

	resources := make([]CSResource, 0, len(types))
	for _, rt := range types {
		resources = append(resources, ResourceCapability(rt, b.searchParamsFor(rt)))
	}

	cs := NewCapabilityStatement(b.baseURL, resources)
	cs.Rest[0].Interaction = []CSInteraction{
		{Code: "transaction"},
		{Code: "batch"},
		{Code: "search-system"},
		{Code: "history-system"},
	}
	return cs
}

// CapabilityHandler serves the /metadata endpoint.
type CapabilityHandler struct {
	builder *CapabilityBuilder
}

func NewCapabilityHandler(builder *CapabilityBuilder) *CapabilityHandler {
	return &CapabilityHandler{builder: builder}
}

func (h *CapabilityHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.GetMetadata)
}

func (h *CapabilityHandler) GetMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, h.builder.Build())
}
