// Package admin serves the operator endpoints used to bring a new
// FHIR-enabled bucket online: registering its Couchbase connection,
// provisioning its Resources/Admin scopes and collections, and recording
// the validation policy writes against it must satisfy. It sits outside
// the core FHIR interactions but is what the CLI's bucket subcommand
// needs to be exercisable end to end.
package admin

import (
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/fhir-couchbase/server/internal/platform/auth"
	"github.com/fhir-couchbase/server/internal/platform/fhir"
	"github.com/fhir-couchbase/server/internal/platform/gateway"
)

var bucketNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Handler serves the bucket administration endpoints.
type Handler struct {
	gw       *gateway.Gateway
	registry *gateway.BucketRegistry
}

// NewHandler creates a Handler backed by gw and registry.
func NewHandler(gw *gateway.Gateway, registry *gateway.BucketRegistry) *Handler {
	return &Handler{gw: gw, registry: registry}
}

// RegisterRoutes mounts the bucket administration endpoints under g, all
// requiring the "admin" role.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	admin := g.Group("", requireAdmin)
	admin.POST("/buckets", h.CreateBucket)
	admin.GET("/buckets", h.ListBuckets)
	admin.GET("/buckets/:name", h.GetBucket)
	admin.DELETE("/buckets/:name", h.DisableBucket)
}

// requireAdmin rejects requests whose JWT claims do not carry the "admin"
// role. DevAuthMiddleware attaches that role to every request in
// development mode, so this has no effect on a dev deployment.
func requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		for _, role := range auth.RolesFromContext(c.Request().Context()) {
			if role == "admin" {
				return next(c)
			}
		}
		return echo.NewHTTPError(http.StatusForbidden, "admin role required")
	}
}

// CreateBucketRequest is the body of POST /admin/buckets.
type CreateBucketRequest struct {
	Name              string `json:"name"`
	ConnString        string `json:"connString"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	ValidationMode    string `json:"validationMode"`    // disabled|lenient|strict, default lenient
	ValidationProfile string `json:"validationProfile"` // base-r4|us-core, default base-r4
}

// BucketView is what a bucket administration endpoint returns; it omits
// the Couchbase credentials a CreateBucketRequest carries.
type BucketView struct {
	Name              string `json:"name"`
	ConnName          string `json:"connName"`
	ValidationMode    string `json:"validationMode"`
	ValidationProfile string `json:"validationProfile"`
	Enabled           bool   `json:"enabled"`
}

// CreateBucket registers a new Couchbase connection named after the
// bucket, provisions its Resources/Admin scopes and collections, and adds
// it to the bucket registry so /fhir/:bucket/... requests start being
// served. Provisioning is idempotent, so calling this again for an
// already-provisioned bucket just updates its validation policy.
func (h *Handler) CreateBucket(c echo.Context) error {
	var req CreateBucketRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	if !bucketNamePattern.MatchString(req.Name) {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid bucket name"))
	}
	if req.ConnString == "" {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("connString is required"))
	}

	mode := fhir.Mode(req.ValidationMode)
	if mode == "" {
		mode = fhir.ModeLenient
	}
	profile := fhir.Profile(req.ValidationProfile)
	if profile == "" {
		profile = fhir.ProfileBaseR4
	}

	connName := req.Name
	h.gw.Register(connName, gateway.Config{
		ConnString: req.ConnString,
		Username:   req.Username,
		Password:   req.Password,
	})

	if err := h.gw.ProvisionBucket(connName, req.Name); err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome("provision bucket: "+err.Error()))
	}

	cfg := gateway.BucketConfig{
		ConnName:          connName,
		ValidationMode:    mode,
		ValidationProfile: profile,
		Enabled:           true,
	}
	h.registry.Register(req.Name, cfg)

	return c.JSON(http.StatusCreated, bucketView(req.Name, cfg))
}

// GetBucket returns one bucket's current configuration.
func (h *Handler) GetBucket(c echo.Context) error {
	name := c.Param("name")
	cfg, ok := h.registry.Get(name)
	if !ok {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Bucket", name))
	}
	return c.JSON(http.StatusOK, bucketView(name, cfg))
}

// ListBuckets returns every registered bucket's configuration.
func (h *Handler) ListBuckets(c echo.Context) error {
	return c.JSON(http.StatusOK, h.registry.List())
}

// DisableBucket marks a bucket disabled: its data and provisioned
// collections are left untouched, but BucketMiddleware starts rejecting
// requests against it. There is no hard-delete endpoint; removing a
// bucket's data is an operator action taken directly against Couchbase.
func (h *Handler) DisableBucket(c echo.Context) error {
	name := c.Param("name")
	cfg, ok := h.registry.Get(name)
	if !ok {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Bucket", name))
	}
	cfg.Enabled = false
	h.registry.Register(name, cfg)
	return c.NoContent(http.StatusNoContent)
}

func bucketView(name string, cfg gateway.BucketConfig) BucketView {
	return BucketView{
		Name:              name,
		ConnName:          cfg.ConnName,
		ValidationMode:    string(cfg.ValidationMode),
		ValidationProfile: string(cfg.ValidationProfile),
		Enabled:           cfg.Enabled,
	}
}
