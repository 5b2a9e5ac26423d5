package group

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhir-couchbase/server/internal/platform/fhir"
	"github.com/fhir-couchbase/server/internal/platform/fhirerr"
	"github.com/fhir-couchbase/server/internal/platform/gateway"
	"github.com/fhir-couchbase/server/internal/platform/routing"
)

// createRequest is the body POST /fhir/:bucket/Group expects: the
// creation filter and the resource type it runs against, plus a name and
// the identity of the caller creating the group.
type createRequest struct {
	Name       string `json:"name"`
	TargetType string `json:"targetType"` // resource type the filter runs against
	Filter     string `json:"filter"`
	CreatedBy  string `json:"createdBy"`
}

// Handler serves the Group resource's create/refresh/remove-member
// operations on top of Engine, taking the place of RESTHandler's generic
// CRUD for the Group resource type specifically.
type Handler struct {
	engine *Engine
	gw     *gateway.Gateway
}

// NewHandler creates a Handler backed by engine and gw. gw is used only to
// fetch a Group's current document ahead of a refresh or member removal.
func NewHandler(engine *Engine, gw *gateway.Gateway) *Handler {
	return &Handler{engine: engine, gw: gw}
}

// RegisterRoutes mounts Group's operations under g (expected to be
// "/fhir/:bucket", with gateway.BucketMiddleware already applied). Static
// segments like "/Group" take priority over RESTHandler's "/:type" route
// in Echo's router, so these never shadow other resource types.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/Group", h.Create)
	g.POST("/Group/:id/$refresh", h.Refresh)
	g.POST("/Group/:id/$remove-member", h.RemoveMember)
}

func (h *Handler) writeContext(c echo.Context) fhir.WriteContext {
	cfg, _ := gateway.BucketConfigFromContext(c.Request().Context())
	return fhir.WriteContext{
		ConnName: cfg.ConnName,
		Bucket:   gateway.BucketFromContext(c.Request().Context()),
		Mode:     cfg.ValidationMode,
		Profile:  cfg.ValidationProfile,
	}
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	if req.TargetType == "" || req.Filter == "" {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("targetType and filter are required"))
	}

	res, err := h.engine.Create(c.Request().Context(), h.writeContext(c), req.Name, req.TargetType, req.Filter, req.CreatedBy)
	if err != nil {
		return c.JSON(fhirerr.StatusOf(err), fhir.FromError(err))
	}
	c.Response().Header().Set("Location", "Group/"+res.ID)
	return c.JSON(http.StatusCreated, res.Resource)
}

func (h *Handler) Refresh(c echo.Context) error {
	wc := h.writeContext(c)
	id := c.Param("id")

	current, err := h.fetchGroup(c, wc, id)
	if err != nil {
		return err
	}

	res, rerr := h.engine.Refresh(c.Request().Context(), wc, id, current)
	if rerr != nil {
		return c.JSON(fhirerr.StatusOf(rerr), fhir.FromError(rerr))
	}
	return c.JSON(http.StatusOK, res.Resource)
}

func (h *Handler) RemoveMember(c echo.Context) error {
	wc := h.writeContext(c)
	id := c.Param("id")
	memberRef := c.QueryParam("member")
	if memberRef == "" {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("member query parameter is required"))
	}

	current, err := h.fetchGroup(c, wc, id)
	if err != nil {
		return err
	}

	res, rerr := h.engine.RemoveMember(c.Request().Context(), wc, id, memberRef, current)
	if rerr != nil {
		return c.JSON(fhirerr.StatusOf(rerr), fhir.FromError(rerr))
	}
	return c.JSON(http.StatusOK, res.Resource)
}

func (h *Handler) fetchGroup(c echo.Context, wc fhir.WriteContext, id string) (map[string]interface{}, error) {
	loc := routing.ForResourceType("Group")
	raw, err := h.gw.GetRaw(c.Request().Context(), wc.ConnName, wc.Bucket, loc.Scope, loc.Collection, routing.Key("Group", id))
	if err != nil {
		return nil, c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Group", id))
	}
	var current map[string]interface{}
	if err := json.Unmarshal(raw, &current); err != nil {
		return nil, c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome("decode Group: "+err.Error()))
	}
	return current, nil
}
