package fhir

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fhir-couchbase/server/internal/platform/fhirerr"
	"github.com/fhir-couchbase/server/internal/platform/gateway"
	"github.com/fhir-couchbase/server/internal/platform/routing"
)

// HistoryChecker is the narrow slice of the history store RESTHandler needs
// to distinguish a deleted resource from one that never existed. Satisfied
// structurally by *history.Store.
type HistoryChecker interface {
	LatestAction(ctx context.Context, connName, bucket, resourceType, resourceID string) (action string, found bool, err error)
}

// RESTHandler serves the generic instance-level and type-level FHIR REST
// interactions (read, search, create/update/patch/delete and their
// conditional variants) for every resource type routing knows about,
// against one bucket's write path and search engine. One RESTHandler
// instance is shared by every bucket; the bucket in play is resolved per
// request from gateway.BucketMiddleware's context.
type RESTHandler struct {
	wp      *WritePath
	search  *SearchEngine
	history HistoryChecker
	gw      *gateway.Gateway
}

// NewRESTHandler creates a RESTHandler backed by wp, search, and history.
func NewRESTHandler(wp *WritePath, search *SearchEngine, history HistoryChecker, gw *gateway.Gateway) *RESTHandler {
	return &RESTHandler{wp: wp, search: search, history: history, gw: gw}
}

// RegisterRoutes mounts the REST interactions under g, which must already
// carry gateway.BucketMiddleware and resolve the :type/:id params (e.g.
// "/fhir/:bucket").
func (h *RESTHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/:type/:id", h.Read)
	g.GET("/:type", h.Search)
	g.POST("/:type/_search", h.Search)

	g.POST("/:type", ConditionalCreateMiddleware(h.countSearcher)(h.Create))
	g.PUT("/:type/:id", h.Update)
	g.PUT("/:type", ConditionalUpdateHandler(h.countSearcher, h.Create, h.Update))
	g.DELETE("/:type/:id", h.Delete)
	g.DELETE("/:type", ConditionalDeleteHandler(h.countSearcher, h.Delete, false))
	g.PATCH("/:type/:id", h.Patch)
}

func (h *RESTHandler) writeContext(c echo.Context) WriteContext {
	cfg, _ := gateway.BucketConfigFromContext(c.Request().Context())
	return WriteContext{
		ConnName: cfg.ConnName,
		Bucket:   gateway.BucketFromContext(c.Request().Context()),
		Mode:     cfg.ValidationMode,
		Profile:  cfg.ValidationProfile,
	}
}

// countSearcher adapts SearchEngine.CountMatches to the ResourceSearcher
// signature the conditional-operation middlewares expect.
func (h *RESTHandler) countSearcher(c echo.Context, params map[string]string) (*ConditionalResult, error) {
	wc := h.writeContext(c)
	resourceType := c.Param("type")
	return h.search.CountMatches(c.Request().Context(), wc.ConnName, wc.Bucket, resourceType, params)
}

// Read handles GET /fhir/:bucket/:type/:id. A resource absent from the live
// collection is 410 Gone if history shows it was deleted, 404 otherwise.
func (h *RESTHandler) Read(c echo.Context) error {
	wc := h.writeContext(c)
	resourceType := c.Param("type")
	id := c.Param("id")
	ctx := c.Request().Context()

	loc := routing.ForResourceType(resourceType)
	raw, err := h.gw.GetRaw(ctx, wc.ConnName, wc.Bucket, loc.Scope, loc.Collection, routing.Key(resourceType, id))
	if err != nil {
		if err == gateway.ErrDocumentNotFound {
			action, found, herr := h.history.LatestAction(ctx, wc.ConnName, wc.Bucket, resourceType, id)
			if herr == nil && found && action == "delete" {
				return c.JSON(http.StatusGone, GoneOutcome(resourceType, id))
			}
			return c.JSON(http.StatusNotFound, NotFoundOutcome(resourceType, id))
		}
		return writeFHIRError(c, wrapGatewayErr(err))
	}

	var resource map[string]interface{}
	if err := json.Unmarshal(raw, &resource); err != nil {
		return writeFHIRError(c, fhirerr.Internal(err))
	}
	version := versionOf(resource)
	c.Response().Header().Set("ETag", `W/"`+strconv.Itoa(version)+`"`)
	return c.JSONBlob(http.StatusOK, raw)
}

func (h *RESTHandler) Search(c echo.Context) error {
	wc := h.writeContext(c)
	resourceType := c.Param("type")

	params := map[string][]string(c.QueryParams())
	if c.Request().Method == http.MethodPost {
		if err := c.Request().ParseForm(); err == nil {
			for k, v := range c.Request().PostForm {
				params[k] = append(params[k], v...)
			}
		}
	}

	count := -1
	if cv := firstOf(params, "_count"); cv != "" {
		count, _ = strconv.Atoi(cv)
	}
	offset := 0
	if ov := firstOf(params, "_offset"); ov != "" {
		offset, _ = strconv.Atoi(ov)
	}

	baseURL := c.Scheme() + "://" + c.Request().Host + "/fhir/" + wc.Bucket + "/" + resourceType
	result, err := h.search.ExecuteSearchSet(c.Request().Context(), wc.ConnName, wc.Bucket, resourceType, params, baseURL, c.Request().URL.RawQuery, count, offset)
	if err != nil {
		if _, ok := fhirerr.As(err); ok {
			return writeFHIRError(c, err)
		}
		return writeFHIRError(c, fhirerr.Internal(err))
	}
	if result.ReadyBytes != nil {
		return c.Blob(http.StatusOK, "application/fhir+json", result.ReadyBytes)
	}
	return c.JSON(http.StatusOK, result.Bundle)
}

func (h *RESTHandler) Create(c echo.Context) error {
	wc := h.writeContext(c)
	resourceType := c.Param("type")

	var body map[string]interface{}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome(err.Error()))
	}

	res, err := h.wp.Create(c.Request().Context(), wc, resourceType, body)
	if err != nil {
		return writeFHIRError(c, err)
	}
	setWriteHeaders(c, res)
	return c.JSON(http.StatusCreated, res.Resource)
}

func (h *RESTHandler) Update(c echo.Context) error {
	wc := h.writeContext(c)
	resourceType := c.Param("type")
	id := c.Param("id")

	var body map[string]interface{}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome(err.Error()))
	}

	res, err := h.wp.Update(c.Request().Context(), wc, resourceType, id, body, c.Request().Header.Get("If-Match"))
	if err != nil {
		return writeFHIRError(c, err)
	}
	setWriteHeaders(c, res)
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	return c.JSON(status, res.Resource)
}

func (h *RESTHandler) Patch(c echo.Context) error {
	wc := h.writeContext(c)
	resourceType := c.Param("type")
	id := c.Param("id")

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("failed to read request body"))
	}
	contentType := c.Request().Header.Get("Content-Type")

	res, err := h.wp.Patch(c.Request().Context(), wc, resourceType, id, contentType, body, c.Request().Header.Get("If-Match"))
	if err != nil {
		return writeFHIRError(c, err)
	}
	setWriteHeaders(c, res)
	return c.JSON(http.StatusOK, res.Resource)
}

func (h *RESTHandler) Delete(c echo.Context) error {
	wc := h.writeContext(c)
	resourceType := c.Param("type")
	id := c.Param("id")

	_, err := h.wp.Delete(c.Request().Context(), wc, resourceType, id)
	if err != nil {
		return writeFHIRError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func setWriteHeaders(c echo.Context, res *WriteResult) {
	c.Response().Header().Set("Location", res.ResourceType+"/"+res.ID+"/_history/"+strconv.Itoa(res.VersionID))
	c.Response().Header().Set("ETag", `W/"`+strconv.Itoa(res.VersionID)+`"`)
	c.Response().Header().Set("Last-Modified", res.LastUpdated.Format(http.TimeFormat))
}

func writeFHIRError(c echo.Context, err error) error {
	return c.JSON(fhirerr.StatusOf(err), FromError(err))
}

func firstOf(params map[string][]string, key string) string {
	if v, ok := params[key]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}
