// Package history stores and serves FHIR resource version history. A
// version of a resource is written to the Admin.versions collection of the
// owning bucket when an update supersedes it or a delete removes it (the
// live version is not copied here), keyed by routing.HistoryKey, so a single KV document
// holds one version snapshot and N1QL range queries serve the _history
// interactions.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/labstack/echo/v4"

	"github.com/fhir-couchbase/server/internal/platform/fhir"
	"github.com/fhir-couchbase/server/internal/platform/gateway"
	"github.com/fhir-couchbase/server/internal/platform/routing"
	"github.com/fhir-couchbase/server/pkg/pagination"
)

// Entry is a single version snapshot as stored in Admin.versions.
type Entry struct {
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	VersionID    int             `json:"versionId"`
	Resource     json.RawMessage `json:"resource"`
	Action       string          `json:"action"` // "create", "update", "delete"
	Timestamp    time.Time       `json:"timestamp"`
}

// Store persists and queries version snapshots against a bucket's
// Admin.versions collection.
type Store struct {
	gw *gateway.Gateway
}

// NewStore creates a Store backed by gw.
func NewStore(gw *gateway.Gateway) *Store {
	return &Store{gw: gw}
}

// SaveVersion writes a version snapshot as a new KV document. Versions are
// immutable once written, so this is always an insert, never an upsert.
func (s *Store) SaveVersion(ctx context.Context, connName, bucket, resourceType, resourceID string, versionID int, resource interface{}, action string) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("marshal resource for history: %w", err)
	}

	col, err := s.gw.Collection(connName, bucket, routing.ScopeAdmin, routing.AdminVersionsCollection)
	if err != nil {
		return err
	}

	entry := Entry{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		VersionID:    versionID,
		Resource:     data,
		Action:       action,
		Timestamp:    time.Now().UTC(),
	}

	key := routing.HistoryKey(resourceType, resourceID, fmt.Sprintf("%d", versionID))
	_, err = col.Insert(key, entry, nil)
	if err != nil {
		return fmt.Errorf("save history version: %w", err)
	}
	return nil
}

// SaveVersionTx writes a version snapshot as part of an in-flight Couchbase
// transaction, so the archive write and the document mutation that
// provoked it commit or roll back together.
func (s *Store) SaveVersionTx(attempt *gocb.TransactionAttemptContext, connName, bucket, resourceType, resourceID string, versionID int, resource interface{}, action string) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("marshal resource for history: %w", err)
	}

	col, err := s.gw.Collection(connName, bucket, routing.ScopeAdmin, routing.AdminVersionsCollection)
	if err != nil {
		return err
	}

	entry := Entry{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		VersionID:    versionID,
		Resource:     data,
		Action:       action,
		Timestamp:    time.Now().UTC(),
	}

	key := routing.HistoryKey(resourceType, resourceID, fmt.Sprintf("%d", versionID))
	if _, err := attempt.Insert(col, key, entry); err != nil {
		return fmt.Errorf("save history version (tx): %w", err)
	}
	return nil
}

// GetVersion fetches a specific version of a resource by direct KV lookup.
func (s *Store) GetVersion(ctx context.Context, connName, bucket, resourceType, resourceID string, versionID int) (*Entry, error) {
	col, err := s.gw.Collection(connName, bucket, routing.ScopeAdmin, routing.AdminVersionsCollection)
	if err != nil {
		return nil, err
	}

	key := routing.HistoryKey(resourceType, resourceID, fmt.Sprintf("%d", versionID))
	res, err := col.Get(key, nil)
	if err != nil {
		return nil, fmt.Errorf("get history version: %w", err)
	}

	var e Entry
	if err := res.Content(&e); err != nil {
		return nil, fmt.Errorf("decode history version: %w", err)
	}
	return &e, nil
}

// LatestAction returns the action ("create", "update", or "delete") of the
// newest version recorded for a resource, used by the read path to tell a
// deleted resource (410 Gone) from one that never existed (404 Not Found)
// once the live document is gone from the Resources collection.
func (s *Store) LatestAction(ctx context.Context, connName, bucket, resourceType, resourceID string) (string, bool, error) {
	entries, _, err := s.ListVersions(ctx, connName, bucket, resourceType, resourceID, 1, 0)
	if err != nil {
		return "", false, err
	}
	if len(entries) == 0 {
		return "", false, nil
	}
	return entries[0].Action, true, nil
}

// ListVersions retrieves all versions of a single resource, newest first.
func (s *Store) ListVersions(ctx context.Context, connName, bucket, resourceType, resourceID string, limit, offset int) ([]*Entry, int, error) {
	return s.query(ctx, connName, bucket,
		"v.resourceType = $1 AND v.resourceId = $2", []interface{}{resourceType, resourceID},
		limit, offset)
}

// ListTypeVersions retrieves all history entries for a resource type, newest
// first, optionally filtered to versions at or after since.
func (s *Store) ListTypeVersions(ctx context.Context, connName, bucket, resourceType string, since *time.Time, limit, offset int) ([]*Entry, int, error) {
	where := "v.resourceType = $1"
	args := []interface{}{resourceType}
	if since != nil {
		where += " AND v.timestamp >= $2"
		args = append(args, since.Format(time.RFC3339))
	}
	return s.query(ctx, connName, bucket, where, args, limit, offset)
}

// ListAllVersions retrieves history entries across every resource type,
// newest first, optionally filtered to versions at or after since. This
// backs the system-level _history interaction.
func (s *Store) ListAllVersions(ctx context.Context, connName, bucket string, since *time.Time, limit, offset int) ([]*Entry, int, error) {
	where := ""
	var args []interface{}
	if since != nil {
		where = "v.timestamp >= $1"
		args = append(args, since.Format(time.RFC3339))
	}
	return s.query(ctx, connName, bucket, where, args, limit, offset)
}

func (s *Store) query(ctx context.Context, connName, bucket, where string, args []interface{}, limit, offset int) ([]*Entry, int, error) {
	fqcn := fmt.Sprintf("`%s`.`%s`.`%s`", bucket, routing.ScopeAdmin, routing.AdminVersionsCollection)

	whereClause := ""
	if where != "" {
		whereClause = "WHERE " + where
	}

	countStmt := fmt.Sprintf("SELECT COUNT(*) AS total FROM %s v %s", fqcn, whereClause)
	countRes, err := s.gw.Query(ctx, connName, countStmt, &gocb.QueryOptions{PositionalParameters: args})
	if err != nil {
		return nil, 0, fmt.Errorf("count history versions: %w", err)
	}
	var total int
	for countRes.Next() {
		var row struct {
			Total int `json:"total"`
		}
		if err := countRes.Row(&row); err != nil {
			return nil, 0, fmt.Errorf("scan history count: %w", err)
		}
		total = row.Total
	}

	listArgs := append(append([]interface{}{}, args...), limit, offset)
	listStmt := fmt.Sprintf(
		"SELECT v.* FROM %s v %s ORDER BY v.timestamp DESC LIMIT $%d OFFSET $%d",
		fqcn, whereClause, len(args)+1, len(args)+2)

	rows, err := s.gw.Query(ctx, connName, listStmt, &gocb.QueryOptions{PositionalParameters: listArgs})
	if err != nil {
		return nil, 0, fmt.Errorf("list history versions: %w", err)
	}

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Row(&e); err != nil {
			return nil, 0, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, total, nil
}

// Handler serves the FHIR system-level, type-level, and instance-level
// _history endpoints.
type Handler struct {
	store *Store
}

// NewHandler creates a Handler backed by store.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers the history routes on the given echo group, which
// is expected to already carry the :bucket path parameter.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/_history", h.SystemHistory)
	g.GET("/:resourceType/_history", h.TypeHistory)
	g.GET("/:resourceType/:id/_history", h.InstanceHistory)
	g.GET("/:resourceType/:id/_history/:vid", h.VRead)
}

// VRead handles GET /fhir/:bucket/:resourceType/:id/_history/:vid, FHIR's
// version-read interaction.
func (h *Handler) VRead(c echo.Context) error {
	connName, bucket, ok := bucketAndConn(c)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "bucket is not FHIR-enabled")
	}
	resourceType := c.Param("resourceType")
	id := c.Param("id")
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid version id"))
	}

	entry, err := h.store.GetVersion(c.Request().Context(), connName, bucket, resourceType, id, vid)
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resourceType, id))
	}
	c.Response().Header().Set("ETag", fmt.Sprintf(`W/"%d"`, entry.VersionID))
	c.Response().Header().Set("Last-Modified", entry.Timestamp.Format(http.TimeFormat))
	return c.JSONBlob(http.StatusOK, entry.Resource)
}

// SystemHistory handles GET /fhir/:bucket/_history.
func (h *Handler) SystemHistory(c echo.Context) error {
	connName, bucket, ok := bucketAndConn(c)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "bucket is not FHIR-enabled")
	}
	p := pagination.FromContext(c)
	since := parseSince(c)

	entries, total, err := h.store.ListAllVersions(c.Request().Context(), connName, bucket, since, p.Limit, p.Offset)
	if err != nil {
		return c.JSON(http.StatusOK, NewHistoryBundle(nil, 0, "/fhir/"+bucket))
	}
	return c.JSON(http.StatusOK, NewHistoryBundle(entries, total, "/fhir/"+bucket))
}

// TypeHistory handles GET /fhir/:bucket/:resourceType/_history.
func (h *Handler) TypeHistory(c echo.Context) error {
	connName, bucket, ok := bucketAndConn(c)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "bucket is not FHIR-enabled")
	}
	resourceType := c.Param("resourceType")
	p := pagination.FromContext(c)
	since := parseSince(c)

	entries, total, err := h.store.ListTypeVersions(c.Request().Context(), connName, bucket, resourceType, since, p.Limit, p.Offset)
	if err != nil {
		return c.JSON(http.StatusOK, NewHistoryBundle(nil, 0, "/fhir/"+bucket))
	}
	return c.JSON(http.StatusOK, NewHistoryBundle(entries, total, "/fhir/"+bucket))
}

// InstanceHistory handles GET /fhir/:bucket/:resourceType/:id/_history.
func (h *Handler) InstanceHistory(c echo.Context) error {
	connName, bucket, ok := bucketAndConn(c)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "bucket is not FHIR-enabled")
	}
	resourceType := c.Param("resourceType")
	id := c.Param("id")
	p := pagination.FromContext(c)

	entries, total, err := h.store.ListVersions(c.Request().Context(), connName, bucket, resourceType, id, p.Limit, p.Offset)
	if err != nil {
		return c.JSON(http.StatusOK, NewHistoryBundle(nil, 0, "/fhir/"+bucket))
	}
	return c.JSON(http.StatusOK, NewHistoryBundle(entries, total, "/fhir/"+bucket))
}

func bucketAndConn(c echo.Context) (connName, bucket string, ok bool) {
	bucket = gateway.BucketFromContext(c.Request().Context())
	if bucket == "" {
		return "", "", false
	}
	cfg, ok := gateway.BucketConfigFromContext(c.Request().Context())
	if !ok {
		return "", "", false
	}
	return cfg.ConnName, bucket, true
}

// parseSince parses the _since query parameter as an RFC3339 timestamp.
// Returns nil if the parameter is not present or cannot be parsed.
func parseSince(c echo.Context) *time.Time {
	sinceStr := c.QueryParam("_since")
	if sinceStr == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, sinceStr)
	if err != nil {
		return nil
	}
	return &t
}

// NewHistoryBundle builds a FHIR Bundle of type "history" from version entries.
func NewHistoryBundle(entries []*Entry, total int, baseURL string) *fhir.Bundle {
	now := time.Now().UTC()
	bundleEntries := make([]fhir.BundleEntry, len(entries))

	for i, entry := range entries {
		fullURL := fmt.Sprintf("%s/%s/%s/_history/%d", baseURL, entry.ResourceType, entry.ResourceID, entry.VersionID)

		method := "PUT"
		status := "200 OK"
		switch entry.Action {
		case "create":
			method = "POST"
			status = "201 Created"
		case "delete":
			method = "DELETE"
			status = "204 No Content"
		}

		bundleEntries[i] = fhir.BundleEntry{
			FullURL:  fullURL,
			Resource: entry.Resource,
			Request: &fhir.BundleRequest{
				Method: method,
				URL:    fmt.Sprintf("%s/%s", entry.ResourceType, entry.ResourceID),
			},
			Response: &fhir.BundleResponse{
				Status:       status,
				LastModified: &entry.Timestamp,
			},
		}
	}

	return &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        bundleEntries,
	}
}
