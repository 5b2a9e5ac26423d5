package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/couchbase/gocb/v2"
)

// ErrDocumentNotFound is returned by Get when the key does not exist.
var ErrDocumentNotFound = gocb.ErrDocumentNotFound

// ErrDocumentExists is returned by Insert when the key already exists.
var ErrDocumentExists = gocb.ErrDocumentExists

// GetRaw fetches the document at key and returns its raw JSON bytes,
// without parsing, so callers on the read fastpath never pay a
// decode/re-encode cost.
func (g *Gateway) GetRaw(ctx context.Context, connName, bucket, scope, collection, key string) ([]byte, error) {
	var raw []byte
	err := g.withCluster(connName, func(c *gocb.Cluster) error {
		col := c.Bucket(bucket).Scope(scope).Collection(collection)
		res, gerr := col.Get(key, &gocb.GetOptions{Context: ctx})
		if gerr != nil {
			if errors.Is(gerr, gocb.ErrDocumentNotFound) {
				raw = nil
				return nil // not-found is an application outcome, not a connectivity failure
			}
			return gerr
		}
		var b []byte
		if cerr := res.Content(&b); cerr != nil {
			// Content() into []byte round-trips through json.RawMessage
			var rm json.RawMessage
			if rerr := res.Content(&rm); rerr != nil {
				return rerr
			}
			b = rm
		}
		raw = b
		return nil
	})
	if raw == nil && err == nil {
		return nil, gocb.ErrDocumentNotFound
	}
	return raw, err
}

// Insert creates a new document at key, failing if it already exists.
func (g *Gateway) Insert(ctx context.Context, connName, bucket, scope, collection, key string, doc map[string]interface{}) error {
	return g.withCluster(connName, func(c *gocb.Cluster) error {
		col := c.Bucket(bucket).Scope(scope).Collection(collection)
		_, err := col.Insert(key, doc, &gocb.InsertOptions{Context: ctx})
		return err
	})
}

// Replace overwrites the document at key, which must already exist.
func (g *Gateway) Replace(ctx context.Context, connName, bucket, scope, collection, key string, doc map[string]interface{}) error {
	return g.withCluster(connName, func(c *gocb.Cluster) error {
		col := c.Bucket(bucket).Scope(scope).Collection(collection)
		_, err := col.Replace(key, doc, &gocb.ReplaceOptions{Context: ctx})
		return err
	})
}

// Remove deletes the document at key.
func (g *Gateway) Remove(ctx context.Context, connName, bucket, scope, collection, key string) error {
	return g.withCluster(connName, func(c *gocb.Cluster) error {
		col := c.Bucket(bucket).Scope(scope).Collection(collection)
		_, err := col.Remove(key, &gocb.RemoveOptions{Context: ctx})
		return err
	})
}

// GetRawBatch fetches multiple keys from one collection in parallel,
// returning a map of key to raw bytes for the keys that exist. Missing keys
// are simply absent from the result, matching the search engine's
// best-effort include/revinclude fetch semantics.
func (g *Gateway) GetRawBatch(ctx context.Context, connName, bucket, scope, collection string, keys []string) (map[string][]byte, error) {
	results := make(map[string][]byte, len(keys))
	var mu resultMutex
	err := g.withCluster(connName, func(c *gocb.Cluster) error {
		col := c.Bucket(bucket).Scope(scope).Collection(collection)
		return fanOut(ctx, keys, func(ctx context.Context, key string) error {
			res, gerr := col.Get(key, &gocb.GetOptions{Context: ctx})
			if gerr != nil {
				if errors.Is(gerr, gocb.ErrDocumentNotFound) {
					return nil
				}
				return gerr
			}
			var rm json.RawMessage
			if cerr := res.Content(&rm); cerr != nil {
				return cerr
			}
			mu.set(&results, key, rm)
			return nil
		})
	})
	return results, err
}
