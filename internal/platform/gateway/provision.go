package gateway

import (
	"errors"
	"fmt"

	"github.com/couchbase/gocb/v2"

	"github.com/fhir-couchbase/server/internal/platform/routing"
)

// ProvisionBucket creates the Resources and Admin scopes and their
// collections for a newly FHIR-enabled bucket: one collection per
// well-known resource type plus Resources.General, and the four Admin
// collections (config, versions, tokens, bulk_groups). It is idempotent —
// an already-present scope or collection is not an error.
func (g *Gateway) ProvisionBucket(connName, bucketName string) error {
	cluster, err := g.clusterFor(connName)
	if err != nil {
		return err
	}
	mgr := cluster.Bucket(bucketName).Collections()

	collections := map[string][]string{
		routing.ScopeResources: append(routing.AllWellKnown(), routing.GeneralCollection),
		routing.ScopeAdmin: {
			routing.AdminConfigCollection,
			routing.AdminVersionsCollection,
			routing.AdminTokensCollection,
			routing.AdminGroupsCollection,
		},
	}

	for scope, colls := range collections {
		if err := mgr.CreateScope(scope, nil); err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("create scope %s: %w", scope, err)
		}
		for _, coll := range colls {
			spec := gocb.CollectionSpec{Name: coll, ScopeName: scope}
			if err := mgr.CreateCollection(spec, nil); err != nil && !isAlreadyExists(err) {
				return fmt.Errorf("create collection %s.%s: %w", scope, coll, err)
			}
		}
	}

	return nil
}

func isAlreadyExists(err error) bool {
	return errors.Is(err, gocb.ErrScopeExists) || errors.Is(err, gocb.ErrCollectionExists)
}
