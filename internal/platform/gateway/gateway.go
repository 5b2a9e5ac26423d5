// Package gateway is the single entry point through which every database
// operation flows. It owns the Couchbase cluster connections, classifies
// connectivity failures, and drives a circuit breaker so that a downed
// database fails fast instead of piling up blocked requests.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/rs/zerolog"
)

// ErrDatabaseUnavailable is returned by every Gateway method when the
// circuit is open, the named connection is unknown, or the underlying call
// failed with a connectivity error.
var ErrDatabaseUnavailable = errors.New("database unavailable")

// Config describes one named Couchbase connection.
type Config struct {
	ConnString string
	Username   string
	Password   string
}

// Gateway is the process-wide database entry point. It is safe for
// concurrent use; connections are singletons keyed by name.
type Gateway struct {
	log     zerolog.Logger
	mu      sync.RWMutex
	conns   map[string]*gocb.Cluster
	cfgs    map[string]Config
	breaker *circuitBreaker
}

// New creates a Gateway. resetTimeout is the circuit breaker cool-down
// (spec default 30s, overridden by circuit.reset.timeout.ms).
func New(log zerolog.Logger, resetTimeout time.Duration) *Gateway {
	return &Gateway{
		log:     log,
		conns:   make(map[string]*gocb.Cluster),
		cfgs:    make(map[string]Config),
		breaker: newCircuitBreaker(resetTimeout),
	}
}

// Register adds or replaces a named connection's configuration. The actual
// cluster connection is established lazily on first use.
func (g *Gateway) Register(name string, cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfgs[name] = cfg
}

// clusterFor returns the live cluster handle for name, connecting on first
// use. Callers must go through withCluster/allow() for circuit semantics;
// this is the uncontrolled connection lookup.
func (g *Gateway) clusterFor(name string) (*gocb.Cluster, error) {
	g.mu.RLock()
	if c, ok := g.conns[name]; ok {
		g.mu.RUnlock()
		return c, nil
	}
	cfg, ok := g.cfgs[name]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no connection registered: %s", name)
	}

	cluster, err := gocb.Connect(cfg.ConnString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.conns[name] = cluster
	g.mu.Unlock()
	return cluster, nil
}

// IsOpen reports whether the circuit breaker is currently open (used by
// readiness probes).
func (g *Gateway) IsOpen() bool { return g.breaker.isOpen() }

// withCluster executes fn(cluster) under circuit breaker protection. It
// fails fast with ErrDatabaseUnavailable without touching the network when
// the circuit is open and the cool-down has not elapsed.
func (g *Gateway) withCluster(connName string, fn func(*gocb.Cluster) error) error {
	if !g.breaker.allow() {
		return ErrDatabaseUnavailable
	}

	cluster, err := g.clusterFor(connName)
	if err != nil {
		g.breaker.recordFailure()
		g.log.Error().Err(err).Str("connection", connName).Msg("gateway connection unavailable")
		return ErrDatabaseUnavailable
	}

	err = fn(cluster)
	if err == nil {
		g.breaker.recordSuccess()
		return nil
	}

	if isConnectivityError(err) {
		g.breaker.recordFailure()
		g.log.Error().Str("connection", connName).Msg("gateway connectivity failure")
		return ErrDatabaseUnavailable
	}

	// Application error: re-thrown untouched, circuit unaffected.
	return err
}

// Collection returns the named collection, gated by the circuit breaker.
func (g *Gateway) Collection(connName, bucket, scope, collection string) (*gocb.Collection, error) {
	var col *gocb.Collection
	err := g.withCluster(connName, func(c *gocb.Cluster) error {
		col = c.Bucket(bucket).Scope(scope).Collection(collection)
		return nil
	})
	return col, err
}

// Query executes a N1QL statement, gated by the circuit breaker.
func (g *Gateway) Query(ctx context.Context, connName, statement string, opts *gocb.QueryOptions) (*gocb.QueryResult, error) {
	var res *gocb.QueryResult
	err := g.withCluster(connName, func(c *gocb.Cluster) error {
		if opts == nil {
			opts = &gocb.QueryOptions{}
		}
		opts.Context = ctx
		r, qerr := c.Query(statement, opts)
		if qerr != nil {
			return qerr
		}
		res = r
		return nil
	})
	return res, err
}

// ExecuteSearch executes a gocb search.Query against the named FTS index,
// gated by the circuit breaker.
func (g *Gateway) ExecuteSearch(ctx context.Context, connName, index string, query interface{}, opts *gocb.SearchOptions) (*gocb.SearchResult, error) {
	var res *gocb.SearchResult
	err := g.withCluster(connName, func(c *gocb.Cluster) error {
		if opts == nil {
			opts = &gocb.SearchOptions{}
		}
		opts.Context = ctx
		q, ok := query.(gocb.SearchQuery)
		if !ok {
			return fmt.Errorf("ExecuteSearch: query must be a gocb.SearchQuery")
		}
		r, serr := c.SearchQuery(index, q, opts)
		if serr != nil {
			return serr
		}
		res = r
		return nil
	})
	return res, err
}

// Transactions returns the transaction API handle for connName, still
// gated by the circuit breaker (a failed lookup counts as a connectivity
// failure the same as any other operation).
func (g *Gateway) Transactions(connName string) (*gocb.Transactions, error) {
	var tx *gocb.Transactions
	err := g.withCluster(connName, func(c *gocb.Cluster) error {
		tx = c.Transactions()
		return nil
	})
	return tx, err
}

// RunTransaction runs fn inside a Couchbase multi-document ACID transaction
// on connName, gated by the circuit breaker the same as any other gateway
// call. fn receives the live transaction attempt context; a non-nil return
// aborts and rolls back every KV mutation made through it. Unlike the rest
// of the Gateway, operations inside fn must go through attempt.Get/
// Insert/Replace/Remove rather than Gateway.GetRaw/Insert/Replace/Remove,
// which are not transaction-aware.
func (g *Gateway) RunTransaction(connName string, fn func(attempt *gocb.TransactionAttemptContext) error) error {
	return g.withCluster(connName, func(c *gocb.Cluster) error {
		txns := c.Transactions()
		_, err := txns.Run(func(attempt *gocb.TransactionAttemptContext) error {
			return fn(attempt)
		}, nil)
		return err
	})
}

// isConnectivityError classifies err as a connectivity/timeout failure
// (true) vs. an application error (false). It walks the cause chain and
// also matches on message substrings for errors the driver does not
// sentinel, per the gateway's connectivity-error classification contract.
func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	connectivitySentinels := []error{
		gocb.ErrTimeout,
		gocb.ErrUnambiguousTimeout,
		gocb.ErrAmbiguousTimeout,
		gocb.ErrRequestCanceled,
		gocb.ErrServiceNotAvailable,
		gocb.ErrTemporaryFailure,
	}
	for _, sentinel := range connectivitySentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range []string{
		"no active connection",
		"connection refused",
		"could not connect",
		"i/o timeout",
		"eof",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}

	return false
}
