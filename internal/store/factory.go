package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

type RelationalStoreFactory func(dsn string) (RelationalStore, error)
type DocumentStoreFactory func(ctx context.Context, dsn string) (DocumentStore, error)
type SearchIndexFactory func(dsn string) (SearchIndex, error)

var factoryRegistry = struct {
	mu         sync.RWMutex
	relational map[string]RelationalStoreFactory
	document   map[string]DocumentStoreFactory
	index      map[string]SearchIndexFactory
}{
	relational: map[string]RelationalStoreFactory{},
	document:   map[string]DocumentStoreFactory{},
	index:      map[string]SearchIndexFactory{},
}

func RegisterRelationalStoreFactory(scheme string, factory RelationalStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.relational[scheme] = factory
}

func RegisterDocumentStoreFactory(scheme string, factory DocumentStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.document[scheme] = factory
}

func RegisterSearchIndexFactory(scheme string, factory SearchIndexFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.index[scheme] = factory
}

func parseScheme(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	return normalizeScheme(parsed.Scheme), nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildRelationalStoreFromDSN selects a relational backend by DSN scheme.
// An empty DSN yields an in-memory store.
func BuildRelationalStoreFromDSN(dsn string) (RelationalStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	scheme, err := parseScheme(dsn)
	if err != nil {
		return nil, err
	}
	factoryRegistry.mu.RLock()
	factory, ok := factoryRegistry.relational[scheme]
	factoryRegistry.mu.RUnlock()
	if ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported relational store scheme: %s", cumulus.ErrInvalidInput, scheme)
	}
}

func BuildDocumentStoreFromDSN(ctx context.Context, dsn string) (DocumentStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryDocumentStore(), nil
	}
	scheme, err := parseScheme(dsn)
	if err != nil {
		return nil, err
	}
	factoryRegistry.mu.RLock()
	factory, ok := factoryRegistry.document[scheme]
	factoryRegistry.mu.RUnlock()
	if ok {
		return factory(ctx, dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryDocumentStore(), nil
	case "dynamodb":
		opts, err := ParseDynamoDSN(dsn)
		if err != nil {
			return nil, err
		}
		return NewDynamoDocumentStore(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported document store scheme: %s", cumulus.ErrInvalidInput, scheme)
	}
}

func BuildSearchIndexFromDSN(dsn string) (SearchIndex, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryIndex(), nil
	}
	scheme, err := parseScheme(dsn)
	if err != nil {
		return nil, err
	}
	factoryRegistry.mu.RLock()
	factory, ok := factoryRegistry.index[scheme]
	factoryRegistry.mu.RUnlock()
	if ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryIndex(), nil
	case "elasticsearch", "http", "https":
		opts, err := ParseElasticsearchDSN(dsn)
		if err != nil {
			return nil, err
		}
		return NewElasticsearchIndex(opts)
	default:
		return nil, fmt.Errorf("%w: unsupported search index scheme: %s", cumulus.ErrInvalidInput, scheme)
	}
}
