package ingest

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

// BuildQueueFromDSN selects a queue by URL scheme. A bare path is a file
// queue and an empty DSN an in-memory one.
func BuildQueueFromDSN(dsn string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: queue dsn: %v", cumulus.ErrInvalidInput, err)
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresQueue(dsn, capacity)
	case "redis", "rediss":
		return NewRedisQueue(dsn, capacity)
	case "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: ingest queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("%w: unsupported ingest queue scheme %s", cumulus.ErrInvalidInput, scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", fmt.Errorf("%w: file queue dsn %q has no path", cumulus.ErrInvalidInput, raw)
	}
	return path, nil
}
