// Package objectstore moves granule files between buckets.
package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

// Store copies and deletes objects. A move is a copy followed by a delete of
// the source.
type Store interface {
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	Delete(ctx context.Context, bucket, key string) error
}

// Move copies the object and then removes the source. Moving an object onto
// itself is a no-op.
func Move(ctx context.Context, s Store, srcBucket, srcKey, dstBucket, dstKey string) error {
	if srcBucket == dstBucket && srcKey == dstKey {
		return nil
	}
	if err := s.Copy(ctx, srcBucket, srcKey, dstBucket, dstKey); err != nil {
		return err
	}
	if err := s.Delete(ctx, srcBucket, srcKey); err != nil {
		return fmt.Errorf("remove source s3://%s/%s: %w", srcBucket, srcKey, err)
	}
	return nil
}

// BuildFromDSN selects an object store by DSN scheme. An empty DSN yields an
// in-memory store.
func BuildFromDSN(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "s3":
		opts := S3Options{Region: parsed.Host, Endpoint: parsed.Query().Get("endpoint")}
		if v := parsed.Query().Get("path_style"); v != "" {
			if opts.UsePathStyle, err = strconv.ParseBool(v); err != nil {
				return nil, fmt.Errorf("%w: path_style: %v", cumulus.ErrInvalidInput, err)
			}
		}
		if parsed.User != nil {
			opts.AccessKeyID = parsed.User.Username()
			opts.SecretAccessKey, _ = parsed.User.Password()
		}
		return NewS3Store(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported object store scheme: %s", cumulus.ErrInvalidInput, parsed.Scheme)
	}
}
