package objectstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

type objectKey struct {
	bucket string
	key    string
}

// MemoryStore keeps object bodies in a map. FailCopy, when set, is consulted
// before every copy.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[objectKey][]byte

	FailCopy func(srcBucket, srcKey, dstBucket, dstKey string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[objectKey][]byte{}}
}

func (s *MemoryStore) Put(bucket, key string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey{bucket, key}] = append([]byte(nil), body...)
}

func (s *MemoryStore) Exists(bucket, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[objectKey{bucket, key}]
	return ok
}

func (s *MemoryStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailCopy != nil {
		if err := s.FailCopy(srcBucket, srcKey, dstBucket, dstKey); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[objectKey{srcBucket, srcKey}]
	if !ok {
		return fmt.Errorf("copy s3://%s/%s: %w", srcBucket, srcKey, cumulus.ErrRecordNotFound)
	}
	s.objects[objectKey{dstBucket, dstKey}] = body
	return nil
}

// Delete is idempotent, like S3 DeleteObject.
func (s *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectKey{bucket, key})
	return nil
}
