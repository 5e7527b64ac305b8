package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileQueue keeps its pending envelopes in a JSON snapshot that is
// rewritten atomically on every change.
type fileQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Envelope
}

type fileQueueState struct {
	Items []Envelope `json:"items"`
}

func NewFileQueue(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("file queue: empty path")
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Envelope{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileQueue) TryEnqueue(e Envelope) bool {
	if !e.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, e)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileQueue) Enqueue(ctx context.Context, e Envelope) bool {
	_, ok := pollUntil(ctx, q.pollInterval, func() (struct{}, bool) {
		return struct{}{}, q.TryEnqueue(e)
	})
	return ok
}

func (q *fileQueue) Dequeue(ctx context.Context) (Envelope, bool) {
	return pollUntil(ctx, q.pollInterval, q.tryDequeue)
}

func (q *fileQueue) tryDequeue() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Envelope{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]Envelope{item}, q.items...)
		return Envelope{}, false
	}
	return item, true
}

func (q *fileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileQueue) Capacity() int {
	return q.capacity
}

func (q *fileQueue) Close() error {
	return nil
}

func (q *fileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("file queue %s: %w", q.path, err)
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]Envelope(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]Envelope(nil), snapshot.Items...)
	return nil
}

func (q *fileQueue) saveLocked() error {
	data, err := json.Marshal(fileQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
