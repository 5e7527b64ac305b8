package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrQueueFull      = errors.New("ingest queue full")
	ErrNotImplemented = errors.New("not implemented")
)

const defaultQueueCapacity = 1024

// Envelope is one accepted workflow message and its delivery state.
type Envelope struct {
	ID            string          `json:"id"`
	Body          json.RawMessage `json:"body"`
	Attempt       int             `json:"attempt"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

func (e Envelope) valid() bool {
	return strings.TrimSpace(e.ID) != "" && len(e.Body) > 0
}

func encodeEnvelope(e Envelope) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeEnvelope(payload string) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal([]byte(payload), &e)
	return e, err
}

// Queue holds envelopes waiting for a worker. TryEnqueue never blocks;
// Enqueue and Dequeue block until they succeed or ctx is done.
type Queue interface {
	TryEnqueue(e Envelope) bool
	Enqueue(ctx context.Context, e Envelope) bool
	Dequeue(ctx context.Context) (Envelope, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryQueue struct {
	ch chan Envelope
}

func NewInMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryQueue{ch: make(chan Envelope, capacity)}
}

func (q *inMemoryQueue) TryEnqueue(e Envelope) bool {
	if !e.valid() {
		return false
	}
	select {
	case q.ch <- e:
		return true
	default:
		return false
	}
}

func (q *inMemoryQueue) Enqueue(ctx context.Context, e Envelope) bool {
	if !e.valid() {
		return false
	}
	select {
	case q.ch <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryQueue) Dequeue(ctx context.Context) (Envelope, bool) {
	select {
	case e := <-q.ch:
		return e, true
	case <-ctx.Done():
		return Envelope{}, false
	}
}

func (q *inMemoryQueue) Depth() int {
	return len(q.ch)
}

func (q *inMemoryQueue) Capacity() int {
	return cap(q.ch)
}

func (q *inMemoryQueue) Close() error {
	return nil
}

// pollUntil retries try every interval until it succeeds or ctx is done.
func pollUntil[T any](ctx context.Context, interval time.Duration, try func() (T, bool)) (T, bool) {
	for {
		if v, ok := try(); ok {
			return v, true
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-time.After(interval):
		}
	}
}
