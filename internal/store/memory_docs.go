package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

// MemoryDocumentStore keeps JSON-encoded documents per kind. FailPut, when
// set, is consulted before every Put.
type MemoryDocumentStore struct {
	mu   sync.Mutex
	docs map[cumulus.Kind]map[string][]byte

	FailPut func(kind cumulus.Kind, key DocKey) error
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: map[cumulus.Kind]map[string][]byte{}}
}

func (s *MemoryDocumentStore) Put(_ context.Context, kind cumulus.Kind, key DocKey, doc any) error {
	if s.FailPut != nil {
		if err := s.FailPut(kind, key); err != nil {
			return err
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[kind] == nil {
		s.docs[kind] = map[string][]byte{}
	}
	s.docs[kind][key.ID()] = data
	return nil
}

func (s *MemoryDocumentStore) Get(_ context.Context, kind cumulus.Kind, key DocKey, out any) error {
	s.mu.Lock()
	data, ok := s.docs[kind][key.ID()]
	s.mu.Unlock()
	if !ok {
		return cumulus.ErrRecordNotFound
	}
	return json.Unmarshal(data, out)
}

func (s *MemoryDocumentStore) Delete(_ context.Context, kind cumulus.Kind, key DocKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs[kind], key.ID())
	return nil
}

// Len reports how many documents of kind are stored.
func (s *MemoryDocumentStore) Len(kind cumulus.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs[kind])
}

func (s *MemoryDocumentStore) Close() error {
	return nil
}

// MemoryIndex is a SearchIndex that stores the last indexed body per id.
type MemoryIndex struct {
	mu   sync.Mutex
	docs map[cumulus.Kind]map[string][]byte

	FailUpsert func(kind cumulus.Kind, id string) error
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: map[cumulus.Kind]map[string][]byte{}}
}

func (i *MemoryIndex) Upsert(_ context.Context, kind cumulus.Kind, id string, doc any) error {
	if i.FailUpsert != nil {
		if err := i.FailUpsert(kind, id); err != nil {
			return err
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.docs[kind] == nil {
		i.docs[kind] = map[string][]byte{}
	}
	i.docs[kind][id] = data
	return nil
}

func (i *MemoryIndex) Delete(_ context.Context, kind cumulus.Kind, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.docs[kind], id)
	return nil
}

// Get decodes the indexed body into out.
func (i *MemoryIndex) Get(kind cumulus.Kind, id string, out any) error {
	i.mu.Lock()
	data, ok := i.docs[kind][id]
	i.mu.Unlock()
	if !ok {
		return cumulus.ErrRecordNotFound
	}
	return json.Unmarshal(data, out)
}

func (i *MemoryIndex) Close() error {
	return nil
}
