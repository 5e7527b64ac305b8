package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

// Where matches rows whose columns equal the given values.
type Where map[string]any

func (w Where) columns() []string {
	cols := make([]string, 0, len(w))
	for col := range w {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// Tx is one relational transaction. Rows passed to Get and List are filled
// in place; rows passed to Insert receive their cumulus_id.
type Tx interface {
	Get(ctx context.Context, row Row, where Where) error
	GetForUpdate(ctx context.Context, row Row, where Where) error
	GetByID(ctx context.Context, row Row, id int64) error
	Lookup(ctx context.Context, table string, where Where) (int64, error)
	List(ctx context.Context, table string, where Where) ([]Row, error)
	Insert(ctx context.Context, row Row) error
	Update(ctx context.Context, row Row) error
	Delete(ctx context.Context, table string, id int64) error
	DeleteWhere(ctx context.Context, table string, where Where) (int64, error)

	LinkGranuleExecution(ctx context.Context, granuleID, executionID int64) error
	GranuleExecutionIDs(ctx context.Context, granuleID int64) ([]int64, error)

	Commit() error
	Rollback() error
}

// RelationalStore is the constraint-enforcing source of truth.
type RelationalStore interface {
	Begin(ctx context.Context) (Tx, error)
	RecordDrift(ctx context.Context, drift Drift) error
	ListDrift(ctx context.Context, limit int) ([]Drift, error)
	ResolveDrift(ctx context.Context, id string) error
	Close() error
}

// Drift records a document or index mirror that failed after the
// relational commit.
type Drift struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Key        string    `json:"key"`
	Target     string    `json:"target"`
	Operation  string    `json:"operation"`
	Error      string    `json:"error"`
	RecordedAt time.Time `json:"recordedAt"`
}

// InTx runs fn inside a transaction, committing when fn returns nil.
func InTx(ctx context.Context, s RelationalStore, fn func(Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// DocKey identifies a document by its natural-key fields.
type DocKey map[string]string

// ID renders the key as a stable string usable as a search-index document id.
func (k DocKey) ID() string {
	names := make([]string, 0, len(k))
	for name := range k {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, k[name])
	}
	return strings.Join(parts, "|")
}

// DocumentStore holds the denormalized document projection.
type DocumentStore interface {
	Put(ctx context.Context, kind cumulus.Kind, key DocKey, doc any) error
	Get(ctx context.Context, kind cumulus.Kind, key DocKey, out any) error
	Delete(ctx context.Context, kind cumulus.Kind, key DocKey) error
	Close() error
}

// SearchIndex is the searchable projection of documents.
type SearchIndex interface {
	Upsert(ctx context.Context, kind cumulus.Kind, id string, doc any) error
	Delete(ctx context.Context, kind cumulus.Kind, id string) error
	Close() error
}

func isNotFound(err error) bool {
	return errors.Is(err, cumulus.ErrRecordNotFound)
}
