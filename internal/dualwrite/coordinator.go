// Package dualwrite keeps the relational store and its document and search
// projections in step.
//
// Every mutation commits in one relational transaction first. The document
// store and then the search index are written only after that commit; a
// failed mirror write leaves the relational change in place, is logged to the
// drift table and is reported as a degraded result.
package dualwrite

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/objectstore"
	"github.com/cumulusdata/cumulus/internal/reconcile"
	"github.com/cumulusdata/cumulus/internal/store"
)

type Options struct {
	Documents store.DocumentStore
	Index     store.SearchIndex
	Objects   objectstore.Store
	Now       func() time.Time
}

type Coordinator struct {
	relational store.RelationalStore
	documents  store.DocumentStore
	index      store.SearchIndex
	objects    objectstore.Store
	now        func() time.Time
	logger     zerolog.Logger
}

// New builds a coordinator. Missing projections default to in-memory ones.
func New(relational store.RelationalStore, opts Options) *Coordinator {
	c := &Coordinator{
		relational: relational,
		documents:  opts.Documents,
		index:      opts.Index,
		objects:    opts.Objects,
		now:        opts.Now,
		logger:     zerolog.Nop(),
	}
	if c.documents == nil {
		c.documents = store.NewMemoryDocumentStore()
	}
	if c.index == nil {
		c.index = store.NewMemoryIndex()
	}
	if c.objects == nil {
		c.objects = objectstore.NewMemoryStore()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Coordinator) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

func (c *Coordinator) Objects() objectstore.Store {
	return c.objects
}

// WriteResult describes a committed write.
type WriteResult[T any] struct {
	Record T
	// Outcome and Reason are set for status reports only.
	Outcome reconcile.Outcome
	Reason  string
	// DocumentOnly marks a write applied to the document projection alone
	// because the record has no relational row yet.
	DocumentOnly bool
	// Degraded is set when the relational write committed but a mirror
	// write failed; MirrorErr carries the failures.
	Degraded  bool
	MirrorErr error
}

func (c *Coordinator) nowMillis() int64 {
	return c.now().UTC().UnixMilli()
}

// stamp fills zero clocks.
func (c *Coordinator) stamp(created, updated *int64) {
	now := c.nowMillis()
	if *created == 0 {
		*created = now
	}
	if *updated == 0 {
		*updated = now
	}
}

// entity binds one record kind to its relational and document shapes.
type entity[T any] struct {
	kind    cumulus.Kind
	key     func(T) store.DocKey
	where   func(ctx context.Context, tx store.Tx, doc T) (store.Where, error)
	newRow  func() store.Row
	save    func(ctx context.Context, tx store.Tx, id int64, doc T) (int64, error)
	read    func(ctx context.Context, tx store.Tx, id int64) (T, error)
	clock   func(doc *T) (created, updated *int64)
	prepare func(doc *T)

	// beforeDelete may veto a delete of current.
	beforeDelete func(current T) error
	// afterDelete runs once the record is gone from both projections.
	afterDelete func(ctx context.Context, c *Coordinator, current T) error
}

// load reads the current record under a row lock. A missing row yields a
// nil record and no error.
func (e entity[T]) load(ctx context.Context, tx store.Tx, doc T) (int64, *T, error) {
	where, err := e.where(ctx, tx, doc)
	if err != nil {
		return 0, nil, err
	}
	row := e.newRow()
	if err := tx.GetForUpdate(ctx, row, where); err != nil {
		if errors.Is(err, cumulus.ErrRecordNotFound) {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	current, err := e.read(ctx, tx, row.ID())
	if err != nil {
		return 0, nil, err
	}
	return row.ID(), &current, nil
}

// missing reports whether err means the relational row cannot exist, which
// sends reads and patches to the document projection.
func missing(err error) bool {
	return errors.Is(err, cumulus.ErrRecordNotFound) || errors.Is(err, cumulus.ErrReference)
}

func put(ctx context.Context, tx store.Tx, id int64, row store.Row) (int64, error) {
	if id == 0 {
		if err := tx.Insert(ctx, row); err != nil {
			return 0, err
		}
		return row.ID(), nil
	}
	row.SetID(id)
	return id, tx.Update(ctx, row)
}

func (e entity[T]) normalize(doc *T) {
	if e.prepare != nil {
		e.prepare(doc)
	}
}

func create[T any](ctx context.Context, c *Coordinator, e entity[T], doc T) (WriteResult[T], error) {
	e.normalize(&doc)
	c.stamp(e.clock(&doc))
	if err := cumulus.ValidateValue(e.kind, doc); err != nil {
		countWrite(e.kind, "create", err, false)
		return WriteResult[T]{}, err
	}
	var out T
	err := store.InTx(ctx, c.relational, func(tx store.Tx) error {
		id, err := e.save(ctx, tx, 0, doc)
		if err != nil {
			return err
		}
		out, err = e.read(ctx, tx, id)
		return err
	})
	if err != nil {
		countWrite(e.kind, "create", err, false)
		return WriteResult[T]{}, err
	}
	res := WriteResult[T]{Record: out}
	mirrorPut(ctx, c, e, &res)
	countWrite(e.kind, "create", nil, res.Degraded)
	return res, nil
}

// update overlays the non-zero fields of patch onto the current record.
func update[T any](ctx context.Context, c *Coordinator, e entity[T], patch T) (WriteResult[T], error) {
	var out T
	found := false
	err := store.InTx(ctx, c.relational, func(tx store.Tx) error {
		id, current, err := e.load(ctx, tx, patch)
		if missing(err) || (err == nil && current == nil) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		merged := overlay(*current, patch)
		e.normalize(&merged)
		_, updated := e.clock(&merged)
		*updated = c.nowMillis()
		if err := cumulus.ValidateValue(e.kind, merged); err != nil {
			return err
		}
		if _, err := e.save(ctx, tx, id, merged); err != nil {
			return err
		}
		out, err = e.read(ctx, tx, id)
		return err
	})
	if err != nil {
		countWrite(e.kind, "update", err, false)
		return WriteResult[T]{}, err
	}
	if !found {
		return updateDocumentOnly(ctx, c, e, patch)
	}
	res := WriteResult[T]{Record: out}
	mirrorPut(ctx, c, e, &res)
	countWrite(e.kind, "update", nil, res.Degraded)
	return res, nil
}

func updateDocumentOnly[T any](ctx context.Context, c *Coordinator, e entity[T], patch T) (WriteResult[T], error) {
	var current T
	if err := c.documents.Get(ctx, e.kind, e.key(patch), &current); err != nil {
		countWrite(e.kind, "update", err, false)
		return WriteResult[T]{}, err
	}
	merged := overlay(current, patch)
	e.normalize(&merged)
	_, updated := e.clock(&merged)
	*updated = c.nowMillis()
	if err := cumulus.ValidateValue(e.kind, merged); err != nil {
		countWrite(e.kind, "update", err, false)
		return WriteResult[T]{}, err
	}
	res := WriteResult[T]{Record: merged, DocumentOnly: true}
	mirrorPut(ctx, c, e, &res)
	c.logger.Debug().Str("kind", string(e.kind)).Str("key", e.key(patch).ID()).Msg("applied update to document store only")
	countWrite(e.kind, "update", nil, res.Degraded)
	return res, nil
}

func remove[T any](ctx context.Context, c *Coordinator, e entity[T], key T) (WriteResult[T], error) {
	var deleted T
	found := false
	err := store.InTx(ctx, c.relational, func(tx store.Tx) error {
		id, current, err := e.load(ctx, tx, key)
		if missing(err) || (err == nil && current == nil) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		deleted = *current
		if e.beforeDelete != nil {
			if err := e.beforeDelete(deleted); err != nil {
				return err
			}
		}
		spec := e.newRow()
		return tx.Delete(ctx, spec.TableName(), id)
	})
	if err != nil {
		countWrite(e.kind, "delete", err, false)
		return WriteResult[T]{}, err
	}
	res := WriteResult[T]{}
	if !found {
		if err := c.documents.Get(ctx, e.kind, e.key(key), &deleted); err != nil {
			countWrite(e.kind, "delete", err, false)
			return WriteResult[T]{}, err
		}
		if e.beforeDelete != nil {
			if err := e.beforeDelete(deleted); err != nil {
				countWrite(e.kind, "delete", err, false)
				return WriteResult[T]{}, err
			}
		}
		res.DocumentOnly = true
	}
	res.Record = deleted
	mirrorDelete(ctx, c, e, &res)
	if e.afterDelete != nil {
		if err := e.afterDelete(ctx, c, deleted); err != nil {
			res.Degraded = true
			res.MirrorErr = errors.Join(res.MirrorErr, err)
		}
	}
	countWrite(e.kind, "delete", nil, res.Degraded)
	return res, nil
}

// get reads the relational record, falling back to the document store for
// records that predate the relational schema.
func get[T any](ctx context.Context, c *Coordinator, e entity[T], key T) (T, bool, error) {
	var out T
	found := false
	err := store.InTx(ctx, c.relational, func(tx store.Tx) error {
		where, err := e.where(ctx, tx, key)
		if missing(err) {
			return nil
		}
		if err != nil {
			return err
		}
		row := e.newRow()
		if err := tx.Get(ctx, row, where); err != nil {
			if missing(err) {
				return nil
			}
			return err
		}
		found = true
		out, err = e.read(ctx, tx, row.ID())
		return err
	})
	if err != nil {
		return out, false, err
	}
	if found {
		return out, false, nil
	}
	if err := c.documents.Get(ctx, e.kind, e.key(key), &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

// writeReport runs a status report through the resolver inside the
// relational transaction. A concurrent first insert of the same key is
// re-resolved once against the winner's row, and a serialization conflict
// is re-resolved up to maxConflictRetries times.
func writeReport[T any](ctx context.Context, c *Coordinator, e entity[T], doc T, resolve func(*T, T) reconcile.Result[T]) (WriteResult[T], error) {
	e.normalize(&doc)
	c.stamp(e.clock(&doc))
	if err := cumulus.ValidateValue(e.kind, doc); err != nil {
		countWrite(e.kind, "report", err, false)
		return WriteResult[T]{}, err
	}
	var res WriteResult[T]
	for attempt := 0; ; attempt++ {
		res = WriteResult[T]{}
		err := store.InTx(ctx, c.relational, func(tx store.Tx) error {
			id, current, err := e.load(ctx, tx, doc)
			if err != nil {
				return err
			}
			resolved := resolve(current, doc)
			res.Outcome, res.Reason, res.Record = resolved.Outcome, resolved.Reason, resolved.Record
			if !resolved.Outcome.Applied() {
				return nil
			}
			if id, err = e.save(ctx, tx, id, resolved.Record); err != nil {
				return err
			}
			res.Record, err = e.read(ctx, tx, id)
			return err
		})
		if err == nil {
			break
		}
		if retryReport(attempt, res.Outcome, err) {
			c.logger.Debug().Err(err).Str("kind", string(e.kind)).Str("key", e.key(doc).ID()).Msg("concurrent write, resolving report again")
			continue
		}
		countWrite(e.kind, "report", err, false)
		return WriteResult[T]{}, err
	}
	CounterReportOutcomes.WithLabelValues(string(e.kind), res.Outcome.String()).Inc()
	if !res.Outcome.Applied() {
		c.logger.Debug().Str("kind", string(e.kind)).Str("key", e.key(doc).ID()).
			Str("outcome", res.Outcome.String()).Msg(res.Reason)
		return res, nil
	}
	mirrorPut(ctx, c, e, &res)
	countWrite(e.kind, "report", nil, res.Degraded)
	return res, nil
}

func mirrorPut[T any](ctx context.Context, c *Coordinator, e entity[T], res *WriteResult[T]) {
	key := e.key(res.Record)
	var errs []error
	if err := c.documents.Put(ctx, e.kind, key, res.Record); err != nil {
		errs = append(errs, c.drift(ctx, e.kind, key, "document", "put", err))
	}
	if err := c.index.Upsert(ctx, e.kind, key.ID(), res.Record); err != nil {
		errs = append(errs, c.drift(ctx, e.kind, key, "index", "upsert", err))
	}
	if len(errs) > 0 {
		res.Degraded = true
		res.MirrorErr = errors.Join(errs...)
	}
}

func mirrorDelete[T any](ctx context.Context, c *Coordinator, e entity[T], res *WriteResult[T]) {
	key := e.key(res.Record)
	var errs []error
	if err := c.documents.Delete(ctx, e.kind, key); err != nil {
		errs = append(errs, c.drift(ctx, e.kind, key, "document", "delete", err))
	}
	if err := c.index.Delete(ctx, e.kind, key.ID()); err != nil {
		errs = append(errs, c.drift(ctx, e.kind, key, "index", "delete", err))
	}
	if len(errs) > 0 {
		res.Degraded = true
		res.MirrorErr = errors.Join(errs...)
	}
}

const maxConflictRetries = 3

func retryReport(attempt int, outcome reconcile.Outcome, err error) bool {
	if store.IsSerializationConflict(err) {
		return attempt < maxConflictRetries
	}
	var collision *cumulus.CollisionError
	return attempt == 0 && outcome == reconcile.Insert && errors.As(err, &collision)
}

// drift logs a failed post-commit write and appends it to the drift log.
func (c *Coordinator) drift(ctx context.Context, kind cumulus.Kind, key store.DocKey, target, operation string, cause error) error {
	CounterMirrorFailures.WithLabelValues(string(kind), target).Inc()
	c.logger.Warn().Err(cause).
		Str("kind", string(kind)).
		Str("key", key.ID()).
		Str("target", target).
		Str("operation", operation).
		Msg("mirror write failed after relational commit")
	entry := store.Drift{
		ID:         uuid.NewString(),
		Kind:       string(kind),
		Key:        key.ID(),
		Target:     target,
		Operation:  operation,
		Error:      cause.Error(),
		RecordedAt: c.now().UTC(),
	}
	if err := c.relational.RecordDrift(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Error().Err(err).Str("kind", string(kind)).Str("key", key.ID()).Msg("record drift")
	}
	return fmt.Errorf("%s %s %s: %w", target, operation, kind, cause)
}

// overlay copies the non-zero fields of patch over current.
func overlay[T any](current, patch T) T {
	out := current
	dst := reflect.ValueOf(&out).Elem()
	src := reflect.ValueOf(patch)
	for i := 0; i < src.NumField(); i++ {
		if f := src.Field(i); !f.IsZero() {
			dst.Field(i).Set(f)
		}
	}
	return out
}

func countWrite(kind cumulus.Kind, operation string, err error, degraded bool) {
	CounterWrites.WithLabelValues(string(kind), operation, resultLabel(err, degraded)).Inc()
}

func resultLabel(err error, degraded bool) string {
	switch {
	case err == nil && degraded:
		return "degraded"
	case err == nil:
		return "ok"
	case errors.Is(err, cumulus.ErrCollision):
		return "collision"
	case errors.Is(err, cumulus.ErrAssociated):
		return "associated"
	case errors.Is(err, cumulus.ErrReference):
		return "reference_not_found"
	case errors.Is(err, cumulus.ErrRecordNotFound):
		return "not_found"
	case errors.Is(err, cumulus.ErrInvalidInput):
		return "invalid"
	}
	return "error"
}
