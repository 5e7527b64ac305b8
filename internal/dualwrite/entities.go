package dualwrite

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/store"
	"github.com/cumulusdata/cumulus/internal/translate"
)

var collections = entity[cumulus.Collection]{
	kind: cumulus.KindCollection,
	key: func(c cumulus.Collection) store.DocKey {
		return store.DocKey{"name": c.Name, "version": c.Version}
	},
	where: func(_ context.Context, _ store.Tx, c cumulus.Collection) (store.Where, error) {
		return store.Where{"name": c.Name, "version": c.Version}, nil
	},
	newRow: func() store.Row { return &store.CollectionRow{} },
	save: func(ctx context.Context, tx store.Tx, id int64, c cumulus.Collection) (int64, error) {
		row, err := translate.CollectionToRelational(c)
		if err != nil {
			return 0, err
		}
		return put(ctx, tx, id, row)
	},
	read: func(ctx context.Context, tx store.Tx, id int64) (cumulus.Collection, error) {
		var row store.CollectionRow
		if err := tx.GetByID(ctx, &row, id); err != nil {
			return cumulus.Collection{}, err
		}
		return translate.CollectionToDocument(&row)
	},
	clock: func(c *cumulus.Collection) (*int64, *int64) { return &c.CreatedAt, &c.UpdatedAt },
}

var providers = entity[cumulus.Provider]{
	kind: cumulus.KindProvider,
	key:  func(p cumulus.Provider) store.DocKey { return store.DocKey{"id": p.ID} },
	where: func(_ context.Context, _ store.Tx, p cumulus.Provider) (store.Where, error) {
		return store.Where{"name": p.ID}, nil
	},
	newRow: func() store.Row { return &store.ProviderRow{} },
	save: func(ctx context.Context, tx store.Tx, id int64, p cumulus.Provider) (int64, error) {
		return put(ctx, tx, id, translate.ProviderToRelational(p))
	},
	read: func(ctx context.Context, tx store.Tx, id int64) (cumulus.Provider, error) {
		var row store.ProviderRow
		if err := tx.GetByID(ctx, &row, id); err != nil {
			return cumulus.Provider{}, err
		}
		return translate.ProviderToDocument(&row), nil
	},
	clock: func(p *cumulus.Provider) (*int64, *int64) { return &p.CreatedAt, &p.UpdatedAt },
}

var asyncOperations = entity[cumulus.AsyncOperation]{
	kind: cumulus.KindAsyncOperation,
	key:  func(op cumulus.AsyncOperation) store.DocKey { return store.DocKey{"id": op.ID} },
	where: func(_ context.Context, _ store.Tx, op cumulus.AsyncOperation) (store.Where, error) {
		return store.Where{"id": op.ID}, nil
	},
	newRow: func() store.Row { return &store.AsyncOperationRow{} },
	save: func(ctx context.Context, tx store.Tx, id int64, op cumulus.AsyncOperation) (int64, error) {
		return put(ctx, tx, id, translate.AsyncOperationToRelational(op))
	},
	read: func(ctx context.Context, tx store.Tx, id int64) (cumulus.AsyncOperation, error) {
		var row store.AsyncOperationRow
		if err := tx.GetByID(ctx, &row, id); err != nil {
			return cumulus.AsyncOperation{}, err
		}
		return translate.AsyncOperationToDocument(&row), nil
	},
	clock: func(op *cumulus.AsyncOperation) (*int64, *int64) { return &op.CreatedAt, &op.UpdatedAt },
	prepare: func(op *cumulus.AsyncOperation) {
		if op.ID == "" {
			op.ID = uuid.NewString()
		}
	},
}

var rules = entity[cumulus.Rule]{
	kind: cumulus.KindRule,
	key:  func(r cumulus.Rule) store.DocKey { return store.DocKey{"name": r.Name} },
	where: func(_ context.Context, _ store.Tx, r cumulus.Rule) (store.Where, error) {
		return store.Where{"name": r.Name}, nil
	},
	newRow: func() store.Row { return &store.RuleRow{} },
	save: func(ctx context.Context, tx store.Tx, id int64, r cumulus.Rule) (int64, error) {
		row, err := translate.RuleToRelational(ctx, tx, r)
		if err != nil {
			return 0, err
		}
		return put(ctx, tx, id, row)
	},
	read: func(ctx context.Context, tx store.Tx, id int64) (cumulus.Rule, error) {
		var row store.RuleRow
		if err := tx.GetByID(ctx, &row, id); err != nil {
			return cumulus.Rule{}, err
		}
		return translate.RuleToDocument(ctx, tx, &row)
	},
	clock: func(r *cumulus.Rule) (*int64, *int64) { return &r.CreatedAt, &r.UpdatedAt },
}

var executions = entity[cumulus.Execution]{
	kind: cumulus.KindExecution,
	key:  func(e cumulus.Execution) store.DocKey { return store.DocKey{"arn": e.Arn} },
	where: func(_ context.Context, _ store.Tx, e cumulus.Execution) (store.Where, error) {
		return store.Where{"arn": e.Arn}, nil
	},
	newRow: func() store.Row { return &store.ExecutionRow{} },
	save: func(ctx context.Context, tx store.Tx, id int64, e cumulus.Execution) (int64, error) {
		row, err := translate.ExecutionToRelational(ctx, tx, e)
		if err != nil {
			return 0, err
		}
		return put(ctx, tx, id, row)
	},
	read: func(ctx context.Context, tx store.Tx, id int64) (cumulus.Execution, error) {
		var row store.ExecutionRow
		if err := tx.GetByID(ctx, &row, id); err != nil {
			return cumulus.Execution{}, err
		}
		return translate.ExecutionToDocument(ctx, tx, &row)
	},
	clock: func(e *cumulus.Execution) (*int64, *int64) { return &e.CreatedAt, &e.UpdatedAt },
	prepare: func(e *cumulus.Execution) {
		if e.ExecutionURL == "" && e.Arn != "" {
			e.ExecutionURL = cumulus.ExecutionURL(e.Arn)
		}
		if e.Name == "" {
			e.Name = lastSegment(e.Arn)
		}
	},
}

var pdrs = entity[cumulus.Pdr]{
	kind: cumulus.KindPdr,
	key:  func(p cumulus.Pdr) store.DocKey { return store.DocKey{"pdrName": p.PdrName} },
	where: func(_ context.Context, _ store.Tx, p cumulus.Pdr) (store.Where, error) {
		return store.Where{"name": p.PdrName}, nil
	},
	newRow: func() store.Row { return &store.PdrRow{} },
	save: func(ctx context.Context, tx store.Tx, id int64, p cumulus.Pdr) (int64, error) {
		row, err := translate.PdrToRelational(ctx, tx, p)
		if err != nil {
			return 0, err
		}
		return put(ctx, tx, id, row)
	},
	read: func(ctx context.Context, tx store.Tx, id int64) (cumulus.Pdr, error) {
		var row store.PdrRow
		if err := tx.GetByID(ctx, &row, id); err != nil {
			return cumulus.Pdr{}, err
		}
		return translate.PdrToDocument(ctx, tx, &row)
	},
	clock:   func(p *cumulus.Pdr) (*int64, *int64) { return &p.CreatedAt, &p.UpdatedAt },
	prepare: func(p *cumulus.Pdr) { *p = p.Normalized() },
}

var granules = entity[cumulus.Granule]{
	kind: cumulus.KindGranule,
	key:  granuleKey,
	where: func(ctx context.Context, tx store.Tx, g cumulus.Granule) (store.Where, error) {
		collectionID, err := translate.CollectionCumulusID(ctx, tx, g.CollectionID)
		if err != nil {
			return nil, err
		}
		return store.Where{"granule_id": g.GranuleID, "collection_cumulus_id": collectionID}, nil
	},
	newRow: func() store.Row { return &store.GranuleRow{} },
	save:   saveGranule,
	read: func(ctx context.Context, tx store.Tx, id int64) (cumulus.Granule, error) {
		var row store.GranuleRow
		if err := tx.GetByID(ctx, &row, id); err != nil {
			return cumulus.Granule{}, err
		}
		return translate.GranuleToDocument(ctx, tx, &row)
	},
	clock: func(g *cumulus.Granule) (*int64, *int64) { return &g.CreatedAt, &g.UpdatedAt },
	prepare: func(g *cumulus.Granule) {
		if g.ProductVolume == 0 {
			g.ProductVolume = cumulus.SumFileSizes(g.Files)
		}
	},
	beforeDelete: func(g cumulus.Granule) error {
		if g.Published {
			return &cumulus.DeletePublishedGranuleError{GranuleID: g.GranuleID}
		}
		return nil
	},
	afterDelete: deleteGranuleObjects,
}

// saveGranule writes the granule row, replaces its file rows and links the
// reporting execution.
func saveGranule(ctx context.Context, tx store.Tx, id int64, g cumulus.Granule) (int64, error) {
	rec, err := translate.GranuleToRelational(ctx, tx, g)
	if err != nil {
		return 0, err
	}
	if id, err = put(ctx, tx, id, rec.Row); err != nil {
		return 0, err
	}
	if _, err := tx.DeleteWhere(ctx, store.TableFiles, store.Where{"granule_cumulus_id": id}); err != nil {
		return 0, err
	}
	for _, f := range rec.Files {
		f.GranuleCumulusID = id
		if err := tx.Insert(ctx, f); err != nil {
			return 0, err
		}
	}
	if rec.ExecutionCumulusID != 0 {
		if err := tx.LinkGranuleExecution(ctx, id, rec.ExecutionCumulusID); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func granuleKey(g cumulus.Granule) store.DocKey {
	return store.DocKey{"granuleId": g.GranuleID, "collectionId": g.CollectionID}
}

func deleteGranuleObjects(ctx context.Context, c *Coordinator, g cumulus.Granule) error {
	key := granuleKey(g)
	var errs []error
	for _, f := range g.Files {
		if f.Bucket == "" || f.Key == "" {
			continue
		}
		if err := c.objects.Delete(ctx, f.Bucket, f.Key); err != nil {
			errs = append(errs, c.drift(ctx, cumulus.KindGranule, key, "object", "delete "+f.S3URL(), err))
		}
	}
	return errors.Join(errs...)
}

func lastSegment(arn string) string {
	for i := len(arn) - 1; i >= 0; i-- {
		if arn[i] == ':' {
			return arn[i+1:]
		}
	}
	return arn
}
