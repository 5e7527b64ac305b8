package dualwrite

import (
	"context"
	"errors"
	"fmt"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/reconcile"
	"github.com/cumulusdata/cumulus/internal/store"
)

func (c *Coordinator) CreateCollection(ctx context.Context, col cumulus.Collection) (WriteResult[cumulus.Collection], error) {
	return create(ctx, c, collections, col)
}

// UpdateCollection overlays the non-zero fields of patch onto the stored record.
// Zero values, false included, leave the stored field unchanged.
func (c *Coordinator) UpdateCollection(ctx context.Context, patch cumulus.Collection) (WriteResult[cumulus.Collection], error) {
	return update(ctx, c, collections, patch)
}

func (c *Coordinator) DeleteCollection(ctx context.Context, name, version string) (WriteResult[cumulus.Collection], error) {
	return remove(ctx, c, collections, cumulus.Collection{Name: name, Version: version})
}

func (c *Coordinator) GetCollection(ctx context.Context, name, version string) (cumulus.Collection, error) {
	out, _, err := get(ctx, c, collections, cumulus.Collection{Name: name, Version: version})
	return out, err
}

func (c *Coordinator) CreateProvider(ctx context.Context, p cumulus.Provider) (WriteResult[cumulus.Provider], error) {
	return create(ctx, c, providers, p)
}

// UpdateProvider overlays the non-zero fields of patch onto the stored record.
// Zero values, false included, leave the stored field unchanged.
func (c *Coordinator) UpdateProvider(ctx context.Context, patch cumulus.Provider) (WriteResult[cumulus.Provider], error) {
	return update(ctx, c, providers, patch)
}

// DeleteProvider fails with an AssociatedRecordError while rules, granules
// or PDRs still reference the provider.
func (c *Coordinator) DeleteProvider(ctx context.Context, id string) (WriteResult[cumulus.Provider], error) {
	return remove(ctx, c, providers, cumulus.Provider{ID: id})
}

func (c *Coordinator) GetProvider(ctx context.Context, id string) (cumulus.Provider, error) {
	out, _, err := get(ctx, c, providers, cumulus.Provider{ID: id})
	return out, err
}

// CreateAsyncOperation assigns a random id when op.ID is empty.
func (c *Coordinator) CreateAsyncOperation(ctx context.Context, op cumulus.AsyncOperation) (WriteResult[cumulus.AsyncOperation], error) {
	return create(ctx, c, asyncOperations, op)
}

// UpdateAsyncOperation overlays the non-zero fields of patch onto the stored record.
// Zero values, false included, leave the stored field unchanged.
func (c *Coordinator) UpdateAsyncOperation(ctx context.Context, patch cumulus.AsyncOperation) (WriteResult[cumulus.AsyncOperation], error) {
	return update(ctx, c, asyncOperations, patch)
}

func (c *Coordinator) DeleteAsyncOperation(ctx context.Context, id string) (WriteResult[cumulus.AsyncOperation], error) {
	return remove(ctx, c, asyncOperations, cumulus.AsyncOperation{ID: id})
}

func (c *Coordinator) GetAsyncOperation(ctx context.Context, id string) (cumulus.AsyncOperation, error) {
	out, _, err := get(ctx, c, asyncOperations, cumulus.AsyncOperation{ID: id})
	return out, err
}

func (c *Coordinator) CreateRule(ctx context.Context, r cumulus.Rule) (WriteResult[cumulus.Rule], error) {
	return create(ctx, c, rules, r)
}

// UpdateRule overlays the non-zero fields of patch onto the stored record.
// Zero values, false included, leave the stored field unchanged.
func (c *Coordinator) UpdateRule(ctx context.Context, patch cumulus.Rule) (WriteResult[cumulus.Rule], error) {
	return update(ctx, c, rules, patch)
}

func (c *Coordinator) DeleteRule(ctx context.Context, name string) (WriteResult[cumulus.Rule], error) {
	return remove(ctx, c, rules, cumulus.Rule{Name: name})
}

func (c *Coordinator) GetRule(ctx context.Context, name string) (cumulus.Rule, error) {
	out, _, err := get(ctx, c, rules, cumulus.Rule{Name: name})
	return out, err
}

func (c *Coordinator) CreateExecution(ctx context.Context, e cumulus.Execution) (WriteResult[cumulus.Execution], error) {
	return create(ctx, c, executions, e)
}

// UpdateExecution overlays the non-zero fields of patch onto the stored record.
// Zero values, false included, leave the stored field unchanged.
func (c *Coordinator) UpdateExecution(ctx context.Context, patch cumulus.Execution) (WriteResult[cumulus.Execution], error) {
	return update(ctx, c, executions, patch)
}

func (c *Coordinator) DeleteExecution(ctx context.Context, arn string) (WriteResult[cumulus.Execution], error) {
	return remove(ctx, c, executions, cumulus.Execution{Arn: arn})
}

func (c *Coordinator) GetExecution(ctx context.Context, arn string) (cumulus.Execution, error) {
	out, _, err := get(ctx, c, executions, cumulus.Execution{Arn: arn})
	return out, err
}

// WriteExecutionReport applies a workflow status report for an execution.
func (c *Coordinator) WriteExecutionReport(ctx context.Context, e cumulus.Execution) (WriteResult[cumulus.Execution], error) {
	return writeReport(ctx, c, executions, e, reconcile.ResolveExecution)
}

func (c *Coordinator) CreatePdr(ctx context.Context, p cumulus.Pdr) (WriteResult[cumulus.Pdr], error) {
	return create(ctx, c, pdrs, p)
}

// UpdatePdr overlays the non-zero fields of patch onto the stored record.
// Zero values, false included, leave the stored field unchanged.
func (c *Coordinator) UpdatePdr(ctx context.Context, patch cumulus.Pdr) (WriteResult[cumulus.Pdr], error) {
	return update(ctx, c, pdrs, patch)
}

func (c *Coordinator) DeletePdr(ctx context.Context, name string) (WriteResult[cumulus.Pdr], error) {
	return remove(ctx, c, pdrs, cumulus.Pdr{PdrName: name})
}

func (c *Coordinator) GetPdr(ctx context.Context, name string) (cumulus.Pdr, error) {
	out, _, err := get(ctx, c, pdrs, cumulus.Pdr{PdrName: name})
	return out, err
}

// WritePdrReport applies a PDR progress report.
func (c *Coordinator) WritePdrReport(ctx context.Context, p cumulus.Pdr) (WriteResult[cumulus.Pdr], error) {
	return writeReport(ctx, c, pdrs, p, reconcile.ResolvePdr)
}

func (c *Coordinator) CreateGranule(ctx context.Context, g cumulus.Granule) (WriteResult[cumulus.Granule], error) {
	return create(ctx, c, granules, g)
}

// UpdateGranule patches a granule with the non-zero fields of patch, so it
// cannot clear a field or set Published back to false. When patch carries
// files they replace the granule's whole file list.
func (c *Coordinator) UpdateGranule(ctx context.Context, patch cumulus.Granule) (WriteResult[cumulus.Granule], error) {
	return update(ctx, c, granules, patch)
}

// DeleteGranule removes an unpublished granule, its file rows and the
// objects those files point at.
func (c *Coordinator) DeleteGranule(ctx context.Context, collectionID, granuleID string) (WriteResult[cumulus.Granule], error) {
	return remove(ctx, c, granules, cumulus.Granule{GranuleID: granuleID, CollectionID: collectionID})
}

func (c *Coordinator) GetGranule(ctx context.Context, collectionID, granuleID string) (cumulus.Granule, error) {
	out, _, err := get(ctx, c, granules, cumulus.Granule{GranuleID: granuleID, CollectionID: collectionID})
	return out, err
}

// WriteGranuleReport applies a granule status report. Executions should be
// reported first so the granule can be linked to its execution.
func (c *Coordinator) WriteGranuleReport(ctx context.Context, g cumulus.Granule) (WriteResult[cumulus.Granule], error) {
	return writeReport(ctx, c, granules, g, reconcile.ResolveGranule)
}

// LoadGranule reads a granule for relocation. documentOnly is set when the
// granule exists only in the document store.
func (c *Coordinator) LoadGranule(ctx context.Context, collectionID, granuleID string) (g cumulus.Granule, documentOnly bool, err error) {
	return get(ctx, c, granules, cumulus.Granule{GranuleID: granuleID, CollectionID: collectionID})
}

// MoveFileRecord points the file row at from to its new location in its own
// transaction.
func (c *Coordinator) MoveFileRecord(ctx context.Context, from, to cumulus.File) error {
	err := store.InTx(ctx, c.relational, func(tx store.Tx) error {
		var row store.FileRow
		if err := tx.GetForUpdate(ctx, &row, store.Where{"bucket": from.Bucket, "key": from.Key}); err != nil {
			return fmt.Errorf("file %s: %w", from.S3URL(), err)
		}
		row.Bucket = to.Bucket
		row.Key = to.Key
		row.FileName = to.Name()
		row.UpdatedAt = c.now().UTC()
		return tx.Update(ctx, &row)
	})
	countWrite(cumulus.KindGranule, "move_file", err, false)
	return err
}

// MirrorGranule stamps the granule row with the move time and the new
// product volume, then writes the re-read record to the document store and
// search index as a single aggregate update. Relational file rows are
// expected to be current already.
func (c *Coordinator) MirrorGranule(ctx context.Context, g cumulus.Granule, documentOnly bool) WriteResult[cumulus.Granule] {
	g.UpdatedAt = c.nowMillis()
	g.ProductVolume = cumulus.SumFileSizes(g.Files)
	res := WriteResult[cumulus.Granule]{Record: g, DocumentOnly: documentOnly}
	var stampErr error
	if !documentOnly {
		err := store.InTx(ctx, c.relational, func(tx store.Tx) error {
			where, err := granules.where(ctx, tx, g)
			if err != nil {
				return err
			}
			var row store.GranuleRow
			if err := tx.GetForUpdate(ctx, &row, where); err != nil {
				return err
			}
			row.UpdatedAt = cumulus.FromMillis(g.UpdatedAt)
			row.ProductVolume = g.ProductVolume
			if err := tx.Update(ctx, &row); err != nil {
				return err
			}
			res.Record, err = granules.read(ctx, tx, row.ID())
			return err
		})
		countWrite(cumulus.KindGranule, "move", err, false)
		if err != nil {
			stampErr = c.drift(ctx, cumulus.KindGranule, granuleKey(g), "relational", "stamp", err)
			res.Record = g
		}
	}
	mirrorPut(ctx, c, granules, &res)
	if stampErr != nil {
		res.Degraded = true
		res.MirrorErr = errors.Join(stampErr, res.MirrorErr)
	}
	return res
}

// Drift lists unresolved mirror failures.
func (c *Coordinator) Drift(ctx context.Context, limit int) ([]store.Drift, error) {
	return c.relational.ListDrift(ctx, limit)
}

func (c *Coordinator) ResolveDrift(ctx context.Context, id string) error {
	return c.relational.ResolveDrift(ctx, id)
}
