package translate

import (
	"context"
	"database/sql"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/store"
)

// ExecutionToRelational resolves the execution's references. The collection
// and async operation fail hard when supplied but missing; an unknown
// parent is dropped.
func ExecutionToRelational(ctx context.Context, l Lookup, e cumulus.Execution) (*store.ExecutionRow, error) {
	url := e.ExecutionURL
	if url == "" {
		url = cumulus.ExecutionURL(e.Arn)
	}
	row := &store.ExecutionRow{
		Arn:            e.Arn,
		URL:            url,
		Status:         string(e.Status),
		WorkflowName:   e.Type,
		CumulusVersion: e.CumulusVersion,
		Duration:       e.Duration,
		Timestamp:      nullTimeFromMillis(e.Timestamp),
	}
	var err error
	if row.Tasks, err = jsonColumn(e.Tasks); err != nil {
		return nil, err
	}
	if row.Error, err = jsonColumn(e.Error); err != nil {
		return nil, err
	}
	if row.OriginalPayload, err = jsonColumn(e.OriginalPayload); err != nil {
		return nil, err
	}
	if row.FinalPayload, err = jsonColumn(e.FinalPayload); err != nil {
		return nil, err
	}
	if e.CollectionID != "" {
		id, err := CollectionCumulusID(ctx, l, e.CollectionID)
		if err != nil {
			return nil, err
		}
		row.CollectionCumulusID = sql.NullInt64{Int64: id, Valid: true}
	}
	if e.AsyncOperationID != "" {
		id, err := required(ctx, l, store.TableAsyncOperations, "async operation", e.AsyncOperationID, store.Where{"id": e.AsyncOperationID})
		if err != nil {
			return nil, err
		}
		row.AsyncOperationCumulusID = sql.NullInt64{Int64: id, Valid: true}
	}
	if e.ParentArn != "" {
		if row.ParentCumulusID, err = optional(ctx, l, store.TableExecutions, store.Where{"arn": e.ParentArn}); err != nil {
			return nil, err
		}
	}
	row.CreatedAt = toTime(e.CreatedAt)
	row.UpdatedAt = toTime(e.UpdatedAt)
	return row, nil
}

func ExecutionToDocument(ctx context.Context, r Reader, row *store.ExecutionRow) (cumulus.Execution, error) {
	out := cumulus.Execution{
		Arn:            row.Arn,
		Name:           executionName(row.Arn),
		ExecutionURL:   row.URL,
		Status:         cumulus.Status(row.Status),
		Type:           row.WorkflowName,
		CumulusVersion: row.CumulusVersion,
		Duration:       row.Duration,
		Timestamp:      millisFromNullTime(row.Timestamp),
		CreatedAt:      cumulus.Millis(row.CreatedAt),
		UpdatedAt:      cumulus.Millis(row.UpdatedAt),
	}
	var err error
	if out.Tasks, err = mapFromColumn(row.Tasks); err != nil {
		return cumulus.Execution{}, err
	}
	if out.Error, err = mapFromColumn(row.Error); err != nil {
		return cumulus.Execution{}, err
	}
	if out.OriginalPayload, err = mapFromColumn(row.OriginalPayload); err != nil {
		return cumulus.Execution{}, err
	}
	if out.FinalPayload, err = mapFromColumn(row.FinalPayload); err != nil {
		return cumulus.Execution{}, err
	}
	if row.CollectionCumulusID.Valid {
		if out.CollectionID, err = collectionIDFor(ctx, r, row.CollectionCumulusID.Int64); err != nil {
			return cumulus.Execution{}, err
		}
	}
	if row.AsyncOperationCumulusID.Valid {
		var op store.AsyncOperationRow
		if err := r.GetByID(ctx, &op, row.AsyncOperationCumulusID.Int64); err != nil {
			return cumulus.Execution{}, err
		}
		out.AsyncOperationID = op.OperationID
	}
	if row.ParentCumulusID.Valid {
		var parent store.ExecutionRow
		if err := r.GetByID(ctx, &parent, row.ParentCumulusID.Int64); err != nil {
			return cumulus.Execution{}, err
		}
		out.ParentArn = parent.Arn
	}
	return out, nil
}

// executionName is the last segment of an execution ARN.
func executionName(arn string) string {
	for i := len(arn) - 1; i >= 0; i-- {
		if arn[i] == ':' {
			return arn[i+1:]
		}
	}
	return arn
}
