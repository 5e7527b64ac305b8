package translate

import (
	"context"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/store"
)

func PdrToRelational(ctx context.Context, l Lookup, p cumulus.Pdr) (*store.PdrRow, error) {
	p = p.Normalized()
	collectionID, err := CollectionCumulusID(ctx, l, p.CollectionID)
	if err != nil {
		return nil, err
	}
	providerID, err := required(ctx, l, store.TableProviders, "provider", p.Provider, store.Where{"name": p.Provider})
	if err != nil {
		return nil, err
	}
	row := &store.PdrRow{
		Name:                p.PdrName,
		Status:              string(p.Status),
		CollectionCumulusID: collectionID,
		ProviderCumulusID:   providerID,
		Progress:            p.Progress,
		PANSent:             p.PANSent,
		PANMessage:          p.PANmessage,
		Address:             p.Address,
		OriginalURL:         p.OriginalURL,
		Duration:            p.Duration,
		Timestamp:           nullTimeFromMillis(p.Timestamp),
	}
	if p.Stats != nil {
		row.StatsProcessing = p.Stats.Processing
		row.StatsCompleted = p.Stats.Completed
		row.StatsFailed = p.Stats.Failed
		row.StatsTotal = p.Stats.Total
	}
	if p.Execution != "" {
		if row.ExecutionCumulusID, err = optional(ctx, l, store.TableExecutions, store.Where{"arn": cumulus.ArnFromExecutionURL(p.Execution)}); err != nil {
			return nil, err
		}
	}
	row.CreatedAt = toTime(p.CreatedAt)
	row.UpdatedAt = toTime(p.UpdatedAt)
	return row, nil
}

// PdrToDocument omits stats when every counter is zero.
func PdrToDocument(ctx context.Context, r Reader, row *store.PdrRow) (cumulus.Pdr, error) {
	out := cumulus.Pdr{
		PdrName:     row.Name,
		Status:      cumulus.Status(row.Status),
		Progress:    row.Progress,
		PANSent:     row.PANSent,
		PANmessage:  row.PANMessage,
		Address:     row.Address,
		OriginalURL: row.OriginalURL,
		Duration:    row.Duration,
		Timestamp:   millisFromNullTime(row.Timestamp),
		CreatedAt:   cumulus.Millis(row.CreatedAt),
		UpdatedAt:   cumulus.Millis(row.UpdatedAt),
	}
	stats := cumulus.PdrStats{
		Processing: row.StatsProcessing,
		Completed:  row.StatsCompleted,
		Failed:     row.StatsFailed,
		Total:      row.StatsTotal,
	}
	if stats != (cumulus.PdrStats{}) {
		out.Stats = &stats
	}
	var err error
	if out.CollectionID, err = collectionIDFor(ctx, r, row.CollectionCumulusID); err != nil {
		return cumulus.Pdr{}, err
	}
	if out.Provider, err = providerNameFor(ctx, r, row.ProviderCumulusID); err != nil {
		return cumulus.Pdr{}, err
	}
	if row.ExecutionCumulusID.Valid {
		if out.Execution, err = executionURLFor(ctx, r, row.ExecutionCumulusID.Int64); err != nil {
			return cumulus.Pdr{}, err
		}
	}
	return out, nil
}
