package translate

import (
	"context"
	"database/sql"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/store"
)

// GranuleRecord is the relational form of a granule document.
type GranuleRecord struct {
	Row   *store.GranuleRow
	Files []*store.FileRow
	// ExecutionCumulusID is the resolved execution to link, or zero.
	ExecutionCumulusID int64
}

func FileToRelational(f cumulus.File, granuleCumulusID int64) *store.FileRow {
	return &store.FileRow{
		GranuleCumulusID: granuleCumulusID,
		Bucket:           f.Bucket,
		Key:              f.Key,
		FileName:         f.Name(),
		ChecksumType:     f.ChecksumType,
		ChecksumValue:    f.Checksum,
		FileSize:         f.Size,
		Source:           f.Source,
		Type:             f.Type,
	}
}

func FileToDocument(row *store.FileRow) cumulus.File {
	return cumulus.File{
		Bucket:       row.Bucket,
		Key:          row.Key,
		FileName:     row.FileName,
		ChecksumType: row.ChecksumType,
		Checksum:     row.ChecksumValue,
		Size:         row.FileSize,
		Source:       row.Source,
		Type:         row.Type,
	}
}

// GranuleToRelational resolves references: the collection is required, the
// provider is required when supplied, and the PDR and execution are dropped
// when they cannot be found.
func GranuleToRelational(ctx context.Context, l Lookup, g cumulus.Granule) (*GranuleRecord, error) {
	collectionID, err := CollectionCumulusID(ctx, l, g.CollectionID)
	if err != nil {
		return nil, err
	}
	volume := g.ProductVolume
	if volume == 0 {
		volume = cumulus.SumFileSizes(g.Files)
	}
	row := &store.GranuleRow{
		GranuleID:           g.GranuleID,
		Status:              string(g.Status),
		CollectionCumulusID: collectionID,
		Published:           g.Published,
		CmrLink:             g.CmrLink,
		ProductVolume:       volume,
		Duration:            g.Duration,
		TimeToPreprocess:    g.TimeToPreprocess,
		TimeToArchive:       g.TimeToArchive,
		Timestamp:           nullTimeFromMillis(g.Timestamp),
	}
	if row.Error, err = jsonColumn(g.Error); err != nil {
		return nil, err
	}
	isoFields := []struct {
		name   string
		value  string
		target *sql.NullTime
	}{
		{"processingStartDateTime", g.ProcessingStartDateTime, &row.ProcessingStartDateTime},
		{"processingEndDateTime", g.ProcessingEndDateTime, &row.ProcessingEndDateTime},
		{"beginningDateTime", g.BeginningDateTime, &row.BeginningDateTime},
		{"endingDateTime", g.EndingDateTime, &row.EndingDateTime},
		{"productionDateTime", g.ProductionDateTime, &row.ProductionDateTime},
		{"lastUpdateDateTime", g.LastUpdateDateTime, &row.LastUpdateDateTime},
	}
	for _, f := range isoFields {
		if *f.target, err = nullTimeFromISO(f.name, f.value); err != nil {
			return nil, err
		}
	}
	if g.Provider != "" {
		id, err := required(ctx, l, store.TableProviders, "provider", g.Provider, store.Where{"name": g.Provider})
		if err != nil {
			return nil, err
		}
		row.ProviderCumulusID = sql.NullInt64{Int64: id, Valid: true}
	}
	if g.PdrName != "" {
		if row.PdrCumulusID, err = optional(ctx, l, store.TablePdrs, store.Where{"name": g.PdrName}); err != nil {
			return nil, err
		}
	}
	row.CreatedAt = toTime(g.CreatedAt)
	row.UpdatedAt = toTime(g.UpdatedAt)

	rec := &GranuleRecord{Row: row}
	if g.Execution != "" {
		exec, err := optional(ctx, l, store.TableExecutions, store.Where{"arn": cumulus.ArnFromExecutionURL(g.Execution)})
		if err != nil {
			return nil, err
		}
		rec.ExecutionCumulusID = exec.Int64
	}
	for _, f := range g.Files {
		rec.Files = append(rec.Files, FileToRelational(f, 0))
	}
	return rec, nil
}

// GranuleToDocument rebuilds the document, including its files and the URL
// of the most recently linked execution.
func GranuleToDocument(ctx context.Context, r Reader, row *store.GranuleRow) (cumulus.Granule, error) {
	out := cumulus.Granule{
		GranuleID:               row.GranuleID,
		Status:                  cumulus.Status(row.Status),
		Published:               row.Published,
		CmrLink:                 row.CmrLink,
		ProductVolume:           row.ProductVolume,
		Duration:                row.Duration,
		TimeToPreprocess:        row.TimeToPreprocess,
		TimeToArchive:           row.TimeToArchive,
		ProcessingStartDateTime: isoFromNullTime(row.ProcessingStartDateTime),
		ProcessingEndDateTime:   isoFromNullTime(row.ProcessingEndDateTime),
		BeginningDateTime:       isoFromNullTime(row.BeginningDateTime),
		EndingDateTime:          isoFromNullTime(row.EndingDateTime),
		ProductionDateTime:      isoFromNullTime(row.ProductionDateTime),
		LastUpdateDateTime:      isoFromNullTime(row.LastUpdateDateTime),
		Timestamp:               millisFromNullTime(row.Timestamp),
		CreatedAt:               cumulus.Millis(row.CreatedAt),
		UpdatedAt:               cumulus.Millis(row.UpdatedAt),
	}
	var err error
	if out.Error, err = mapFromColumn(row.Error); err != nil {
		return cumulus.Granule{}, err
	}
	if out.CollectionID, err = collectionIDFor(ctx, r, row.CollectionCumulusID); err != nil {
		return cumulus.Granule{}, err
	}
	if row.ProviderCumulusID.Valid {
		if out.Provider, err = providerNameFor(ctx, r, row.ProviderCumulusID.Int64); err != nil {
			return cumulus.Granule{}, err
		}
	}
	if row.PdrCumulusID.Valid {
		var pdr store.PdrRow
		if err := r.GetByID(ctx, &pdr, row.PdrCumulusID.Int64); err != nil {
			return cumulus.Granule{}, err
		}
		out.PdrName = pdr.Name
	}
	execIDs, err := r.GranuleExecutionIDs(ctx, row.CumulusID)
	if err != nil {
		return cumulus.Granule{}, err
	}
	if len(execIDs) > 0 {
		if out.Execution, err = executionURLFor(ctx, r, execIDs[len(execIDs)-1]); err != nil {
			return cumulus.Granule{}, err
		}
	}
	files, err := r.List(ctx, store.TableFiles, store.Where{"granule_cumulus_id": row.CumulusID})
	if err != nil {
		return cumulus.Granule{}, err
	}
	for _, f := range files {
		out.Files = append(out.Files, FileToDocument(f.(*store.FileRow)))
	}
	return out, nil
}
