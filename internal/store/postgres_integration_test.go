package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

func postgresIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CUMULUS_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("CUMULUS_TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	for _, table := range []string{TableMirrorDrift, TableGranulesExecutions, TableFiles, TableRules, TableGranules, TablePdrs, TableExecutions, TableAsyncOperations, TableProviders, TableCollections} {
		_, err := db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(table) + " CASCADE")
		require.NoError(t, err)
	}
	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresIntegrationConstraints(t *testing.T) {
	s := postgresIntegrationStore(t)
	ctx := context.Background()
	collectionID, providerID := seedCollectionAndProvider(t, s)

	err := InTx(ctx, s, func(tx Tx) error {
		return tx.Insert(ctx, &ProviderRow{Name: "prov", Protocol: "s3", Host: "h"})
	})
	var collision *cumulus.CollisionError
	require.True(t, errors.As(err, &collision), "got %v", err)

	require.NoError(t, InTx(ctx, s, func(tx Tx) error {
		return tx.Insert(ctx, &RuleRow{Name: "r1", Workflow: "w", Type: "onetime",
			ProviderCumulusID: sql.NullInt64{Int64: providerID, Valid: true}})
	}))
	err = InTx(ctx, s, func(tx Tx) error {
		return tx.Delete(ctx, TableProviders, providerID)
	})
	var assoc *cumulus.AssociatedRecordError
	require.True(t, errors.As(err, &assoc), "got %v", err)
	assert.Equal(t, []string{"rules:r1"}, assoc.Dependents)

	var granuleID int64
	require.NoError(t, InTx(ctx, s, func(tx Tx) error {
		g := &GranuleRow{GranuleID: "g1", Status: "completed", CollectionCumulusID: collectionID}
		if err := tx.Insert(ctx, g); err != nil {
			return err
		}
		granuleID = g.ID()
		return tx.Insert(ctx, &FileRow{GranuleCumulusID: g.ID(), Bucket: "b", Key: "k"})
	}))
	require.NoError(t, InTx(ctx, s, func(tx Tx) error {
		var g GranuleRow
		if err := tx.GetForUpdate(ctx, &g, Where{"granule_id": "g1", "collection_cumulus_id": collectionID}); err != nil {
			return err
		}
		assert.Equal(t, granuleID, g.ID())
		return tx.Delete(ctx, TableGranules, g.ID())
	}))
	require.NoError(t, InTx(ctx, s, func(tx Tx) error {
		files, err := tx.List(ctx, TableFiles, Where{"granule_cumulus_id": granuleID})
		assert.Empty(t, files)
		return err
	}))

	require.NoError(t, s.RecordDrift(ctx, Drift{Kind: "granule", Key: "g1", Target: "index", Operation: "upsert", Error: "timeout"}))
	drift, err := s.ListDrift(ctx, 5)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	require.NoError(t, s.ResolveDrift(ctx, drift[0].ID))
}
