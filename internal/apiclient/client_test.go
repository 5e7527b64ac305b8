package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/dualwrite"
	"github.com/cumulusdata/cumulus/internal/httpapi"
	"github.com/cumulusdata/cumulus/internal/ingest"
	"github.com/cumulusdata/cumulus/internal/objectstore"
	"github.com/cumulusdata/cumulus/internal/relocate"
	"github.com/cumulusdata/cumulus/internal/store"
)

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		assert.Equal(t, "/v1/granules/C___1/G%2F1", r.URL.EscapedPath())
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"granuleId":"G/1","collectionId":"C___1","status":"completed"}`))
	}))
	defer server.Close()

	client := New(server.URL, "token", server.Client())
	g, err := client.GetGranule(context.Background(), "C___1", "G/1")
	require.NoError(t, err)
	assert.Equal(t, "G/1", g.GranuleID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClientMapsErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"record not found"}`))
	}))
	defer server.Close()

	_, err := New(server.URL, "token", server.Client()).GetGranule(context.Background(), "C___1", "G1")
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, "not_found", httpErr.Code)
	assert.ErrorIs(t, err, cumulus.ErrRecordNotFound)
}

func TestClientAgainstServer(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemoryStore()
	coord := dualwrite.New(store.NewMemoryStore(), dualwrite.Options{Objects: objects})
	_, err := coord.CreateCollection(ctx, cumulus.Collection{Name: "MOD09GQ", Version: "006"})
	require.NoError(t, err)
	files := []cumulus.File{
		{Bucket: "staging", Key: "a.hdf", FileName: "a.hdf"},
		{Bucket: "staging", Key: "b.hdf", FileName: "b.hdf"},
	}
	for _, f := range files {
		objects.Put(f.Bucket, f.Key, []byte("x"))
	}
	_, err = coord.CreateGranule(ctx, cumulus.Granule{GranuleID: "G1", CollectionID: "MOD09GQ___006", Status: cumulus.StatusCompleted, Files: files})
	require.NoError(t, err)

	pipeline := ingest.NewPipeline(coord, ingest.Options{})
	defer pipeline.Close()
	api := httpapi.NewServerWithConfig(coord, pipeline, relocate.NewEngine(coord, objects, relocate.Options{}), httpapi.ServerConfig{JWTSecret: "s"})
	server := httptest.NewServer(api)
	defer server.Close()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "cli",
		"aud":    "cumulus",
		"scopes": []string{"admin"},
		"exp":    time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s"))
	require.NoError(t, err)
	client := New(server.URL, token, server.Client())

	objects.FailCopy = func(_, srcKey, _, _ string) error {
		if srcKey == "b.hdf" {
			return errors.New("access denied")
		}
		return nil
	}
	res, err := client.MoveGranule(ctx, "MOD09GQ___006", "G1", []relocate.Destination{{Regex: `\.hdf$`, Bucket: "protected"}})
	var partial *cumulus.PartialRelocationError
	require.True(t, errors.As(err, &partial))
	require.Len(t, partial.Failures, 1)
	assert.Equal(t, "b.hdf", partial.Failures[0].Move.SourceKey)
	require.Len(t, res.Granule.Files, 2)

	g, err := client.GetGranule(ctx, "MOD09GQ___006", "G1")
	require.NoError(t, err)
	buckets := map[string]string{}
	for _, f := range g.Files {
		buckets[f.FileName] = f.Bucket
	}
	assert.Equal(t, map[string]string{"a.hdf": "protected", "b.hdf": "staging"}, buckets)

	dead, err := client.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
	drift, err := client.Drift(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, drift)

	_, err = client.ReplayDeadLetter(ctx, "missing")
	assert.ErrorIs(t, err, cumulus.ErrRecordNotFound)
}
