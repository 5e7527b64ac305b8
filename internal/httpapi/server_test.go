package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/dualwrite"
	"github.com/cumulusdata/cumulus/internal/ingest"
	"github.com/cumulusdata/cumulus/internal/objectstore"
	"github.com/cumulusdata/cumulus/internal/relocate"
	"github.com/cumulusdata/cumulus/internal/store"
)

const (
	testSecret         = "test-secret"
	testInternalSecret = "test-internal"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

type testEnv struct {
	server   *Server
	coord    *dualwrite.Coordinator
	docs     *store.MemoryDocumentStore
	objects  *objectstore.MemoryStore
	pipeline *ingest.Pipeline
	token    string
}

func newTestEnv(t *testing.T, queueCapacity int) *testEnv {
	t.Helper()
	env := &testEnv{
		docs:    store.NewMemoryDocumentStore(),
		objects: objectstore.NewMemoryStore(),
	}
	env.coord = dualwrite.New(store.NewMemoryStore(), dualwrite.Options{
		Documents: env.docs,
		Index:     store.NewMemoryIndex(),
		Objects:   env.objects,
	})
	env.pipeline = ingest.NewPipeline(env.coord, ingest.Options{
		Queue:      ingest.NewInMemoryQueue(queueCapacity),
		RetryDelay: time.Millisecond,
	})
	t.Cleanup(func() { _ = env.pipeline.Close() })
	engine := relocate.NewEngine(env.coord, env.objects, relocate.Options{})
	env.server = NewServerWithConfig(env.coord, env.pipeline, engine, ServerConfig{
		JWTSecret:          testSecret,
		InternalHMACSecret: testInternalSecret,
		BackendProfile:     "memory",
	})
	env.token = mustTestJWT(t, testSecret, "operator", []string{scopeAdmin}, time.Now().Add(time.Hour))
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return doRequest(t, env.server, request{
		method: method,
		path:   path,
		headers: map[string]string{
			"Authorization":    "Bearer " + env.token,
			"X-Correlation-Id": "corr-test",
		},
		body: body,
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, 8)

	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/providers/prov"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	bad := mustTestJWT(t, "other-secret", "operator", []string{scopeRead}, time.Now().Add(time.Hour))
	rec = doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    "/v1/providers/prov",
		headers: map[string]string{"Authorization": "Bearer " + bad},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := mustTestJWT(t, testSecret, "operator", []string{scopeRead}, time.Now().Add(-time.Minute))
	rec = doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    "/v1/providers/prov",
		headers: map[string]string{"Authorization": "Bearer " + expired},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token expired", decodeBody(t, rec)["message"])
}

func TestScopesEnforced(t *testing.T) {
	env := newTestEnv(t, 8)
	reader := mustTestJWT(t, testSecret, "viewer", []string{scopeRead}, time.Now().Add(time.Hour))
	headers := map[string]string{"Authorization": "Bearer " + reader}

	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/providers/prov", headers: headers})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/providers",
		headers: headers,
		body:    cumulus.Provider{ID: "prov", Protocol: "s3", Host: "bucket"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/admin/drift", headers: headers})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	writer := mustTestJWT(t, testSecret, "ingest", []string{scopeRead, scopeWrite}, time.Now().Add(time.Hour))
	rec = doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/granules/C___1/G1/move",
		headers: map[string]string{"Authorization": "Bearer " + writer},
		body:    moveRequest{Destinations: []relocate.Destination{{Regex: ".*", Bucket: "b"}}},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCollectionLifecycle(t *testing.T) {
	env := newTestEnv(t, 8)

	rec := env.do(t, http.MethodPost, "/v1/collections", cumulus.Collection{Name: "MOD09GQ", Version: "006", Process: "modis"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	record := body["record"].(map[string]any)
	assert.Equal(t, "MOD09GQ", record["name"])
	assert.NotContains(t, body, "degraded")

	rec = env.do(t, http.MethodPost, "/v1/collections", cumulus.Collection{Name: "MOD09GQ", Version: "006"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeBody(t, rec)["code"])

	rec = env.do(t, http.MethodPatch, "/v1/collections/MOD09GQ/006", map[string]any{"process": "viirs"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/collections/MOD09GQ/006", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got cumulus.Collection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "viirs", got.Process)

	rec = env.do(t, http.MethodDelete, "/v1/collections/MOD09GQ/006", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/collections/MOD09GQ/006", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "corr-test", decodeBody(t, rec)["correlationId"])
}

func TestGranuleReferencesAndDependents(t *testing.T) {
	env := newTestEnv(t, 8)

	rec := env.do(t, http.MethodPost, "/v1/granules", cumulus.Granule{GranuleID: "G1", CollectionID: "MISSING___1", Status: cumulus.StatusCompleted})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "reference_not_found", decodeBody(t, rec)["code"])

	rec = env.do(t, http.MethodPost, "/v1/providers", cumulus.Provider{ID: "prov", Protocol: "s3", Host: "bucket"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = env.do(t, http.MethodPost, "/v1/rules", cumulus.Rule{Name: "rule_a", Workflow: "Discover", Type: "onetime", State: "ENABLED", Provider: "prov"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodDelete, "/v1/providers/prov", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "associated_records", body["code"])
	assert.Equal(t, []any{"rules:rule_a"}, body["dependents"])

	rec = env.do(t, http.MethodPost, "/v1/providers", map[string]any{"id": "p2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decodeBody(t, rec)["code"])

	rec = env.do(t, http.MethodPost, "/v1/providers", "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMirrorFailureReportedAsDegraded(t *testing.T) {
	env := newTestEnv(t, 8)
	env.docs.FailPut = func(kind cumulus.Kind, _ store.DocKey) error {
		return fmt.Errorf("document store unavailable")
	}

	rec := env.do(t, http.MethodPost, "/v1/providers", cumulus.Provider{ID: "prov", Protocol: "s3", Host: "bucket"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["degraded"])
	assert.Contains(t, body["mirrorError"], "document store unavailable")

	rec = env.do(t, http.MethodGet, "/v1/admin/drift?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var drift struct {
		Items []store.Drift `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drift))
	require.Len(t, drift.Items, 1)

	rec = env.do(t, http.MethodPost, "/v1/admin/drift/"+drift.Items[0].ID+"/resolve", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMoveGranule(t *testing.T) {
	env := newTestEnv(t, 8)
	ctx := context.Background()
	_, err := env.coord.CreateCollection(ctx, cumulus.Collection{Name: "MOD09GQ", Version: "006"})
	require.NoError(t, err)
	files := []cumulus.File{
		{Bucket: "staging", Key: "in/a.hdf", FileName: "a.hdf", Size: 4},
		{Bucket: "staging", Key: "in/b.hdf", FileName: "b.hdf", Size: 4},
	}
	for _, f := range files {
		env.objects.Put(f.Bucket, f.Key, []byte("data"))
	}
	_, err = env.coord.CreateGranule(ctx, cumulus.Granule{GranuleID: "G1", CollectionID: "MOD09GQ___006", Status: cumulus.StatusCompleted, Files: files})
	require.NoError(t, err)

	env.objects.FailCopy = func(_, srcKey, _, _ string) error {
		if srcKey == "in/b.hdf" {
			return fmt.Errorf("access denied")
		}
		return nil
	}
	move := moveRequest{Destinations: []relocate.Destination{{Regex: `\.hdf$`, Bucket: "protected"}}}
	rec := env.do(t, http.MethodPost, "/v1/granules/MOD09GQ___006/G1/move", move)
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	var partial partialRelocationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &partial))
	assert.Equal(t, "partial_relocation", partial.Code)
	assert.Equal(t, "G1", partial.GranuleID)
	require.Len(t, partial.Failures, 1)
	assert.Equal(t, "in/b.hdf", partial.Failures[0].Move.SourceKey)

	env.objects.FailCopy = nil
	rec = env.do(t, http.MethodPost, "/v1/granules/MOD09GQ___006/G1/move", move)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res relocate.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	for _, f := range res.Granule.Files {
		assert.Equal(t, "protected", f.Bucket)
	}
	assert.True(t, env.objects.Exists("protected", "b.hdf"))
	assert.False(t, env.objects.Exists("staging", "in/b.hdf"))

	rec = env.do(t, http.MethodPost, "/v1/granules/MOD09GQ___006/G1/move", moveRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/granules/MOD09GQ___006/missing/move", move)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEscapedExecutionKey(t *testing.T) {
	env := newTestEnv(t, 8)
	arn := "arn:aws:states:us-east-1:123:execution:IngestGranule:exec-1"
	rec := env.do(t, http.MethodPost, "/v1/executions", cumulus.Execution{Arn: arn, Name: "exec-1", Status: cumulus.StatusRunning})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/executions/"+url.PathEscape(arn), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, arn, decodeBody(t, rec)["arn"])
}

func internalMessage(execution string) []byte {
	return []byte(fmt.Sprintf(`{
	  "cumulus_meta": {
	    "execution_name": %q,
	    "state_machine": "arn:aws:states:us-east-1:123:stateMachine:IngestGranule",
	    "workflow_start_time": 1700000000000
	  },
	  "meta": {"status": "running", "workflow_name": "IngestGranule"}
	}`, execution))
}

func signedInternalRequest(t *testing.T, server http.Handler, body []byte, ts time.Time) *httptest.ResponseRecorder {
	t.Helper()
	timestamp := ts.UTC().Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodPost, "/v1/internal/messages", bytes.NewReader(body))
	req.Header.Set("X-Cumulus-Timestamp", timestamp)
	req.Header.Set("X-Cumulus-Signature", mustHMAC(testInternalSecret, timestamp+"\n"+string(body)))
	req.Header.Set("X-Correlation-Id", "corr-internal")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestInternalMessageIntake(t *testing.T) {
	env := newTestEnv(t, 1)
	now := time.Now()

	rec := signedInternalRequest(t, env.server, internalMessage("exec-1"), now)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted ingest.Accepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, "queued", accepted.Status)
	assert.Equal(t, "corr-internal", accepted.CorrelationID)

	rec = signedInternalRequest(t, env.server, internalMessage("exec-1"), now)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "internal request replay detected", decodeBody(t, rec)["message"])

	rec = signedInternalRequest(t, env.server, internalMessage("exec-2"), now.Add(time.Second))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = signedInternalRequest(t, env.server, internalMessage("exec-3"), now.Add(-time.Hour))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = signedInternalRequest(t, env.server, []byte(`{"meta": {}}`), now.Add(2*time.Second))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/internal/messages", strings.NewReader("{}"))
	req.Header.Set("X-Cumulus-Timestamp", now.UTC().Format(time.RFC3339))
	req.Header.Set("X-Cumulus-Signature", "deadbeef")
	unsigned := httptest.NewRecorder()
	env.server.ServeHTTP(unsigned, req)
	assert.Equal(t, http.StatusUnauthorized, unsigned.Code)

	rec = env.do(t, http.MethodGet, "/v1/admin/backends", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var backends backendsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &backends))
	assert.Equal(t, backendsResponse{BackendProfile: "memory", QueueDepth: 1, QueueCapacity: 1}, backends)
}

func TestDeadLetterListAndReplay(t *testing.T) {
	env := newTestEnv(t, 8)
	env.pipeline.Start()

	// No collection exists, so every granule report fails permanently.
	body := []byte(`{
	  "cumulus_meta": {"execution_name": "e", "state_machine": "arn:aws:states:us-east-1:1:stateMachine:W", "workflow_start_time": 10},
	  "payload": {"granules": [{"granuleId": "g"}]}
	}`)
	rec := signedInternalRequest(t, env.server, body, time.Now())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted ingest.Accepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	var items struct {
		Items []ingest.DeadLetter `json:"items"`
	}
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/v1/admin/dead-letters?limit=10", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		return json.Unmarshal(rec.Body.Bytes(), &items) == nil && len(items.Items) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, accepted.ID, items.Items[0].EnvelopeID)

	rec = env.do(t, http.MethodPost, "/v1/admin/dead-letters/missing/replay", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/admin/dead-letters/"+accepted.ID+"/replay", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, 8)
	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, env.server, request{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cumulus_ingest_queue_depth")

	rec = env.do(t, http.MethodGet, "/v2/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, 8)
	env.server = NewServerWithConfig(env.coord, env.pipeline, nil, ServerConfig{
		JWTSecret:       testSecret,
		RateLimitMax:    1,
		RateLimitWindow: time.Minute,
	})
	rec := env.do(t, http.MethodGet, "/v1/rules/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/rules/missing", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    tokenAudience,
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func mustHMAC(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return fmt.Sprintf("%x", mac.Sum(nil))
}
