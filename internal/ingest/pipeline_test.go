package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/dualwrite"
	"github.com/cumulusdata/cumulus/internal/reconcile"
	"github.com/cumulusdata/cumulus/internal/store"
)

var fixedNow = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func workflowMessage(execution, status string) []byte {
	return []byte(fmt.Sprintf(`{
	  "cumulus_meta": {
	    "execution_name": %q,
	    "state_machine": "arn:aws:states:us-east-1:123:stateMachine:IngestGranule",
	    "workflow_start_time": 1700000000000
	  },
	  "meta": {
	    "status": %q,
	    "workflow_name": "IngestGranule",
	    "collection": {"name": "MOD09GQ", "version": "006"},
	    "provider": {"id": "prov", "protocol": "s3", "host": "bucket"}
	  },
	  "payload": {
	    "pdr": {"name": "a.PDR"},
	    "running": ["x"],
	    "granules": [{"granuleId": "MOD09GQ.A1", "files": [{"bucket": "staging", "key": "a.hdf", "size": 3}]}]
	  }
	}`, execution, status))
}

func newCoordinator(t *testing.T) *dualwrite.Coordinator {
	t.Helper()
	ctx := context.Background()
	c := dualwrite.New(store.NewMemoryStore(), dualwrite.Options{Now: func() time.Time { return fixedNow }})
	_, err := c.CreateCollection(ctx, cumulus.Collection{Name: "MOD09GQ", Version: "006"})
	require.NoError(t, err)
	_, err = c.CreateProvider(ctx, cumulus.Provider{ID: "prov", Protocol: "s3", Host: "bucket"})
	require.NoError(t, err)
	return c
}

func TestProcessAppliesReportsInOrder(t *testing.T) {
	c := newCoordinator(t)
	p := NewPipeline(c, Options{Now: func() time.Time { return fixedNow }})
	ctx := context.Background()
	e := Envelope{ID: "e1", Body: workflowMessage("exec-1", "running")}

	applied, err := p.Process(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Insert, applied.Execution)
	assert.Equal(t, reconcile.Insert, applied.Pdr)
	assert.Equal(t, map[string]reconcile.Outcome{"MOD09GQ.A1": reconcile.Insert}, applied.Granules)

	arn := "arn:aws:states:us-east-1:123:execution:IngestGranule:exec-1"
	g, err := c.GetGranule(ctx, "MOD09GQ___006", "MOD09GQ.A1")
	require.NoError(t, err)
	assert.Equal(t, cumulus.ExecutionURL(arn), g.Execution)
	assert.Equal(t, "a.PDR", g.PdrName)
	pdr, err := c.GetPdr(ctx, "a.PDR")
	require.NoError(t, err)
	assert.Equal(t, cumulus.ExecutionURL(arn), pdr.Execution)

	again, err := p.Process(ctx, e)
	require.NoError(t, err)
	assert.False(t, again.Execution.Applied())
	assert.False(t, again.Pdr.Applied())
	assert.False(t, again.Granules["MOD09GQ.A1"].Applied())

	done, err := p.Process(ctx, Envelope{ID: "e2", Body: workflowMessage("exec-1", "completed")})
	require.NoError(t, err)
	assert.Equal(t, reconcile.Merge, done.Execution)
	assert.Equal(t, reconcile.Merge, done.Granules["MOD09GQ.A1"])
	g, err = c.GetGranule(ctx, "MOD09GQ___006", "MOD09GQ.A1")
	require.NoError(t, err)
	assert.Equal(t, cumulus.StatusCompleted, g.Status)
	require.Len(t, g.Files, 1)
}

func TestMessageWithoutStartTimeCannotOverrideTerminalGranule(t *testing.T) {
	c := newCoordinator(t)
	p := NewPipeline(c, Options{Now: func() time.Time { return fixedNow }})
	ctx := context.Background()
	_, err := p.Process(ctx, Envelope{ID: "e1", Body: workflowMessage("exec-a", "completed")})
	require.NoError(t, err)

	unstamped := []byte(strings.Replace(string(workflowMessage("exec-b", "running")),
		`"workflow_start_time": 1700000000000`, `"workflow_start_time": 0`, 1))
	_, err = p.Process(ctx, Envelope{ID: "e2", Body: unstamped})
	assert.ErrorIs(t, err, cumulus.ErrInvalidInput)
	_, err = p.Submit(ctx, unstamped, "")
	assert.ErrorIs(t, err, cumulus.ErrInvalidInput)

	g, err := c.GetGranule(ctx, "MOD09GQ___006", "MOD09GQ.A1")
	require.NoError(t, err)
	assert.Equal(t, cumulus.StatusCompleted, g.Status)
	assert.Equal(t, cumulus.ExecutionURL("arn:aws:states:us-east-1:123:execution:IngestGranule:exec-a"), g.Execution)
}

func TestSubmitRejectsInvalidMessages(t *testing.T) {
	p := NewPipeline(newCoordinator(t), Options{Queue: NewInMemoryQueue(1)})
	_, err := p.Submit(context.Background(), []byte(`{"meta": {}}`), "")
	assert.ErrorIs(t, err, cumulus.ErrInvalidInput)

	accepted, err := p.Submit(context.Background(), workflowMessage("exec-1", "running"), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "queued", accepted.Status)
	assert.NotEmpty(t, accepted.ID)
	assert.Equal(t, "corr-1", accepted.CorrelationID)

	_, err = p.Submit(context.Background(), workflowMessage("exec-2", "running"), "")
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestWorkersProcessSubmittedMessages(t *testing.T) {
	c := newCoordinator(t)
	p := NewPipeline(c, Options{Workers: 2, Now: func() time.Time { return fixedNow }})
	p.Start()
	defer p.Close()

	processed := testutil.ToFloat64(CounterMessages.WithLabelValues("processed"))
	_, err := p.Submit(context.Background(), workflowMessage("exec-1", "completed"), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		g, err := c.GetGranule(context.Background(), "MOD09GQ___006", "MOD09GQ.A1")
		return err == nil && g.Status == cumulus.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(CounterMessages.WithLabelValues("processed")) == processed+1
	}, 5*time.Second, 10*time.Millisecond)
}

// flakyReporter fails every execution report until failures runs out.
type flakyReporter struct {
	*dualwrite.Coordinator
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyReporter) WriteExecutionReport(ctx context.Context, e cumulus.Execution) (dualwrite.WriteResult[cumulus.Execution], error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return dualwrite.WriteResult[cumulus.Execution]{}, errors.New("relational store unavailable")
	}
	return f.Coordinator.WriteExecutionReport(ctx, e)
}

func TestRetryThenDeadLetterThenReplay(t *testing.T) {
	reporter := &flakyReporter{Coordinator: newCoordinator(t)}
	reporter.failures.Store(3)
	p := NewPipeline(reporter, Options{MaxAttempts: 3, RetryDelay: time.Millisecond, Now: func() time.Time { return fixedNow }})
	p.Start()
	defer p.Close()

	accepted, err := p.Submit(context.Background(), workflowMessage("exec-1", "running"), "corr")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(p.DeadLetters(0)) == 1 }, 5*time.Second, 5*time.Millisecond)

	dl := p.DeadLetters(10)[0]
	assert.Equal(t, accepted.ID, dl.EnvelopeID)
	assert.Equal(t, 3, dl.AttemptCount)
	assert.Equal(t, "corr", dl.CorrelationID)
	assert.Equal(t, "arn:aws:states:us-east-1:123:execution:IngestGranule:exec-1", dl.ExecutionArn)
	assert.Contains(t, dl.LastError, "relational store unavailable")
	assert.Equal(t, int32(3), reporter.calls.Load())

	_, err = p.Replay(context.Background(), "missing")
	assert.ErrorIs(t, err, cumulus.ErrRecordNotFound)

	replayed, err := p.Replay(context.Background(), accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, accepted.ID, replayed.ID)
	require.Eventually(t, func() bool {
		_, err := reporter.GetGranule(context.Background(), "MOD09GQ___006", "MOD09GQ.A1")
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, p.DeadLetters(0))
}

func TestPermanentFailuresSkipRetries(t *testing.T) {
	c := newCoordinator(t)
	p := NewPipeline(c, Options{MaxAttempts: 5, RetryDelay: time.Millisecond})
	body := []byte(`{
	  "cumulus_meta": {"execution_name": "e", "state_machine": "arn:aws:states:us-east-1:1:stateMachine:W", "workflow_start_time": 10},
	  "payload": {"granules": [{"granuleId": "g"}]}
	}`)
	p.handle(context.Background(), Envelope{ID: "bad", Body: body})
	dls := p.DeadLetters(0)
	require.Len(t, dls, 1)
	assert.Equal(t, 1, dls[0].AttemptCount)
}
