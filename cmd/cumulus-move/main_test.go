package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/relocate"
)

func TestReadDestinations(t *testing.T) {
	got, err := readDestinations(strings.NewReader(`[{"regex": "\\.hdf$", "bucket": "protected", "filepath": "MOD09GQ"}]`))
	require.NoError(t, err)
	assert.Equal(t, []relocate.Destination{{Regex: `\.hdf$`, Bucket: "protected", Filepath: "MOD09GQ"}}, got)

	_, err = readDestinations(strings.NewReader(`[]`))
	assert.Error(t, err)
	_, err = readDestinations(strings.NewReader(`[{"regex": ".*"}]`))
	assert.ErrorContains(t, err, "destination 0")
	_, err = readDestinations(strings.NewReader(`{`))
	assert.Error(t, err)
}

func TestReportExitCodes(t *testing.T) {
	var out bytes.Buffer
	res := relocate.Result{Moved: []cumulus.File{{Bucket: "protected", Key: "a.hdf", FileName: "a.hdf"}}}
	assert.Equal(t, 0, report(&out, res, nil))
	assert.Contains(t, out.String(), "moved a.hdf -> s3://protected/a.hdf")

	out.Reset()
	partial := &cumulus.PartialRelocationError{GranuleID: "G1", Failures: []cumulus.FileMoveFailure{{
		Move:   cumulus.FileMove{SourceBucket: "staging", SourceKey: "b.hdf", TargetBucket: "protected", TargetKey: "b.hdf"},
		Reason: "access denied",
	}}}
	assert.Equal(t, 2, report(&out, relocate.Result{}, partial))
	assert.Contains(t, out.String(), "FAILED staging/b.hdf -> protected/b.hdf: access denied")

	assert.Equal(t, 1, report(&out, relocate.Result{}, errors.New("boom")))
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.2))
	assert.Equal(t, 8*time.Second, jitteredIntervalWithSample(base, 0.2, 0))
	assert.Equal(t, 10*time.Second, jitteredIntervalWithSample(base, 0.2, 0.5))
	assert.Equal(t, 12*time.Second, jitteredIntervalWithSample(base, 0.2, 1))
	assert.Equal(t, 1.0, clampJitterRatio(1.5))
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("CUMULUS_TEST_FLOAT_BAD", "oops")
	assert.Equal(t, 0.25, floatEnv("CUMULUS_TEST_FLOAT_BAD", 0.25))
	t.Setenv("CUMULUS_TEST_FLOAT", "0.35")
	assert.Equal(t, 0.35, floatEnv("CUMULUS_TEST_FLOAT", 0.1))
}
