package analyzer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/dragonpipe/pkg/analyzerapi"
)

type fakeAnalyzer struct {
	name     string
	version  string
	priority int
	delay    time.Duration
	result   analyzerapi.Result
	err      error
	panics   bool
}

func (f *fakeAnalyzer) Name() string    { return f.name }
func (f *fakeAnalyzer) Version() string { return f.version }
func (f *fakeAnalyzer) Priority() int   { return f.priority }
func (f *fakeAnalyzer) Analyze(ctx context.Context, in analyzerapi.Input) (analyzerapi.Result, error) {
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return analyzerapi.Result{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func score(v float64) *float64 { return &v }

func TestRunWithZeroAnalyzersReturnsEmptyAggregate(t *testing.T) {
	r := NewRegistry(time.Second)
	agg := r.Run(context.Background(), analyzerapi.Input{})
	assert.NotNil(t, agg.Results)
	assert.Equal(t, 0, agg.TotalCount)
	assert.Equal(t, 0, agg.SuccessCount)
}

func TestRunInvokesAllAnalyzersInParallel(t *testing.T) {
	r := NewRegistry(time.Second)
	require.NoError(t, r.Register(&fakeAnalyzer{name: "a", result: analyzerapi.Result{AnalyzerName: "a", Score: score(0.9), Confidence: analyzerapi.ConfidenceHigh, OK: true}}))
	require.NoError(t, r.Register(&fakeAnalyzer{name: "b", result: analyzerapi.Result{AnalyzerName: "b", Score: score(0.1), Confidence: analyzerapi.ConfidenceLow, OK: true}}))

	agg := r.Run(context.Background(), analyzerapi.Input{})
	assert.Equal(t, 2, agg.TotalCount)
	assert.Equal(t, 2, agg.SuccessCount)
	assert.True(t, agg.Results["a"].OK)
	assert.True(t, agg.Results["b"].OK)
}

func TestOneAnalyzerFailureDoesNotAffectOthers(t *testing.T) {
	r := NewRegistry(time.Second)
	require.NoError(t, r.Register(&fakeAnalyzer{name: "good", result: analyzerapi.Result{AnalyzerName: "good", Score: score(0.9), Confidence: analyzerapi.ConfidenceHigh, OK: true}}))
	require.NoError(t, r.Register(&fakeAnalyzer{name: "bad", err: errors.New("boom")}))

	agg := r.Run(context.Background(), analyzerapi.Input{})
	assert.True(t, agg.Results["good"].OK)
	assert.False(t, agg.Results["bad"].OK)
	assert.Equal(t, analyzerapi.ConfidenceError, agg.Results["bad"].Confidence)
	assert.Equal(t, 1, agg.SuccessCount)
}

func TestAnalyzerTimeoutYieldsErrorResultOnly(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	require.NoError(t, r.Register(&fakeAnalyzer{name: "slow", delay: time.Second}))
	require.NoError(t, r.Register(&fakeAnalyzer{name: "fast", result: analyzerapi.Result{AnalyzerName: "fast", Score: score(0.5), Confidence: analyzerapi.ConfidenceMedium, OK: true}}))

	start := time.Now()
	agg := r.Run(context.Background(), analyzerapi.Input{})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, agg.Results["slow"].OK)
	assert.True(t, agg.Results["fast"].OK)
}

func TestPanicInAnalyzerIsRecoveredAsMalformedResult(t *testing.T) {
	r := NewRegistry(time.Second)
	require.NoError(t, r.Register(&fakeAnalyzer{name: "panicky", panics: true}))

	agg := r.Run(context.Background(), analyzerapi.Input{})
	assert.False(t, agg.Results["panicky"].OK)
	assert.Equal(t, analyzerapi.ConfidenceError, agg.Results["panicky"].Confidence)
}

func TestMalformedOKResultIsCoerced(t *testing.T) {
	r := NewRegistry(time.Second)
	// ok=true but score is nil — malformed per spec §4.7.
	require.NoError(t, r.Register(&fakeAnalyzer{name: "malformed", result: analyzerapi.Result{AnalyzerName: "malformed", OK: true, Confidence: analyzerapi.ConfidenceHigh}}))

	agg := r.Run(context.Background(), analyzerapi.Input{})
	res := agg.Results["malformed"]
	assert.False(t, res.OK)
	assert.Nil(t, res.Score)
	assert.Equal(t, analyzerapi.ConfidenceError, res.Confidence)
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	r := NewRegistry(time.Second)
	require.NoError(t, r.Register(&fakeAnalyzer{name: "dup"}))
	err := r.Register(&fakeAnalyzer{name: "dup"})
	assert.Error(t, err)
}

func TestRecordLoadErrorDoesNotAbortRegistry(t *testing.T) {
	r := NewRegistry(time.Second)
	r.RecordLoadError("broken-plugin", errors.New("missing symbol"))
	require.NoError(t, r.Register(&fakeAnalyzer{name: "ok", result: analyzerapi.Result{AnalyzerName: "ok", Score: score(0.5), Confidence: analyzerapi.ConfidenceMedium, OK: true}}))

	assert.Len(t, r.LoadErrors(), 1)
	assert.Equal(t, 1, r.Count())
}
