package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/dragonpipe/internal/domain"
	"github.com/ocx/dragonpipe/pkg/analyzerapi"
)

func score(v float64) *float64 { return &v }

func TestZeroVotesDefaultsToLowConfidenceAndNotAuthentic(t *testing.T) {
	c := Consensus(nil, domain.MirrorEnvelope{})
	assert.Equal(t, 0, c.VoteCount)
	assert.Equal(t, domain.ConfidenceLow, c.ConfidenceLevel)
	assert.False(t, c.IsAuthentic)
	assert.Equal(t, 0.5, c.PositiveRatio)
}

func TestSingleHighConfidencePositiveVoteClassifiesHigh(t *testing.T) {
	results := []analyzerapi.Result{
		{AnalyzerName: "a", OK: true, Score: score(0.95), Confidence: analyzerapi.ConfidenceHigh},
	}
	c := Consensus(results, domain.MirrorEnvelope{})
	assert.Equal(t, domain.ConfidenceHigh, c.ConfidenceLevel)
	assert.True(t, c.IsAuthentic)
}

func TestSingleHighConfidenceVoteBelowScoreThresholdCapsAtMedium(t *testing.T) {
	results := []analyzerapi.Result{
		{AnalyzerName: "a", OK: true, Score: score(0.62), Confidence: analyzerapi.ConfidenceHigh},
	}
	c := Consensus(results, domain.MirrorEnvelope{})
	assert.Equal(t, domain.ConfidenceMedium, c.ConfidenceLevel, "a lone high-confidence vote with score in [0.5,0.8) must not classify high")
	assert.True(t, c.IsAuthentic)
}

func TestSingleHighConfidenceFakeLeaningVoteBelowScoreThresholdCapsAtMedium(t *testing.T) {
	results := []analyzerapi.Result{
		{AnalyzerName: "a", OK: true, Score: score(0.25), Confidence: analyzerapi.ConfidenceHigh},
	}
	c := Consensus(results, domain.MirrorEnvelope{})
	assert.Equal(t, domain.ConfidenceMedium, c.ConfidenceLevel, "a lone high-confidence fake-leaning vote with score in (0.2,0.5) must not classify high")
	assert.False(t, c.IsAuthentic)
}

func TestSingleMediumConfidenceVoteIsAtMostMedium(t *testing.T) {
	results := []analyzerapi.Result{
		{AnalyzerName: "a", OK: true, Score: score(0.9), Confidence: analyzerapi.ConfidenceMedium},
	}
	c := Consensus(results, domain.MirrorEnvelope{})
	assert.NotEqual(t, domain.ConfidenceHigh, c.ConfidenceLevel)
}

func TestUnanimousHighConfidenceVotesClassifyHigh(t *testing.T) {
	results := []analyzerapi.Result{
		{AnalyzerName: "a", OK: true, Score: score(0.9), Confidence: analyzerapi.ConfidenceHigh},
		{AnalyzerName: "b", OK: true, Score: score(0.85), Confidence: analyzerapi.ConfidenceHigh},
	}
	c := Consensus(results, domain.MirrorEnvelope{})
	assert.Equal(t, domain.ConfidenceHigh, c.ConfidenceLevel)
	assert.True(t, c.IsAuthentic)
}

func TestSplitVotesYieldLowConfidence(t *testing.T) {
	results := []analyzerapi.Result{
		{AnalyzerName: "a", OK: true, Score: score(0.9), Confidence: analyzerapi.ConfidenceHigh},
		{AnalyzerName: "b", OK: true, Score: score(0.1), Confidence: analyzerapi.ConfidenceHigh},
	}
	c := Consensus(results, domain.MirrorEnvelope{})
	assert.Equal(t, domain.ConfidenceLow, c.ConfidenceLevel)
}

func TestMirrorVotesAreIncludedWhenOK(t *testing.T) {
	local := []analyzerapi.Result{
		{AnalyzerName: "a", OK: true, Score: score(0.9), Confidence: analyzerapi.ConfidenceHigh},
	}
	mirror := domain.MirrorEnvelope{
		OK: true,
		Networks: []domain.MirrorNetworkVote{
			{Name: "net1", Score: 0.95, Confidence: analyzerapi.ConfidenceHigh},
		},
	}
	c := Consensus(local, mirror)
	assert.Equal(t, 2, c.VoteCount)
	assert.Len(t, c.Sources, 2)
}

func TestDegradedMirrorIsExcludedFromVotes(t *testing.T) {
	local := []analyzerapi.Result{
		{AnalyzerName: "a", OK: true, Score: score(0.9), Confidence: analyzerapi.ConfidenceHigh},
	}
	mirror := domain.MirrorEnvelope{Degraded: true, Timeout: true}
	c := Consensus(local, mirror)
	assert.Equal(t, 1, c.VoteCount)
}

func TestAnalyzerErrorResultsExcludedFromVotes(t *testing.T) {
	local := []analyzerapi.Result{
		{AnalyzerName: "a", OK: true, Score: score(0.9), Confidence: analyzerapi.ConfidenceHigh},
		{AnalyzerName: "b", OK: false, Confidence: analyzerapi.ConfidenceError},
	}
	c := Consensus(local, domain.MirrorEnvelope{})
	assert.Equal(t, 1, c.VoteCount)
}

func TestSuperiorAgreementKeepsConsensusLevel(t *testing.T) {
	consensus := domain.LocalConsensus{IsAuthentic: true, ConfidenceLevel: domain.ConfidenceHigh}
	superior := domain.SuperiorEnvelope{OK: true, IsAuthentic: true}
	isAuthentic, level := ComposeVerdict(consensus, superior)
	assert.True(t, isAuthentic)
	assert.Equal(t, domain.ConfidenceHigh, level)
}

func TestSuperiorDisagreementForcesReviewRequired(t *testing.T) {
	consensus := domain.LocalConsensus{IsAuthentic: true, ConfidenceLevel: domain.ConfidenceHigh}
	superior := domain.SuperiorEnvelope{OK: true, IsAuthentic: false}
	isAuthentic, level := ComposeVerdict(consensus, superior)
	assert.True(t, isAuthentic, "isAuthentic must remain the local consensus value even on disagreement")
	assert.Equal(t, domain.ConfidenceReviewRequired, level)
}

func TestDegradedSuperiorDoesNotOverrideLevel(t *testing.T) {
	consensus := domain.LocalConsensus{IsAuthentic: true, ConfidenceLevel: domain.ConfidenceMedium}
	superior := domain.SuperiorEnvelope{Degraded: true, Timeout: true}
	isAuthentic, level := ComposeVerdict(consensus, superior)
	assert.True(t, isAuthentic)
	assert.Equal(t, domain.ConfidenceMedium, level)
}
