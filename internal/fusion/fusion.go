// Package fusion implements the Fusion Engine of spec §4.8: it turns the
// Analyzer Runner's aggregate plus an optional MirrorEnvelope into a
// LocalConsensus (steps 1-5), and later folds in a SuperiorEnvelope to
// decide the final confidenceLevel override (step 6).
//
// There is no single teacher file that does weighted-vote consensus; this
// is grounded on the same "derive a classification from a weighted mean"
// shape as internal/monitoring/monitoring_system.go's percentile-threshold
// classification (three bands derived from a single numeric score), adapted
// here from percentile thresholds to the spec's ratio/confidence bands.
package fusion

import (
	"github.com/ocx/dragonpipe/internal/domain"
	"github.com/ocx/dragonpipe/pkg/analyzerapi"
)

// confidenceNumeric maps spec §4.8's confidence→numeric table.
func confidenceNumeric(c analyzerapi.Confidence) float64 {
	switch c {
	case analyzerapi.ConfidenceHigh:
		return 1.0
	case analyzerapi.ConfidenceMedium:
		return 0.7
	case analyzerapi.ConfidenceLow:
		return 0.4
	default:
		return 0.0
	}
}

type vote struct {
	isAuthentic bool
	confidence  analyzerapi.Confidence
	score       float64
}

// Consensus runs spec §4.8 steps 1-5: it collects votes from the local
// analyzer results and (if present and OK) the mirror envelope's networks,
// and derives a LocalConsensus. With zero votes, positiveRatio defaults to
// 0.5 and weightedConfidence to 0, which — per the formula in step 4 —
// naturally yields confidenceLevel=low and (via step 5) isAuthentic=false;
// this is the documented zero-analyzer default, not a special case.
func Consensus(localResults []analyzerapi.Result, mirror domain.MirrorEnvelope) domain.LocalConsensus {
	var votes []vote
	var sources []domain.VoteSource

	for _, r := range localResults {
		if r.OK && r.Score != nil {
			votes = append(votes, vote{isAuthentic: *r.Score >= 0.5, confidence: r.Confidence, score: *r.Score})
			sources = append(sources, domain.VoteSource{Kind: "local", Name: r.AnalyzerName})
		}
	}
	if mirror.OK {
		for _, n := range mirror.Networks {
			votes = append(votes, vote{isAuthentic: n.Score >= 0.5, confidence: n.Confidence, score: n.Score})
			sources = append(sources, domain.VoteSource{Kind: "mirror", Name: n.Name})
		}
	}

	var positiveRatio float64
	var weightedConfidence float64
	var meanScore float64
	positiveCount := 0

	if len(votes) == 0 {
		positiveRatio = 0.5
		weightedConfidence = 0
		meanScore = 0.5
	} else {
		sum := 0.0
		scoreSum := 0.0
		for _, v := range votes {
			if v.isAuthentic {
				positiveCount++
			}
			sum += confidenceNumeric(v.confidence)
			scoreSum += v.score
		}
		positiveRatio = float64(positiveCount) / float64(len(votes))
		weightedConfidence = sum / float64(len(votes))
		meanScore = scoreSum / float64(len(votes))
	}

	level := classify(weightedConfidence, positiveRatio, meanScore, len(votes))

	return domain.LocalConsensus{
		VoteCount:          len(votes),
		PositiveCount:      positiveCount,
		PositiveRatio:      positiveRatio,
		WeightedConfidence: weightedConfidence,
		ConfidenceLevel:    level,
		IsAuthentic:        positiveRatio >= 0.6,
		Sources:            sources,
	}
}

// classify implements spec §4.8 step 4's three confidence bands. A lone
// vote (voteCount==1) can only ever produce a positiveRatio of 1.0 or 0.0,
// so the extreme/moderate ratio bands alone
// can't tell a score of 0.51 from 0.99 apart — per spec's S3 tie-break, a
// single vote classifies high only when its raw score also clears the 0.8/0.2
// extremes (0.8 for an authentic vote, 0.2 for its symmetric fake-leaning
// counterpart); otherwise it caps at medium.
func classify(weightedConfidence, positiveRatio, meanScore float64, voteCount int) domain.ConfidenceLevel {
	extreme := positiveRatio >= 0.8 || positiveRatio <= 0.2
	moderate := positiveRatio >= 0.6 || positiveRatio <= 0.4

	switch {
	case weightedConfidence >= 0.8 && extreme:
		if voteCount == 1 && meanScore < 0.8 && meanScore > 0.2 {
			return domain.ConfidenceMedium
		}
		return domain.ConfidenceHigh
	case weightedConfidence >= 0.6 && moderate:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// ComposeVerdict implements spec §4.8 step 6: folding a SuperiorEnvelope
// into the consensus. When the superior network disagrees with the local
// consensus on isAuthentic, the confidenceLevel is overridden to
// review_required; isAuthentic always remains the local consensus value,
// even under disagreement (spec invariant I6).
func ComposeVerdict(consensus domain.LocalConsensus, superior domain.SuperiorEnvelope) (isAuthentic bool, level domain.ConfidenceLevel) {
	isAuthentic = consensus.IsAuthentic
	level = consensus.ConfidenceLevel

	if superior.OK && superior.IsAuthentic != consensus.IsAuthentic {
		level = domain.ConfidenceReviewRequired
	}
	return isAuthentic, level
}
