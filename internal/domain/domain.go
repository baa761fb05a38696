// Package domain holds the cross-component value types of spec §3 that more
// than one of the cache, tracking, bus, fusion and dispatch packages needs at
// rest: ContentHash, Verdict, LocalConsensus, the mirror/superior envelopes,
// CacheEntry and TrackingRecord. Kept dependency-free (beyond
// pkg/analyzerapi, which owns AnalyzerResult) the way the teacher's
// internal/fabric separates wire-level value types (SpokeInfo, Capability)
// from the stores and buses that persist them.
package domain

import (
	"encoding/hex"
	"time"

	"github.com/ocx/dragonpipe/pkg/analyzerapi"
)

// ContentHash is the SHA-256 digest over a submitted artifact's bytes.
type ContentHash [32]byte

// String renders the full lowercase hex digest.
func (h ContentHash) String() string { return hex.EncodeToString(h[:]) }

// Prefix renders the first n hex characters, used as Verdict.ContentHashPrefix.
func (h ContentHash) Prefix(n int) string {
	s := h.String()
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// ConfidenceLevel classifies how much weight a consensus or verdict carries.
type ConfidenceLevel string

const (
	ConfidenceHigh           ConfidenceLevel = "high"
	ConfidenceMedium         ConfidenceLevel = "medium"
	ConfidenceLow            ConfidenceLevel = "low"
	ConfidenceReviewRequired ConfidenceLevel = "review_required"
)

// PerformanceClass buckets a request's end-to-end latency against the
// configured P95/P99 targets.
type PerformanceClass string

const (
	PerformanceOptimal    PerformanceClass = "optimal"
	PerformanceAcceptable PerformanceClass = "acceptable"
	PerformanceDegraded   PerformanceClass = "degraded"
)

// VoteSource names where one consensus vote came from.
type VoteSource struct {
	Kind string // "local" or "mirror"
	Name string
}

// LocalConsensus is the derived fan-in result of the local analyzers plus
// (if available) the mirror network's votes.
type LocalConsensus struct {
	VoteCount          int
	PositiveCount      int
	PositiveRatio      float64
	WeightedConfidence float64
	ConfidenceLevel    ConfidenceLevel
	IsAuthentic        bool
	Sources            []VoteSource
}

// MirrorNetworkVote is one network's opinion inside a MirrorEnvelope. The
// json tags match the wire shape the mirror network publishes under the
// response stream's "networks" field: a JSON array of these objects.
type MirrorNetworkVote struct {
	Name       string             `json:"name"`
	Score      float64            `json:"score"`
	Confidence analyzerapi.Confidence `json:"confidence"`
	DurationMs int64              `json:"durationMs"`
}

// MirrorEnvelope is the Bus Client's mirror-request/response pairing result.
type MirrorEnvelope struct {
	OK       bool
	Timeout  bool
	Degraded bool
	Networks []MirrorNetworkVote
}

// SuperiorEnvelope is the Bus Client's superior-request/response pairing result.
type SuperiorEnvelope struct {
	OK          bool
	Timeout     bool
	Degraded    bool
	IsAuthentic bool
	Confidence  analyzerapi.Confidence
}

// VerdictDetails carries the evidence trail behind one Verdict.
type VerdictDetails struct {
	Local     []analyzerapi.Result
	Mirror    MirrorEnvelope
	Consensus LocalConsensus
	Superior  SuperiorEnvelope
}

// Verdict is the terminal result of one submit() call, produced exactly
// once per successful request.
type Verdict struct {
	IsAuthentic       bool
	ConfidenceLevel   ConfidenceLevel
	ArtifactClass     string
	ContentHashPrefix string
	PerformanceClass  PerformanceClass
	CorrelationID     string
	TimestampUTC      time.Time
	Details           VerdictDetails
	CacheHit          bool
}

// TTLForConfidence implements spec §3's confidence→TTL table.
func TTLForConfidence(level ConfidenceLevel) time.Duration {
	switch level {
	case ConfidenceHigh:
		return 14400 * time.Second
	case ConfidenceMedium:
		return 7200 * time.Second
	case ConfidenceLow:
		return 3600 * time.Second
	case ConfidenceReviewRequired:
		return 1800 * time.Second
	default:
		return 1800 * time.Second
	}
}

// CacheEntry is the stored form of a Verdict, metadata alongside it so a
// lookup can tell expiry without re-deriving TTL from confidence.
type CacheEntry struct {
	Verdict     Verdict
	CachedAtMs  int64
	TTLMs       int64
	Confidence  ConfidenceLevel
	Version     int
}

// Expired reports whether the entry's TTL has elapsed as of nowMs.
func (e CacheEntry) Expired(nowMs int64) bool {
	return e.CachedAtMs+e.TTLMs < nowMs
}

// TrackingStage is one entry in a TrackingRecord's append-only stage log.
type TrackingStage struct {
	StageName   string
	TimestampMs int64
	Payload     map[string]string
}

// TrackingRecord is the per-ArtifactId stage log, TTL 2 hours, append-only
// during a request's lifetime.
type TrackingRecord struct {
	ArtifactID string
	Stages     []TrackingStage
}
