// Package dispatch implements the Dispatcher of spec §4.9: the per-request
// orchestration of C1-C8 into a single submit() call, and the Cleanup that
// always runs afterward.
//
// There is no single teacher file that wires a circuit breaker, a
// concurrency governor, a cache and a bus client around one request the way
// this package does; it is grounded on the shape of the teacher's
// internal/api/server.go request-handling path (validate → rate-limit →
// dispatch to collaborators → assemble response → deferred cleanup),
// generalized from an HTTP handler to the core's submit() boundary, plus
// breaker.Breaker.Call for the Circuit-Breaker-wrapped middle section.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/dragonpipe/internal/analyzer"
	"github.com/ocx/dragonpipe/internal/breaker"
	"github.com/ocx/dragonpipe/internal/bus"
	"github.com/ocx/dragonpipe/internal/config"
	"github.com/ocx/dragonpipe/internal/dedupcache"
	"github.com/ocx/dragonpipe/internal/domain"
	"github.com/ocx/dragonpipe/internal/errs"
	"github.com/ocx/dragonpipe/internal/events"
	"github.com/ocx/dragonpipe/internal/fusion"
	"github.com/ocx/dragonpipe/internal/governor"
	"github.com/ocx/dragonpipe/internal/security"
	"github.com/ocx/dragonpipe/internal/tracking"
	"github.com/ocx/dragonpipe/pkg/analyzerapi"
)

// hashChunkSize bounds memory use while hashing large files, per spec §5's
// "large files must be chunked, ≤ 64 KB per step."
const hashChunkSize = 64 * 1024

// trackingEvictionDelay is spec §4.9 Cleanup's "schedule delayed eviction
// of Tracking session keys (5 min) so logs remain queryable briefly after
// success."
const trackingEvictionDelay = 5 * time.Minute

// FileArtifact is the submitted input, spec §3.
type FileArtifact struct {
	Reader    io.Reader
	SizeBytes int64
	MimeClass string
	Head      []byte // first bytes, for header validation
}

// SubmitRequest is one submit() call's arguments, spec §6.
type SubmitRequest struct {
	File          FileArtifact
	ClientID      string
	Priority      int
	CorrelationID string
	DeadlineMs    int64
}

// Dispatcher implements spec §4.9 and exposes submit()/healthSnapshot()'s
// submit half; healthSnapshot lives in internal/health, which reads this
// Dispatcher's collaborators directly.
type Dispatcher struct {
	Governor  *governor.Governor
	Breaker   *breaker.Breaker
	Cache     *dedupcache.Cache
	Tracking  *tracking.Tracker
	Bus       *bus.Client
	Analyzers *analyzer.Registry
	Validator *security.Validator
	EventBus  *events.Bus

	perf config.PerformanceConfig
}

// New constructs a Dispatcher from its collaborators.
func New(gov *governor.Governor, brk *breaker.Breaker, cache *dedupcache.Cache, trk *tracking.Tracker, busClient *bus.Client, analyzers *analyzer.Registry, validator *security.Validator, eventBus *events.Bus, perf config.PerformanceConfig) *Dispatcher {
	return &Dispatcher{
		Governor:  gov,
		Breaker:   brk,
		Cache:     cache,
		Tracking:  trk,
		Bus:       busClient,
		Analyzers: analyzers,
		Validator: validator,
		EventBus:  eventBus,
		perf:      perf,
	}
}

// alertSeverities is the set of errs.Severity values spec §7 requires to
// raise an alert, on top of being returned to the caller.
var alertSeverities = map[errs.Severity]bool{
	errs.SeverityHigh:     true,
	errs.SeverityCritical: true,
}

// raiseAlert publishes a security/error event to the in-process event bus
// and the error.alerts stream whenever err is an *errs.Error at or above
// SeverityHigh, per spec §7 ("errors with severity >= high raise an
// alert") and §4.9's failure table (security violations always alert).
// Never blocks Submit's return: the bus publish degrades silently like
// every other bus call in this package.
func (d *Dispatcher) raiseAlert(ctx context.Context, artifactID, correlationID string, err error) {
	e, ok := errs.As(err)
	if !ok || !alertSeverities[e.Severity] {
		return
	}

	if d.EventBus != nil {
		d.EventBus.Publish(events.Event{
			Kind:   events.KindSecurityEvent,
			Source: "dispatch",
			Fields: map[string]interface{}{
				"artifactId":    artifactID,
				"correlationId": correlationID,
				"category":      string(e.Category),
				"severity":      string(e.Severity),
				"message":       e.Message,
			},
		})
	}

	if d.Bus != nil {
		_, _ = d.Bus.Publish(ctx, bus.StreamErrorAlerts, map[string]interface{}{
			"artifactId":    artifactID,
			"correlationId": correlationID,
			"category":      string(e.Category),
			"severity":      string(e.Severity),
			"message":       e.Message,
		})
	}
}

// Submit implements spec §4.9's eleven-stage flow. It never returns a
// BusError to the caller (spec invariant I8): bus failures degrade the
// mirror/superior envelopes instead of failing the request.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (domain.Verdict, error) {
	start := time.Now()
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	artifactID := uuid.NewString()

	if req.DeadlineMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMs)*time.Millisecond)
		defer cancel()
	}

	d.Tracking.Append(ctx, artifactID, "received", map[string]string{"clientId": req.ClientID})
	if err := d.Validator.Validate(correlationID, req.File.MimeClass, req.File.SizeBytes, req.File.Head); err != nil {
		d.raiseAlert(ctx, artifactID, correlationID, err)
		return domain.Verdict{}, err
	}

	defer d.cleanup(artifactID)

	waited, err := d.Governor.Acquire(ctx, artifactID, req.ClientID, correlationID, req.Priority, 30*time.Second)
	if err != nil {
		d.raiseAlert(ctx, artifactID, correlationID, err)
		return domain.Verdict{}, err
	}
	d.Tracking.Append(ctx, artifactID, "acquire-slot", map[string]string{"waitedMs": fmt.Sprintf("%d", waited.Milliseconds())})

	hash, err := hashArtifact(req.File.Reader)
	if err != nil {
		hashErr := errs.Internal(correlationID, "failed to hash artifact: "+err.Error())
		d.raiseAlert(ctx, artifactID, correlationID, hashErr)
		return domain.Verdict{}, hashErr
	}
	d.Tracking.Append(ctx, artifactID, "hash", map[string]string{"contentHash": hash.String()})

	if verdict, hit := d.Cache.Lookup(ctx, hash); hit {
		d.Tracking.Append(ctx, artifactID, "cache-lookup", map[string]string{"cacheHit": "true"})
		d.Tracking.Append(ctx, artifactID, "completed", nil)
		return verdict, nil
	}
	d.Tracking.Append(ctx, artifactID, "cache-lookup", map[string]string{"cacheHit": "false"})

	var verdict domain.Verdict
	breakerErr := d.Breaker.Call(ctx, 0, func(ctx context.Context) error {
		v, err := d.runAnalysisPipeline(ctx, artifactID, correlationID, req, hash, start)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	if breakerErr != nil {
		if breakerErr == breaker.ErrOpen || breakerErr == breaker.ErrHalfOpenRejected {
			svcErr := errs.ServiceUnavailable(correlationID, breakerErr)
			d.raiseAlert(ctx, artifactID, correlationID, svcErr)
			return domain.Verdict{}, svcErr
		}
		d.raiseAlert(ctx, artifactID, correlationID, breakerErr)
		return domain.Verdict{}, breakerErr
	}

	d.Cache.Store(ctx, hash, verdict)
	d.Tracking.Append(ctx, artifactID, "store-cache", nil)
	d.Tracking.Append(ctx, artifactID, "completed", nil)

	return verdict, nil
}

// runAnalysisPipeline runs spec §4.9 steps 5-9, the portion wrapped by the
// Circuit Breaker.
func (d *Dispatcher) runAnalysisPipeline(ctx context.Context, artifactID, correlationID string, req SubmitRequest, hash domain.ContentHash, start time.Time) (domain.Verdict, error) {
	agg := d.Analyzers.Run(ctx, analyzerapi.Input{
		FilePath:      "",
		ArtifactID:    artifactID,
		CorrelationID: correlationID,
	})
	d.Tracking.Append(ctx, artifactID, "analyzers", map[string]string{"successCount": fmt.Sprintf("%d", agg.SuccessCount)})

	localResults := make([]analyzerapi.Result, 0, len(agg.Results))
	for _, r := range agg.Results {
		localResults = append(localResults, r)
	}

	mirrorPayload, mirrorTimedOut, err := d.Bus.AwaitResponse(ctx, bus.KindMirror, bus.StreamRequestMirror, artifactID,
		map[string]interface{}{"artifactId": artifactID, "correlationId": correlationID}, config.MirrorTimeout)
	if err != nil {
		return domain.Verdict{}, err
	}
	mirror := decodeMirrorEnvelope(mirrorPayload, mirrorTimedOut, d.Bus.Degraded())
	d.Tracking.Append(ctx, artifactID, "mirror-await", map[string]string{"timeout": fmt.Sprintf("%v", mirror.Timeout)})

	consensus := fusion.Consensus(localResults, mirror)
	d.Tracking.Append(ctx, artifactID, "fuse-local-mirror", map[string]string{"confidenceLevel": string(consensus.ConfidenceLevel)})

	superiorPayload, superiorTimedOut, err := d.Bus.AwaitResponse(ctx, bus.KindSuperior, bus.StreamRequestSuperior, artifactID,
		map[string]interface{}{"artifactId": artifactID, "correlationId": correlationID, "isAuthentic": consensus.IsAuthentic}, config.SuperiorTimeout)
	if err != nil {
		return domain.Verdict{}, err
	}
	superior := decodeSuperiorEnvelope(superiorPayload, superiorTimedOut, d.Bus.Degraded())
	d.Tracking.Append(ctx, artifactID, "superior-await", map[string]string{"timeout": fmt.Sprintf("%v", superior.Timeout)})

	isAuthentic, level := fusion.ComposeVerdict(consensus, superior)
	totalMs := time.Since(start).Milliseconds()
	verdict := domain.Verdict{
		IsAuthentic:       isAuthentic,
		ConfidenceLevel:   level,
		ArtifactClass:     req.File.MimeClass,
		ContentHashPrefix: hash.Prefix(12),
		PerformanceClass:  classifyPerformance(totalMs, d.perf),
		CorrelationID:     correlationID,
		TimestampUTC:      time.Now().UTC(),
		Details: domain.VerdictDetails{
			Local:     localResults,
			Mirror:    mirror,
			Consensus: consensus,
			Superior:  superior,
		},
	}
	d.Tracking.Append(ctx, artifactID, "compose-verdict", map[string]string{"performanceClass": string(verdict.PerformanceClass)})
	return verdict, nil
}

// cleanup implements spec §4.9's deferred Cleanup: release the governor
// slot and schedule a delayed tracking eviction. Temp-file unlink and
// waiter cleanup are the caller/bus's responsibility respectively (no temp
// file is created by this core; bus.Client's AwaitResponse already
// unregisters its own waiter via defer).
func (d *Dispatcher) cleanup(artifactID string) {
	d.Governor.Release(artifactID)
	go func() {
		time.Sleep(trackingEvictionDelay)
		d.Tracking.Evict(context.Background(), artifactID)
	}()
}

func hashArtifact(r io.Reader) (domain.ContentHash, error) {
	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return domain.ContentHash{}, werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return domain.ContentHash{}, err
		}
	}
	var out domain.ContentHash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// decodeMirrorEnvelope parses the mirror network's response payload, spec
// §4.8 step 1: a "networks" field carrying a JSON array of
// {name,score,confidence,durationMs} objects, one per network that voted.
// A malformed or absent networks field still yields OK:true with zero
// votes rather than failing the request — the mirror response arrived, it
// just carried nothing fusion can use.
func decodeMirrorEnvelope(payload map[string]string, timedOut, busDegraded bool) domain.MirrorEnvelope {
	if timedOut {
		return domain.MirrorEnvelope{Timeout: true, Degraded: busDegraded}
	}
	envelope := domain.MirrorEnvelope{OK: true}
	if raw, ok := payload["networks"]; ok && raw != "" {
		var networks []domain.MirrorNetworkVote
		if err := json.Unmarshal([]byte(raw), &networks); err == nil {
			envelope.Networks = networks
		}
	}
	return envelope
}

// decodeSuperiorEnvelope parses the superior network's response payload,
// spec §4.8 step 6: {isAuthentic, confidence, details?}.
func decodeSuperiorEnvelope(payload map[string]string, timedOut, busDegraded bool) domain.SuperiorEnvelope {
	if timedOut {
		return domain.SuperiorEnvelope{Timeout: true, Degraded: busDegraded}
	}
	isAuthentic := payload["isAuthentic"] == "true"
	return domain.SuperiorEnvelope{
		OK:          true,
		IsAuthentic: isAuthentic,
		Confidence:  analyzerapi.Confidence(payload["confidence"]),
	}
}

// classifyPerformance implements spec §4.9 step 9's three-way bucket.
func classifyPerformance(totalMs int64, perf config.PerformanceConfig) domain.PerformanceClass {
	switch {
	case totalMs <= int64(perf.APIP95Ms):
		return domain.PerformanceOptimal
	case totalMs <= int64(perf.APIP99Ms):
		return domain.PerformanceAcceptable
	default:
		return domain.PerformanceDegraded
	}
}
