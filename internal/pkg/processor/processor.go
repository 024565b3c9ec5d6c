package processor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tablegate/internal/pkg/apperr"
	"tablegate/internal/pkg/dom"
	"tablegate/internal/pkg/gate"
	"tablegate/internal/pkg/logger"
	"tablegate/internal/pkg/metrics"
	"tablegate/internal/pkg/models"
	"tablegate/internal/pkg/rehydrate"
	"tablegate/internal/pkg/signature"
)

// Defines the high-level interface for processing documents.
type Processor interface {
	// ProcessDocument handles every candidate table of the notified document.
	ProcessDocument(ctx context.Context, n models.Notification) (Summary, error)

	// ProcessCandidate runs a single candidate through the pipeline.
	ProcessCandidate(ctx context.Context, c dom.Candidate) (Outcome, error)
}

// Source supplies candidates and the lifetime of their scope.
type Source interface {
	DocumentCandidates(ctx context.Context, scope, documentID string) ([]dom.Candidate, error)
	ScopeContext(scope string) (context.Context, error)
}

// Predictor performs the remote call for one candidate.
type Predictor interface {
	Predict(ctx context.Context, input string) (string, error)
}

type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeConflict       Outcome = "conflict"
	OutcomeFailed         Outcome = "failed"
)

// Summary counts what happened to a document's candidates.
type Summary struct {
	Candidates int `json:"candidates"`
	Applied    int `json:"applied"`
	Cached     int `json:"cached"`
	Called     int `json:"called"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// The default implementation of Processor.
type processor struct {
	source    Source
	gate      *gate.Gate
	applier   *rehydrate.Applier
	predictor Predictor
}

// Creates a new Processor instance and wires in the sub-components.
func NewProcessor(source Source, g *gate.Gate, applier *rehydrate.Applier, predictor Predictor) Processor {
	return &processor{
		source:    source,
		gate:      g,
		applier:   applier,
		predictor: predictor,
	}
}

func (p *processor) ProcessDocument(ctx context.Context, n models.Notification) (Summary, error) {
	var summary Summary

	// Work stops as soon as either the caller or the scope goes away. The
	// scope context is the parent so that DropScope cancels it synchronously.
	scopeCtx, err := p.source.ScopeContext(n.Scope)
	if err != nil {
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	callerCtx := ctx
	ctx, cancel := context.WithCancel(scopeCtx)
	defer cancel()
	stop := context.AfterFunc(callerCtx, cancel)
	defer stop()

	start := time.Now()
	candidates, err := p.source.DocumentCandidates(ctx, n.Scope, n.DocumentID)
	if err != nil {
		return summary, err
	}
	summary.Candidates = len(candidates)

	for _, c := range candidates {
		outcome, via, err := p.processCandidate(ctx, c)
		if err != nil {
			return summary, err
		}
		metrics.CandidateOutcomes.WithLabelValues(string(outcome)).Inc()

		switch outcome {
		case OutcomeApplied:
			summary.Applied++
		case OutcomeSkipped, OutcomeConflict:
			summary.Skipped++
		case OutcomeFailed:
			summary.Failed++
		}
		switch via {
		case viaCache:
			summary.Cached++
		case viaCall:
			summary.Called++
		}
	}

	metrics.DocumentsProcessed.Inc()
	logger.Log.Info("Processed document",
		zap.String("scope", n.Scope),
		zap.String("document_id", n.DocumentID),
		zap.Int("candidates", summary.Candidates),
		zap.Int("applied", summary.Applied),
		zap.Int("called", summary.Called),
		zap.Int("failed", summary.Failed),
		zap.Duration("took", time.Since(start)))
	return summary, nil
}

type resolution int

const (
	viaNone resolution = iota
	viaCache
	viaCall
)

// Only cancellation is returned as an error, everything else is an outcome.
func (p *processor) ProcessCandidate(ctx context.Context, c dom.Candidate) (Outcome, error) {
	outcome, _, err := p.processCandidate(ctx, c)
	return outcome, err
}

func (p *processor) processCandidate(ctx context.Context, c dom.Candidate) (Outcome, resolution, error) {
	log := logger.Log.With(
		zap.String("scope", c.Scope),
		zap.String("document_id", c.DocumentID),
		zap.String("category", c.Category))

	sig, err := signature.Generate([]byte(c.Content), c.Category)
	if err != nil {
		log.Debug("Skipping candidate without usable content", zap.Error(err))
		return OutcomeSkipped, viaNone, nil
	}
	marker := models.Marker{Scope: c.Scope, Signature: sig}
	log = log.With(zap.String("signature", sig))

	// A marked target needs neither the cache nor the endpoint.
	if existing, ok := c.Target.Marker(); ok {
		if existing.Equal(marker) {
			return OutcomeAlreadyApplied, viaNone, nil
		}
		log.Warn("Skipping table marked by another task",
			zap.String("marker_scope", existing.Scope),
			zap.String("marker_signature", existing.Signature))
		return OutcomeConflict, viaNone, nil
	}

	result, err := p.gate.InvokeOnce(ctx, sig, c.Scope, func(ctx context.Context) (string, error) {
		return p.predictor.Predict(ctx, c.Content)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OutcomeSkipped, viaNone, ctxErr
		}
		if errors.Is(err, apperr.ErrInvalidInput) {
			log.Debug("Skipping candidate", zap.Error(err))
			return OutcomeSkipped, viaNone, nil
		}
		log.Warn("Candidate processing failed", zap.Error(err))
		c.Target.MarkFailed(err.Error())
		return OutcomeFailed, viaCall, nil
	}

	via := viaCall
	if result.Cached || result.Shared {
		via = viaCache
	}
	if !result.Persisted {
		log.Warn("Result not persisted, it will be lost on restart")
	}

	applied, err := p.applier.Apply(ctx, c.Target, marker, result.Payload)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return OutcomeSkipped, via, ctx.Err()
	case errors.Is(err, apperr.ErrRehydrationConflict):
		log.Warn("Skipping conflicting target", zap.Error(err))
		return OutcomeConflict, via, nil
	default:
		log.Warn("Applying result failed", zap.Error(err))
		c.Target.MarkFailed(err.Error())
		return OutcomeFailed, via, nil
	}

	if applied == 0 {
		return OutcomeAlreadyApplied, via, nil
	}
	log.Debug("Applied result", zap.Int("tables", applied), zap.Bool("cached", result.Cached))
	return OutcomeApplied, via, nil
}
