package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"codexcore/internal/extraction"
	"codexcore/internal/license"
	"codexcore/pkg/contracts/domain"
)

// ExtractionService runs licensed extraction and prompt retrieval for
// live sessions. Extraction rides on session liveness alone and never
// consumes access budget; budget only moves through the feature gate's
// CheckAccess.
type ExtractionService interface {
	Extract(ctx context.Context, identity, category, text string) (*domain.ExtractionResult, error)
	Prompt(ctx context.Context, identity, promptType string) (*domain.PromptResult, error)
	Categories(ctx context.Context, identity string) ([]string, error)
	PromptTypes(ctx context.Context, identity string) ([]string, error)
}

// engineEntry pins a compiled engine to the session handle it was built
// for. A replaced session gets a new handle, which forces a fresh compile
// from the new unlock instead of reusing patterns from the old one.
type engineEntry struct {
	handleID string
	engine   *extraction.Engine
}

// defaultExtractionWorkers bounds concurrent extraction runs when the
// configuration does not.
const defaultExtractionWorkers = 4

// ExtractionOptions bounds the extraction service.
type ExtractionOptions struct {
	// Workers caps concurrent extraction runs; zero or negative means
	// defaultExtractionWorkers.
	Workers int
	// MaxInput caps accepted text length in bytes; zero or negative
	// disables the cap.
	MaxInput int
}

type extractionService struct {
	store  *license.Store
	gate   *license.Gate
	logger *slog.Logger

	maxInput int
	slots    *semaphore.Weighted

	mu      sync.Mutex
	engines map[string]engineEntry
}

// NewExtractionService creates an extraction service.
func NewExtractionService(store *license.Store, gate *license.Gate, opts ExtractionOptions, logger *slog.Logger) ExtractionService {
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultExtractionWorkers
	}
	return &extractionService{
		store:    store,
		gate:     gate,
		logger:   logger.With(slog.String("service", "extraction")),
		maxInput: opts.MaxInput,
		slots:    semaphore.NewWeighted(int64(workers)),
		engines:  make(map[string]engineEntry),
	}
}

// engineFor returns a compiled engine for the identity's live session,
// plus the session watermark for stamping output. The rule-set view is
// fetched on every call because that is the liveness check; only the
// regex compilation is cached, keyed by session handle.
func (s *extractionService) engineFor(ctx context.Context, identity string) (*extraction.Engine, string, error) {
	view, err := s.gate.RuleSet(ctx, identity)
	if err != nil {
		return nil, "", err
	}

	st, ok := s.store.Status(identity)
	if !ok {
		return nil, "", license.ErrNotActivated
	}

	s.mu.Lock()
	if entry, cached := s.engines[identity]; cached && entry.handleID == st.HandleID {
		s.mu.Unlock()
		return entry.engine, st.Watermark, nil
	}
	s.mu.Unlock()

	engine, err := extraction.NewEngine(view)
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	s.engines[identity] = engineEntry{handleID: st.HandleID, engine: engine}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "extraction engine compiled",
		slog.String("trace_id", requestTraceID(ctx)),
		slog.String("identity", identity),
		slog.String("handle_id", st.HandleID),
		slog.Int("categories", len(engine.Categories())),
	)
	return engine, st.Watermark, nil
}

// Extract runs one category's patterns over the text and returns the
// matches stamped with the session watermark.
func (s *extractionService) Extract(ctx context.Context, identity, category, text string) (*domain.ExtractionResult, error) {
	start := time.Now()
	traceID := requestTraceID(ctx)

	if s.maxInput > 0 && len(text) > s.maxInput {
		s.logger.WarnContext(ctx, "extraction input over limit",
			slog.String("trace_id", traceID),
			slog.String("identity", identity),
			slog.Int("input_bytes", len(text)),
			slog.Int("max_bytes", s.maxInput),
		)
		return nil, ErrInputTooLarge
	}

	// Pattern compilation and scanning are CPU-bound; at most Workers
	// extractions run at once and waiters queue on the request context.
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.slots.Release(1)

	engine, watermark, err := s.engineFor(ctx, identity)
	if err != nil {
		return nil, err
	}

	matches, err := engine.Extract(ctx, category, text)
	if err != nil {
		s.logger.WarnContext(ctx, "extraction failed",
			slog.String("trace_id", traceID),
			slog.String("identity", identity),
			slog.String("category", category),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	out := make([]domain.ExtractionMatch, 0, len(matches))
	for _, m := range matches {
		out = append(out, domain.ExtractionMatch{
			Category:   category,
			Pattern:    m.Pattern,
			Value:      m.Value,
			Offset:     m.Offset,
			Confidence: m.Confidence,
		})
	}

	s.logger.InfoContext(ctx, "extraction completed",
		slog.String("trace_id", traceID),
		slog.String("identity", identity),
		slog.String("category", category),
		slog.Int("input_bytes", len(text)),
		slog.Int("matches", len(out)),
		slog.Duration("duration", time.Since(start)),
	)

	return &domain.ExtractionResult{
		Identity:    identity,
		Category:    category,
		Matches:     out,
		Watermark:   watermark,
		ProcessedAt: time.Now().UTC(),
	}, nil
}

// Prompt returns one prompt template from the session's unlocked rule
// set, stamped with the session watermark.
func (s *extractionService) Prompt(ctx context.Context, identity, promptType string) (*domain.PromptResult, error) {
	engine, watermark, err := s.engineFor(ctx, identity)
	if err != nil {
		return nil, err
	}

	prompt, err := engine.Prompt(promptType)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "prompt served",
		slog.String("trace_id", requestTraceID(ctx)),
		slog.String("identity", identity),
		slog.String("prompt_type", promptType),
	)

	return &domain.PromptResult{
		Identity:   identity,
		PromptType: promptType,
		Prompt:     prompt,
		Watermark:  watermark,
	}, nil
}

// Categories lists the extraction categories available to the identity's
// live session, sorted.
func (s *extractionService) Categories(ctx context.Context, identity string) ([]string, error) {
	engine, _, err := s.engineFor(ctx, identity)
	if err != nil {
		return nil, err
	}
	return engine.Categories(), nil
}

// PromptTypes lists the prompt template names available to the identity's
// live session, sorted.
func (s *extractionService) PromptTypes(ctx context.Context, identity string) ([]string, error) {
	engine, _, err := s.engineFor(ctx, identity)
	if err != nil {
		return nil, err
	}
	return engine.PromptTypes(), nil
}
