// Package service assembles the probability pipeline and implements the
// dependencies required by the HTTP and websocket layers.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pitwall/racepulse/internal/adapters/broadcast"
	"github.com/pitwall/racepulse/internal/adapters/mq/dispatch"
	eventqueue "github.com/pitwall/racepulse/internal/adapters/mq/queue"
	"github.com/pitwall/racepulse/internal/adapters/repository"
	"github.com/pitwall/racepulse/internal/domain/dedupe"
	"github.com/pitwall/racepulse/internal/domain/engine"
	"github.com/pitwall/racepulse/internal/domain/model"
	"github.com/pitwall/racepulse/internal/domain/normalize"
	"github.com/pitwall/racepulse/internal/domain/scoring"
	"github.com/pitwall/racepulse/internal/domain/session"
	"github.com/pitwall/racepulse/internal/domain/types"
	"github.com/pitwall/racepulse/pkg/logger"
	"github.com/pitwall/racepulse/pkg/metrics"
)

// fanPublisher hands each engine result to the result store and then the
// broadcaster, preserving per-session order.
type fanPublisher struct {
	results     repository.Store
	broadcaster *broadcast.Broadcaster
	logger      logger.Logger
}

func (p *fanPublisher) Publish(ctx context.Context, result model.ProbabilityResult) {
	if _, err := p.results.Put(ctx, result); err != nil {
		p.logger.Error(ctx, "result store write failed",
			logger.String("session", result.SessionID), logger.Error(err))
	}
	p.broadcaster.Publish(ctx, result)
}

// Service owns the full pipeline: normalizer -> queue -> dispatcher ->
// session manager -> engine -> broadcaster/result store.
type Service struct {
	mu sync.RWMutex

	normalizer  *normalize.Normalizer
	deduper     dedupe.Deduper
	queue       eventqueue.Queue
	dispatcher  *dispatch.Pool
	engine      *engine.Engine
	manager     *session.Manager
	broadcaster *broadcast.Broadcaster
	results     repository.Store
	model       scoring.Model

	// Configuration
	queueSize       int
	dispatcherCount int
	dedupeSize      int
	reorderWindow   int
	reorderTimeout  time.Duration
	scoringBudget   time.Duration
	maxDelta        float64
	idleSuspend     time.Duration
	graceSize       int
	graceTimeout    time.Duration

	started bool
	logger  logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithQueueSize bounds the ingest queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDispatcherCount sets the number of queue-draining goroutines.
func WithDispatcherCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.dispatcherCount = count
		}
	}
}

// WithDedupeSize bounds the feed idempotency cache.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithReorderBuffer configures the per-session reordering buffer.
func WithReorderBuffer(window int, timeout time.Duration) Option {
	return func(s *Service) {
		if window >= 0 {
			s.reorderWindow = window
		}
		if timeout > 0 {
			s.reorderTimeout = timeout
		}
	}
}

// WithScoringBudget bounds one scoring call.
func WithScoringBudget(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.scoringBudget = d
		}
	}
}

// WithSmoothingMaxDelta caps per-tick probability movement.
func WithSmoothingMaxDelta(delta float64) Option {
	return func(s *Service) {
		if delta > 0 && delta <= 1 {
			s.maxDelta = delta
		}
	}
}

// WithIdleSuspend sets the auto-suspend idle period.
func WithIdleSuspend(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.idleSuspend = d
		}
	}
}

// WithGraceQueue bounds events parked for unknown sessions.
func WithGraceQueue(size int, timeout time.Duration) Option {
	return func(s *Service) {
		if size > 0 {
			s.graceSize = size
		}
		if timeout > 0 {
			s.graceTimeout = timeout
		}
	}
}

// WithModel injects the scoring capability. Defaults to the baseline
// model when unset.
func WithModel(m scoring.Model) Option {
	return func(s *Service) {
		if m != nil {
			s.model = m
		}
	}
}

// New constructs a Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		queueSize:       50_000,
		dispatcherCount: runtime.NumCPU() * 2,
		dedupeSize:      200_000,
		reorderWindow:   50,
		reorderTimeout:  2 * time.Second,
		scoringBudget:   200 * time.Millisecond,
		maxDelta:        0.15,
		idleSuspend:     5 * time.Minute,
		graceSize:       100,
		graceTimeout:    3 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds and starts the pipeline components.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}

	s.logger.Info(ctx, "starting race probability service...")

	s.normalizer = normalize.New(normalize.WithLogger(s.logger.Named("normalizer")))
	s.deduper = dedupe.NewRingDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.queueSize))
	s.results = repository.NewResultStore(ctx)
	s.broadcaster = broadcast.New(broadcast.WithLogger(s.logger.Named("broadcast")))

	if s.model == nil {
		s.model = scoring.NewBaselineModel()
	}
	s.engine = engine.New(s.model,
		engine.WithScoringBudget(s.scoringBudget),
		engine.WithMaxDelta(s.maxDelta),
		engine.WithLogger(s.logger.Named("engine")),
	)

	pub := &fanPublisher{
		results:     s.results,
		broadcaster: s.broadcaster,
		logger:      s.logger.Named("publisher"),
	}
	s.manager = session.NewManager(s.engine, pub, s.broadcaster,
		session.WithReorderWindow(s.reorderWindow),
		session.WithReorderTimeout(s.reorderTimeout),
		session.WithIdleSuspend(s.idleSuspend),
		session.WithGraceQueue(s.graceSize, s.graceTimeout),
		session.WithLogger(s.logger.Named("session-manager")),
	)
	s.manager.Start(ctx)

	s.dispatcher = dispatch.NewPool(s.dispatcherCount, s.queue, s.manager)
	s.dispatcher.Start(ctx)

	s.started = true
	s.logger.Info(ctx, "race probability service started",
		logger.Int("dispatchers", s.dispatcherCount),
		logger.Int("queueSize", s.queueSize),
		logger.String("model", s.model.Version()),
	)
	return nil
}

// Stop shuts the pipeline down: sessions first, then the queue.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping race probability service...")

	s.manager.Stop(ctx)
	_ = s.queue.Close()
	s.dispatcher.Wait()

	s.started = false
	s.logger.Info(ctx, "race probability service stopped")
}

// Ingest normalizes one raw feed payload and queues the event for routing.
func (s *Service) Ingest(ctx context.Context, dialect string, raw []byte) (types.IngestAck, error) {
	event, err := s.normalizer.Normalize(ctx, dialect, raw)
	if err != nil {
		return types.IngestAck{}, err
	}

	if s.deduper.SeenAndRecord(ctx, event.ID()) {
		metrics.RecordEventDuplicate()
		return types.IngestAck{Status: "duplicate", Duplicate: true}, nil
	}

	if !s.queue.Enqueue(ctx, event) {
		// Roll back the seen mark so a retry is not treated as duplicate.
		s.deduper.Unrecord(ctx, event.ID())
		metrics.RecordEventDropped("backpressure")
		return types.IngestAck{Status: "dropped", Dropped: true}, nil
	}
	return types.IngestAck{Status: "accepted"}, nil
}

// CreateSession registers a session ahead of its feed connecting.
func (s *Service) CreateSession(ctx context.Context, sessionID, trackID string, startTime time.Time) (types.SessionInfo, error) {
	sess, err := s.manager.Create(ctx, sessionID, trackID, startTime)
	if err != nil {
		return types.SessionInfo{}, err
	}
	return types.SessionInfo{
		SessionID: sess.ID,
		TrackID:   sess.TrackID,
		State:     string(sess.State()),
		StartTime: sess.StartTime,
	}, nil
}

// TransitionSession applies an administrative lifecycle move.
func (s *Service) TransitionSession(ctx context.Context, sessionID, next string) error {
	target := session.State(next)
	switch target {
	case session.StateCreated, session.StateLive, session.StateSuspended,
		session.StateCompleted, session.StateAborted:
	default:
		return fmt.Errorf("%w: unknown state %q", session.ErrIllegalTransition, next)
	}
	return s.manager.Transition(ctx, sessionID, target)
}

// TerminateSession flushes, emits a final result, and releases a session.
func (s *Service) TerminateSession(ctx context.Context, sessionID string) error {
	return s.manager.Terminate(ctx, sessionID)
}

// Sessions lists the registry.
func (s *Service) Sessions(ctx context.Context) []types.SessionInfo {
	return s.manager.Sessions()
}

// LatestResult returns the newest probability result for a session.
func (s *Service) LatestResult(ctx context.Context, sessionID string) (model.ProbabilityResult, error) {
	result, err := s.results.Latest(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Distinguish "no session" from "no result yet".
			if _, ok := s.manager.Get(sessionID); !ok {
				return model.ProbabilityResult{}, session.ErrUnknownSession
			}
		}
		return model.ProbabilityResult{}, err
	}
	return result, nil
}

// Subscribe attaches a subscriber to a session's result stream.
func (s *Service) Subscribe(ctx context.Context, sessionID string) (*broadcast.Subscription, error) {
	sess, ok := s.manager.Get(sessionID)
	if !ok {
		return nil, session.ErrUnknownSession
	}
	if sess.State().Terminal() {
		return nil, broadcast.ErrSessionEnded
	}
	return s.broadcaster.Subscribe(ctx, sessionID)
}

// Dialects lists the feed dialects the normalizer accepts.
func (s *Service) Dialects() []string {
	return s.normalizer.Dialects()
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]any{
		"started":         s.started,
		"dispatcherCount": s.dispatcherCount,
		"queueSize":       s.queueSize,
		"dedupeSize":      s.dedupeSize,
	}
	if s.started {
		stats["queueLength"] = s.queue.Len(ctx)
		stats["sessions"] = s.manager.Count()
		stats["resultsStored"] = s.results.Count(ctx)
		stats["dedupeEntries"] = s.deduper.Size()
		stats["model"] = s.model.Version()
	}
	return stats
}
