// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the Sentinel triage control plane.
//
// The service consumes inbound signal events from the hub bus, admits them
// through the bounded priority queue, routes them to the batch coordinator
// or straight into the reasoning pipeline, and publishes every outcome
// through the audit trail. Decisions that need sign-off are parked with the
// approval manager. The HTTP surface (reviews, audit queries, cache
// controls, ingest, metrics) is served by Gin.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12210, OracleBackend: "ollama"}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/sentinel/pkg/retry"
	"github.com/AleutianAI/sentinel/services/admission"
	"github.com/AleutianAI/sentinel/services/approval"
	"github.com/AleutianAI/sentinel/services/batch"
	"github.com/AleutianAI/sentinel/services/cache"
	"github.com/AleutianAI/sentinel/services/decision"
	"github.com/AleutianAI/sentinel/services/events"
	"github.com/AleutianAI/sentinel/services/llm"
	"github.com/AleutianAI/sentinel/services/orchestrator/handlers"
	"github.com/AleutianAI/sentinel/services/orchestrator/observability"
	"github.com/AleutianAI/sentinel/services/orchestrator/routes"
	"github.com/AleutianAI/sentinel/services/pipeline"
	"github.com/AleutianAI/sentinel/services/publication"
	"github.com/AleutianAI/sentinel/services/signal"
	"github.com/AleutianAI/sentinel/services/storage/badgerstore"
)

// =============================================================================
// Configuration
// =============================================================================

// Default service configuration.
const (
	DefaultPort         = 12210
	DefaultWorkers      = 4
	DefaultOTelEndpoint = "sentinel-otel-collector:4317"
)

// Config holds orchestrator configuration options.
//
// # Description
//
// Config centralizes service-level settings plus the per-component configs
// it fans out at construction time. Zero values use defaults; component
// configs left zero-valued use their package defaults.
type Config struct {
	// Port is the HTTP server port. Default: 12210.
	Port int

	// Workers is the number of queue consumer goroutines. Default: 4.
	Workers int

	// OracleBackend selects the reasoning backend.
	// Valid values: "ollama", "openai". Default: "ollama".
	OracleBackend string

	// OracleRequestsPerSecond throttles oracle calls across the whole
	// service. 0 disables pacing.
	OracleRequestsPerSecond float64

	// DataDir is the root for durable state: the Badger audit mirror,
	// the classification cache snapshot, and hot response entries.
	// Empty disables all persistence.
	DataDir string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "sentinel-otel-collector:4317".
	OTelEndpoint string

	// DisableTracing skips tracer provider setup (used in tests).
	DisableTracing bool

	// EnableMetrics enables the Prometheus /metrics endpoint.
	// Default: true.
	EnableMetrics bool

	// AuthToken protects the v1 API when non-empty.
	AuthToken string

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string

	// Component configuration. Zero values use package defaults.
	Admission   admission.Config
	Batch       batch.Config
	Decision    decision.Config
	Pipeline    pipeline.Config
	Approval    approval.Config
	Publication publication.Config
	ClsCache    cache.ClassificationCacheConfig
	RespCache   cache.ResponseCacheConfig

	// WarmTemplates seeds the response cache at startup before persisted
	// hot entries are reloaded.
	WarmTemplates []cache.WarmEntry
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.OracleBackend == "" {
		cfg.OracleBackend = "ollama"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = DefaultOTelEndpoint
	}
	cfg.EnableMetrics = true
	return cfg
}

// =============================================================================
// Inbound events
// =============================================================================

// inboundTopics are the hub topics the service consumes.
var inboundTopics = []events.Topic{
	events.TopicGmailNewMessage,
	events.TopicSlackNewMessage,
	events.TopicSheetsDataChanged,
}

// =============================================================================
// Service
// =============================================================================

// Service is the assembled triage control plane.
//
// # Description
//
// Service owns every component's lifecycle: the event bus, admission gate,
// batch coordinator, reasoning pipeline, caches, approval manager, and
// publication auditor. Start spins up the consumers and background loops;
// Shutdown drains them in dependency order.
//
// # Thread Safety
//
// Safe for concurrent use after New returns. Start and Shutdown must each
// be called at most once.
type Service struct {
	config Config

	bus         *events.Bus
	gate        *admission.Gate
	clsCache    *cache.ClassificationCache
	respCache   *cache.ResponseCache
	oracle      llm.Oracle
	workflow    *decision.Workflow
	pipeline    *pipeline.Pipeline
	coordinator *batch.Coordinator
	approvals   *approval.Manager
	audit       *publication.AuditStore
	auditor     *publication.Auditor
	store       *badgerstore.Store

	router        *gin.Engine
	metrics       *observability.Metrics
	tracerCleanup func(context.Context)

	// taskVolume tracks open create_task publications per sender; the
	// decision workflow consults it for check_conflicts contention.
	taskMu     sync.Mutex
	taskVolume map[string]int

	subs    []*events.Subscription
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	stopped sync.Once
}

// Workflow context provider contract.
var _ decision.ContextProvider = (*Service)(nil)

// New assembles a Service from the given configuration.
//
// Construction order matters: the tracer and metrics come up first so every
// component can record into them, durable storage next so the caches and
// audit mirror can rehydrate, then the reasoning chain from the oracle out.
func New(cfg Config) (*Service, error) {
	cfg = applyConfigDefaults(cfg)

	s := &Service{
		config:     cfg,
		bus:        events.NewBus(events.DefaultBufferSize),
		taskVolume: make(map[string]int),
	}

	if !cfg.DisableTracing {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if cfg.EnableMetrics {
		s.metrics = observability.InitMetrics()
	}

	if err := s.initStorage(); err != nil {
		// Durable state is best-effort; the control plane still runs.
		slog.Warn("durable storage unavailable, running in-memory only",
			"data_dir", cfg.DataDir,
			"error", err,
		)
	}

	if err := s.initOracle(); err != nil {
		s.closeStorage()
		return nil, fmt.Errorf("initialize oracle backend: %w", err)
	}

	s.initComponents()
	s.initRouter()

	return s, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start brings up the background loops and queue consumers. The given
// context bounds the whole run; cancelling it stops the consumers.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.clsCache.Start(ctx)
	s.approvals.Start(ctx)
	s.auditor.Start(ctx)

	for _, topic := range inboundTopics {
		sub := s.bus.Subscribe(topic)
		s.subs = append(s.subs, sub)
		s.wg.Add(1)
		go s.intakeLoop(sub)
	}

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.consumeLoop(ctx)
	}

	slog.Info("sentinel orchestrator started",
		"workers", s.config.Workers,
		"oracle_backend", s.config.OracleBackend,
		"queue_depth", s.gate.Depth(),
	)
}

// Run starts the service and blocks serving HTTP until the server stops.
func (s *Service) Run() error {
	s.Start(context.Background())
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
	}()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("starting http server", "port", s.config.Port)
	return s.router.Run(addr)
}

// Router returns the Gin engine for integration tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Bus returns the hub bus so producers in the same process can publish
// inbound signal events.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// Shutdown drains the service: intake stops first, the pending batch is
// flushed, in-flight signals finish, then caches snapshot and storage
// closes. Safe to call once; later calls are no-ops.
func (s *Service) Shutdown(ctx context.Context) {
	s.stopped.Do(func() {
		for _, sub := range s.subs {
			sub.Close()
		}
		if s.cancel != nil {
			s.cancel()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline reached with workers still running")
		}

		// Workers are stopped; hand whatever is still queued to the final
		// batch flush instead of dropping it.
		if drained := s.gate.DrainUpTo(s.gate.Depth()); len(drained) > 0 {
			slog.Info("draining admitted signals into final batch", "count", len(drained))
			for _, qs := range drained {
				if err := s.coordinator.Add(qs); err != nil {
					slog.Warn("shutdown drain failed for signal",
						"signal_id", qs.Signal.ID, "error", err)
				}
			}
		}
		if err := s.coordinator.Shutdown(ctx); err != nil {
			slog.Warn("batch coordinator shutdown incomplete", "error", err)
		}

		s.approvals.Shutdown()
		s.auditor.Shutdown()
		if err := s.clsCache.Shutdown(ctx); err != nil {
			slog.Warn("classification cache snapshot failed", "error", err)
		}
		s.bus.Close()
		s.closeStorage()
		if s.tracerCleanup != nil {
			s.tracerCleanup(ctx)
		}
		slog.Info("sentinel orchestrator stopped")
	})
}

// =============================================================================
// Signal flow
// =============================================================================

// intakeLoop admits signals from one inbound topic subscription.
func (s *Service) intakeLoop(sub *events.Subscription) {
	defer s.wg.Done()

	for evt := range sub.C() {
		se, ok := decodeSignalEvent(evt.Payload)
		if !ok || se.Signal == nil {
			slog.Warn("dropping malformed inbound event",
				"topic", string(evt.Topic),
				"event_id", evt.ID,
			)
			continue
		}

		priority := signal.ParsePriority(se.Priority)
		if signal.HasUrgencyKeyword(se.Signal) && priority < signal.PriorityHigh {
			priority = signal.PriorityHigh
		}

		admitted := s.gate.Enqueue(se.Signal, priority)
		s.recordAdmission(se.Signal, admitted)
	}
}

// decodeSignalEvent tolerates the payload shapes producers actually send.
func decodeSignalEvent(payload any) (*events.SignalEvent, bool) {
	switch p := payload.(type) {
	case *events.SignalEvent:
		return p, true
	case events.SignalEvent:
		return &p, true
	case *signal.Signal:
		return &events.SignalEvent{Signal: p}, true
	default:
		return nil, false
	}
}

// consumeLoop pulls admitted signals off the gate and routes them.
func (s *Service) consumeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		qs, err := s.gate.DequeueWait(ctx)
		if err != nil {
			return
		}
		if s.metrics != nil {
			s.metrics.QueueDepth.Set(float64(s.gate.Depth()))
		}
		s.route(ctx, qs)
	}
}

// route sends urgent signals straight through the pipeline and everything
// else into the batch coordinator.
func (s *Service) route(ctx context.Context, qs *signal.QueuedSignal) {
	if qs.Priority == signal.PriorityHigh || signal.HasUrgencyKeyword(qs.Signal) {
		s.process(ctx, qs.Signal)
		return
	}
	if err := s.coordinator.Add(qs); err != nil {
		// Coordinator is shutting down; fall back to the direct path
		// so the admitted signal still gets an outcome.
		s.process(ctx, qs.Signal)
	}
}

// onBatchResult continues batched signals through the pipeline. Group
// classifications are seeded into the classification cache so the classify
// stage short-circuits; failed groups arrive with a nil classification and
// take the full individual path.
func (s *Service) onBatchResult(sig *signal.Signal, cls *signal.Classification) {
	if cls != nil {
		s.clsCache.Set(sig.ContentHash(), cls, 0)
	}
	s.process(context.Background(), sig)
}

// process runs one signal to a terminal outcome: pipeline, publication,
// and, when required, a parked review.
func (s *Service) process(ctx context.Context, sig *signal.Signal) {
	res := s.pipeline.Process(ctx, sig)
	s.recordPipeline(res)

	if err := s.bus.Publish(events.TopicReasoningComplete, res); err != nil {
		slog.Warn("reasoning:complete emission failed",
			"signal_id", sig.ID,
			"error", err,
		)
	}

	if res.RequiresHumanReview && res.Decision != nil {
		res.Decision.RequiresApproval = true
	}

	action, err := s.auditor.Publish(sig, res.Decision, res.Confidence)
	if err != nil {
		slog.Warn("publication rejected",
			"signal_id", sig.ID,
			"error", err,
		)
		s.recordPublication(action)
		return
	}
	s.recordPublication(action)

	if res.RequiresHumanReview {
		review := s.approvals.RequestReview(action.PublicationID, sig.ID, res.Decision, reviewReason(res))
		if s.metrics != nil {
			s.metrics.PendingReviews.Set(float64(s.approvals.PendingCount()))
		}
		slog.Info("review requested",
			"review_id", review.ReviewID,
			"signal_id", sig.ID,
			"reason", review.Reason,
		)
	}

	if res.Decision != nil && res.Decision.Action == signal.ActionCreateTask {
		s.taskMu.Lock()
		s.taskVolume[sig.Sender]++
		s.taskMu.Unlock()
	}
}

// reviewReason names why a result was routed to a human.
func reviewReason(res *pipeline.Result) string {
	switch {
	case len(res.Errors) > 1:
		return "multiple stage errors"
	case res.Decision != nil && res.Decision.RequiresApproval:
		return "decision requires approval"
	default:
		return "low confidence"
	}
}

// =============================================================================
// decision.ContextProvider
// =============================================================================

// RelatedTaskVolume counts create_task publications already tied to the
// sender.
func (s *Service) RelatedTaskVolume(sender string) int {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	return s.taskVolume[sender]
}

// QueueDepth is the current admission queue depth.
func (s *Service) QueueDepth() int {
	return s.gate.Depth()
}

// =============================================================================
// Metrics recording
// =============================================================================

func (s *Service) recordAdmission(sig *signal.Signal, admitted bool) {
	if s.metrics == nil {
		return
	}
	outcome := "admitted"
	if !admitted {
		outcome = "dropped"
	}
	s.metrics.SignalsTotal.WithLabelValues(string(sig.Source), outcome).Inc()
	s.metrics.QueueDepth.Set(float64(s.gate.Depth()))
}

func (s *Service) recordPipeline(res *pipeline.Result) {
	if s.metrics == nil {
		return
	}
	outcome := "completed"
	switch {
	case res.Decision != nil && res.Decision.Action == signal.ActionEscalate && len(res.Errors) > 0:
		outcome = "escalated"
	case res.RequiresHumanReview:
		outcome = "needs_review"
	}
	s.metrics.PipelineOutcomesTotal.WithLabelValues(outcome).Inc()
	for stage, d := range res.StageTimings {
		s.metrics.StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
	}
}

func (s *Service) recordPublication(action *publication.PublishedAction) {
	if s.metrics == nil || action == nil {
		return
	}
	s.metrics.PublicationsTotal.WithLabelValues(string(action.Status)).Inc()
}

// =============================================================================
// Initialization
// =============================================================================

func (s *Service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("sentinel-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

// initStorage opens the Badger store and points the persistence paths at
// DataDir. No DataDir means fully in-memory operation.
func (s *Service) initStorage() error {
	if s.config.DataDir == "" {
		return nil
	}

	store, err := badgerstore.Open(s.config.DataDir + "/audit")
	if err != nil {
		return err
	}
	s.store = store

	if s.config.ClsCache.SnapshotPath == "" {
		s.config.ClsCache.SnapshotPath = s.config.DataDir + "/classification_cache.json"
	}
	if s.config.RespCache.HotEntryDir == "" {
		s.config.RespCache.HotEntryDir = s.config.DataDir + "/hot_responses"
	}
	return nil
}

func (s *Service) closeStorage() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		slog.Warn("badger close failed", "error", err)
	}
	s.store = nil
}

func (s *Service) initOracle() error {
	var (
		oracle llm.Oracle
		err    error
	)
	switch s.config.OracleBackend {
	case "ollama":
		oracle, err = llm.NewOllamaOracle()
	case "openai":
		oracle, err = llm.NewOpenAIOracle()
	default:
		return fmt.Errorf("unknown oracle backend %q", s.config.OracleBackend)
	}
	if err != nil {
		return err
	}

	if s.config.OracleRequestsPerSecond > 0 {
		oracle = llm.NewPacedOracle(oracle, s.config.OracleRequestsPerSecond, 1)
	}
	// Breaker sits outermost so an open circuit also skips the rate wait.
	s.oracle = llm.NewGuardedOracle(oracle, retry.DefaultBreakerConfig())
	slog.Info("oracle backend initialized",
		"backend", s.config.OracleBackend,
		"model", oracle.Model(),
	)
	return nil
}

// initComponents builds the reasoning chain from the oracle outward.
func (s *Service) initComponents() {
	s.gate = admission.NewGate(s.config.Admission)
	s.clsCache = cache.NewClassificationCache(s.config.ClsCache)
	s.respCache = cache.NewResponseCache(s.config.RespCache)

	if s.config.ClsCache.SnapshotPath != "" {
		if err := s.clsCache.LoadSnapshot(s.config.ClsCache.SnapshotPath); err != nil {
			slog.Warn("classification cache snapshot load failed", "error", err)
		}
	}
	s.respCache.Warm(s.config.WarmTemplates)

	s.workflow = decision.NewWorkflow(s.oracle, s.config.Decision,
		decision.WithResponseCache(s.respCache),
		decision.WithContextProvider(s),
	)
	s.pipeline = pipeline.New(s.oracle, s.workflow, s.clsCache, s.config.Pipeline)

	classifier := batch.NewGroupClassifier(s.oracle, s.config.Pipeline.OracleTimeout, s.config.Pipeline.Retry)
	s.coordinator = batch.NewCoordinator(classifier, s.onBatchResult, s.config.Batch,
		batch.WithBacklog(s.gate.Depth),
	)

	s.audit = publication.NewAuditStore()
	var mirror publication.Mirror
	if s.store != nil {
		m := publication.NewBadgerMirror(s.store)
		if actions, err := m.Load(); err != nil {
			slog.Warn("audit mirror load failed", "error", err)
		} else {
			for _, a := range actions {
				s.audit.Append(a)
			}
			slog.Info("audit trail rehydrated", "records", len(actions))
		}
		mirror = m
	}
	s.auditor = publication.NewAuditor(s.bus, s.audit, mirror, s.config.Publication)
	s.approvals = approval.NewManager(s.bus, s.auditor, s.config.Approval)
}

func (s *Service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	deps := handlers.Deps{
		Bus:       s.bus,
		Gate:      s.gate,
		Approvals: s.approvals,
		Audit:     s.audit,
		Auditor:   s.auditor,
		ClsCache:  s.clsCache,
		RespCache: s.respCache,
		Batches:   s.coordinator,
		Pipeline:  s.pipeline,
	}
	s.router = routes.SetupRoutes(deps, routes.Options{
		AuthToken:     s.config.AuthToken,
		EnableMetrics: s.config.EnableMetrics,
	})
}
