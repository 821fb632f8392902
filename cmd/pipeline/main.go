package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/frauddetect/pipeline/configs"
	"github.com/frauddetect/pipeline/internal/agents"
	"github.com/frauddetect/pipeline/internal/bus"
	"github.com/frauddetect/pipeline/internal/detect"
	"github.com/frauddetect/pipeline/internal/guard"
	"github.com/frauddetect/pipeline/internal/health"
	"github.com/frauddetect/pipeline/internal/knowledge"
	"github.com/frauddetect/pipeline/internal/memory"
	"github.com/frauddetect/pipeline/internal/metrics"
	"github.com/frauddetect/pipeline/internal/models"
	"github.com/frauddetect/pipeline/internal/orchestrator"
	"github.com/frauddetect/pipeline/internal/repositories"
)

// emitter makes the decision durable before it becomes visible: database
// first, bus second.
type emitter struct {
	repo     *repositories.DecisionRepository
	producer *bus.Producer
}

func (e *emitter) Emit(ctx context.Context, record *models.DecisionRecord, event *models.TransactionEvent) error {
	if err := e.repo.Create(ctx, record, event); err != nil {
		return err
	}
	return e.producer.PublishDecision(ctx, record)
}

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENVIRONMENT") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().Msg("Starting fraud detection pipeline")

	cfg := configs.Load()

	// Memory store.
	redisClient, err := memory.Connect(context.Background(), cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	store := memory.NewStore(redisClient, memory.Options{
		UserFlagTTL:     cfg.Fraud.UserFlagTTL,
		IPFlagTTL:       cfg.Fraud.IPFlagTTL,
		DedupTTL:        cfg.Fraud.DedupTTL,
		VelocityWindow:  cfg.Fraud.VelocityWindow,
		WriteBufferSize: cfg.Redis.WriteBufferSize,
	})
	defer store.Close()

	// Knowledge base.
	kb := knowledge.New(knowledge.NewEmbedder(cfg.Knowledge.Dimensions), knowledge.Options{
		TopK:              cfg.Knowledge.TopK,
		SimilarityFloor:   cfg.Knowledge.SimilarityFloor,
		InsertDedupWindow: cfg.Knowledge.InsertDedupWindow,
	})
	defer kb.Close()
	if err := kb.Seed(context.Background(), time.Now().UTC()); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed knowledge base")
	}

	// ML adapter. A feature-width mismatch is a startup failure, never a
	// silent per-event fallback.
	scorer, err := detect.NewScorer(detect.NewHeuristicModel())
	if err != nil {
		log.Fatal().Err(err).Msg("Model configuration mismatch")
	}

	// Durable sink.
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	decisionRepo := repositories.NewDecisionRepository(db)

	// Output bus.
	producer, err := bus.NewProducer(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect Kafka producer")
	}
	defer producer.Close()

	breakers := guard.NewBreakerRegistry(5, 30*time.Second)
	registry := prometheus.NewRegistry()
	pipelineMetrics := metrics.New(registry)

	// Agent runtime.
	var investigator orchestrator.Investigator
	var limiter *guard.RateLimiter
	agentsEnabled := cfg.Agents.Enabled
	if agentsEnabled && cfg.Agents.APIKey == "" {
		log.Warn().Msg("USE_AGENTS is set but ANTHROPIC_API_KEY is empty, disabling agent escalation")
		agentsEnabled = false
	}
	if agentsEnabled {
		limiter = guard.NewRateLimiter(cfg.Agents.MaxRequestsPerMin, cfg.Agents.RequestDelay, cfg.Agents.MaxRateWait)
		investigator = agents.NewRuntime(
			agents.NewClient(cfg.Agents.APIKey, cfg.Agents.Model),
			agents.NewToolbox(store, kb),
			limiter,
			breakers,
			cfg.Agents,
		)
	}

	orch := orchestrator.New(
		store,
		kb,
		scorer,
		investigator,
		&emitter{repo: decisionRepo, producer: producer},
		breakers,
		pipelineMetrics,
		cfg.Fraud,
		agentsEnabled,
	)

	consumer, err := bus.NewConsumer(cfg.Kafka, cfg.Worker, orch, producer)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to join consumer group")
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := health.NewServer(cfg.Server, breakers, registry, health.Readiness{
		ConsumerAttached: consumer.Attached,
		MemoryPing:       store.Ping,
		KnowledgeCount:   kb.Len,
	}, decisionRepo)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Health server stopped")
		}
	}()

	var limiterSaturation metrics.LimiterSaturation
	if limiter != nil {
		limiterSaturation = limiter
	}
	go pipelineMetrics.WatchGuards(ctx, breakers, limiterSaturation, store)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	runErr := consumer.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Health server shutdown failed")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error().Err(runErr).Msg("Consumer terminated abnormally")
		fmt.Fprintln(os.Stderr, "non-recoverable runtime loss")
		os.Exit(2)
	}
	log.Info().Msg("Fraud detection pipeline stopped")
}
