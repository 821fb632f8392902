package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/frauddetect/pipeline/configs"
	"github.com/frauddetect/pipeline/internal/models"
	"github.com/frauddetect/pipeline/internal/repositories"
)

// Breakers is the view of the circuit-breaker registry the health surface
// needs.
type Breakers interface {
	States() map[string]gobreaker.State
	AllClosed() bool
}

// Readiness collects the per-dependency probes for /health/ready.
type Readiness struct {
	ConsumerAttached func() bool
	MemoryPing       func(ctx context.Context) error
	KnowledgeCount   func() int
}

// Decisions is the read side of the durable decision store, exposed for
// operator lookups.
type Decisions interface {
	GetByOrderID(ctx context.Context, orderID string) (*models.DecisionRecord, error)
	CountByDecision(ctx context.Context) (map[string]int64, error)
}

// NewServer builds the HTTP surface: liveness, readiness, circuit health,
// decision lookups and the Prometheus exposition. A nil decisions store
// disables the lookup routes.
func NewServer(cfg configs.ServerConfig, breakers Breakers, registry *prometheus.Registry, ready Readiness, decisions Decisions) *http.Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		states := make(map[string]string)
		for name, state := range breakers.States() {
			states[name] = state.String()
		}
		if !breakers.AllClosed() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "circuits": states})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "circuits": states})
	})

	router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})

	router.GET("/health/ready", func(c *gin.Context) {
		if ready.ConsumerAttached != nil && !ready.ConsumerAttached() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "reason": "consumer not attached"})
			return
		}
		if ready.MemoryPing != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := ready.MemoryPing(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "reason": "memory store unreachable"})
				return
			}
		}
		if ready.KnowledgeCount != nil && ready.KnowledgeCount() == 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "reason": "knowledge base not seeded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if decisions != nil {
		router.GET("/decisions/:order_id", func(c *gin.Context) {
			record, err := decisions.GetByOrderID(c.Request.Context(), c.Param("order_id"))
			if err != nil {
				if errors.Is(err, repositories.ErrDecisionNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": "decision not found"})
					return
				}
				log.Error().Err(err).Str("order_id", c.Param("order_id")).Msg("Decision lookup failed")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "decision lookup failed"})
				return
			}
			c.JSON(http.StatusOK, record)
		})

		router.GET("/stats/decisions", func(c *gin.Context) {
			counts, err := decisions.CountByDecision(c.Request.Context())
			if err != nil {
				log.Error().Err(err).Msg("Decision stats failed")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "decision stats failed"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"counts": counts})
		})
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	log.Info().Str("port", cfg.Port).Msg("Health server configured")
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
