package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/frauddetect/pipeline/internal/models"
)

// Hit is a search result: a stored pattern and its similarity to the query.
type Hit struct {
	Pattern    models.FraudPattern
	Similarity float64
}

// Options tune search and insert behaviour.
type Options struct {
	TopK              int
	SimilarityFloor   float64
	InsertDedupWindow time.Duration
}

// KB is the in-process vector knowledge base of fraud patterns. Patterns are
// immutable once stored; new knowledge is appended, never rewritten.
//
// Reads take a shared lock and never block on inserts. Inserts funnel through
// a single writer goroutine so concurrent learners cannot interleave the
// dedup check and the append.
type KB struct {
	embedder *Embedder
	opts     Options

	mu       sync.RWMutex
	patterns []models.FraudPattern

	inserts chan insertReq
	stop    chan struct{}
	done    chan struct{}
}

type insertReq struct {
	pattern models.FraudPattern
	result  chan error
}

func New(embedder *Embedder, opts Options) *KB {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.SimilarityFloor <= 0 {
		opts.SimilarityFloor = 0.70
	}
	if opts.InsertDedupWindow <= 0 {
		opts.InsertDedupWindow = time.Minute
	}
	kb := &KB{
		embedder: embedder,
		opts:     opts,
		inserts:  make(chan insertReq, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go kb.writeLoop()
	return kb
}

func (kb *KB) Close() {
	close(kb.stop)
	<-kb.done
}

// Len returns the number of stored patterns.
func (kb *KB) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.patterns)
}

// Search embeds the query text and returns up to TopK patterns with cosine
// similarity at or above the floor, most similar first.
func (kb *KB) Search(ctx context.Context, text string) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := kb.embedder.Embed(text)

	kb.mu.RLock()
	hits := make([]Hit, 0, kb.opts.TopK)
	for _, p := range kb.patterns {
		sim := Cosine(query, p.Vector)
		if sim >= kb.opts.SimilarityFloor {
			hits = append(hits, Hit{Pattern: p, Similarity: sim})
		}
	}
	kb.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > kb.opts.TopK {
		hits = hits[:kb.opts.TopK]
	}
	return hits, nil
}

// Insert stores a new pattern. A pattern with the same description and fraud
// type inserted within the dedup window is silently skipped, keeping learning
// idempotent under duplicate event delivery.
func (kb *KB) Insert(ctx context.Context, description string, meta models.PatternMetadata) error {
	vector := kb.embedder.Embed(description)
	if len(vector) != kb.embedder.Dimensions() {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(vector), kb.embedder.Dimensions())
	}

	req := insertReq{
		pattern: models.FraudPattern{Description: description, Vector: vector, Metadata: meta},
		result:  make(chan error, 1),
	}
	select {
	case kb.inserts <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-kb.stop:
		return fmt.Errorf("knowledge base closed")
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (kb *KB) writeLoop() {
	defer close(kb.done)
	for {
		select {
		case <-kb.stop:
			return
		case req := <-kb.inserts:
			req.result <- kb.apply(req.pattern)
		}
	}
}

func (kb *KB) apply(p models.FraudPattern) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	for i := len(kb.patterns) - 1; i >= 0; i-- {
		existing := kb.patterns[i]
		if existing.Description == p.Description &&
			existing.Metadata.FraudType == p.Metadata.FraudType &&
			p.Metadata.CreatedAt.Sub(existing.Metadata.CreatedAt) < kb.opts.InsertDedupWindow {
			log.Debug().Str("fraud_type", p.Metadata.FraudType).Msg("Duplicate pattern insert skipped")
			return nil
		}
	}
	kb.patterns = append(kb.patterns, p)
	return nil
}

// Seed loads the canonical fraud patterns into an empty knowledge base.
// Seeding a non-empty base is a no-op so restarts never duplicate patterns.
func (kb *KB) Seed(ctx context.Context, now time.Time) error {
	if kb.Len() > 0 {
		return nil
	}
	for _, seed := range seedPatterns {
		meta := seed.meta
		meta.CreatedAt = now
		meta.Source = models.PatternSourceSeeded
		if err := kb.Insert(ctx, seed.description, meta); err != nil {
			return fmt.Errorf("failed to seed pattern %q: %w", seed.meta.FraudType, err)
		}
	}
	log.Info().Int("patterns", len(seedPatterns)).Msg("Knowledge base seeded")
	return nil
}

var seedPatterns = []struct {
	description string
	meta        models.PatternMetadata
}{
	{
		"multiple small transactions under $5 in rapid succession probing stolen card validity",
		models.PatternMetadata{FraudType: "card_testing", Severity: models.SeverityHigh, AmountRange: "$0.01-$5"},
	},
	{
		"burst of purchases from a single user within seconds of each other",
		models.PatternMetadata{FraudType: "rapid_fire", Severity: models.SeverityHigh, AmountRange: "$10-$500"},
	},
	{
		"sequential card numbers from the same BIN range attempted across accounts",
		models.PatternMetadata{FraudType: "bin_probing", Severity: models.SeverityCritical, AmountRange: "$1-$20"},
	},
	{
		"shipping country differs from billing country on a high value order",
		models.PatternMetadata{FraudType: "geo_mismatch", Severity: models.SeverityMedium, AmountRange: "$100-$2000"},
	},
	{
		"account created within hours placing an unusually large first order",
		models.PatternMetadata{FraudType: "new_account_large_amount", Severity: models.SeverityHigh, AmountRange: "$500-$5000"},
	},
	{
		"repeated digital goods purchases redeemable instantly with no delivery address",
		models.PatternMetadata{FraudType: "digital_goods_burst", Severity: models.SeverityMedium, AmountRange: "$20-$300"},
	},
	{
		"reshipped marketplace order purchased with a stolen card through an intermediary seller",
		models.PatternMetadata{FraudType: "triangulation", Severity: models.SeverityHigh, AmountRange: "$50-$1000"},
	},
	{
		"frequent small edits to shipping address across consecutive orders from one account",
		models.PatternMetadata{FraudType: "address_shuffle", Severity: models.SeverityLow, AmountRange: "$20-$200"},
	},
	{
		"many refunds or fee reversals claimed shortly after purchase to skim processing fees",
		models.PatternMetadata{FraudType: "fee_skimming", Severity: models.SeverityMedium, AmountRange: "$5-$100"},
	},
	{
		"established account suddenly changing device payment method and shipping destination",
		models.PatternMetadata{FraudType: "takeover_drift", Severity: models.SeverityCritical, AmountRange: "$100-$3000"},
	},
}
