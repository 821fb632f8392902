package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/frauddetect/pipeline/internal/models"
)

const (
	userReputationPrefix = "user:reputation:"
	ipReputationPrefix   = "ip:reputation:"
	velocityPrefix       = "velocity:"
	reviewPrefix         = "review:"
	dedupPrefix          = "dedup:"
)

// Options tune the store's TTLs and buffering.
type Options struct {
	UserFlagTTL     time.Duration
	IPFlagTTL       time.Duration
	ReviewTTL       time.Duration
	DedupTTL        time.Duration
	VelocityWindow  time.Duration
	WriteBufferSize int
}

// Store is the Redis-backed cross-transaction memory: reputations, velocity
// windows, manual-review markers and decision dedup records.
//
// Reads fail soft: a missing key yields a zero record. Writes that fail are
// buffered in a bounded in-process queue and retried in the background;
// beyond capacity the oldest buffered write is dropped and counted as lost.
type Store struct {
	client *redis.Client
	opts   Options

	mu        sync.Mutex
	buffer    []bufferedWrite
	lost      int64
	flushStop chan struct{}
	flushDone chan struct{}
}

type bufferedWrite struct {
	key   string
	apply func(ctx context.Context) error
}

// NewStore wraps an existing Redis client. Call Close to stop the background
// flusher.
func NewStore(client *redis.Client, opts Options) *Store {
	if opts.ReviewTTL <= 0 {
		opts.ReviewTTL = 7 * 24 * time.Hour
	}
	if opts.VelocityWindow <= 0 {
		opts.VelocityWindow = time.Hour
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = 10000
	}
	s := &Store{
		client:    client,
		opts:      opts,
		flushStop: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Connect dials Redis from a URL and verifies the connection.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info().Str("addr", redisOpts.Addr).Msg("Connected to Redis")
	return client, nil
}

func (s *Store) Close() error {
	close(s.flushStop)
	<-s.flushDone
	return s.client.Close()
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// GetUserReputation returns the user's reputation, or a zero record when the
// user has never been flagged.
func (s *Store) GetUserReputation(ctx context.Context, userID string) (*models.UserReputation, error) {
	rep := &models.UserReputation{UserID: userID}
	if err := s.getJSON(ctx, userReputationPrefix+userID, rep); err != nil {
		return nil, err
	}
	rep.UserID = userID
	return rep, nil
}

// GetIPReputation returns the IP's reputation, or a zero record.
func (s *Store) GetIPReputation(ctx context.Context, ip string) (*models.IPReputation, error) {
	rep := &models.IPReputation{IPAddress: ip}
	if err := s.getJSON(ctx, ipReputationPrefix+ip, rep); err != nil {
		return nil, err
	}
	rep.IPAddress = ip
	return rep, nil
}

// FlagUser marks the user as flagged, increments the fraud count and
// refreshes the flag TTL. Escalating a manual_review flag to confirmed_fraud
// replaces the reason; the reverse never downgrades.
func (s *Store) FlagUser(ctx context.Context, userID, reason string, at time.Time) error {
	key := userReputationPrefix + userID
	return s.bufferedWriteOp(ctx, key, func(ctx context.Context) error {
		rep := &models.UserReputation{UserID: userID}
		if err := s.getJSON(ctx, key, rep); err != nil {
			return err
		}
		rep.UserID = userID
		rep.Flagged = true
		rep.FraudCount++
		rep.FlaggedAt = at
		if rep.FlagReason != models.ReasonConfirmedFraud || reason == models.ReasonConfirmedFraud {
			rep.FlagReason = reason
		}
		return s.setJSON(ctx, key, rep, s.opts.UserFlagTTL)
	})
}

// FlagIP marks the IP as fraud-associated for the IP flag TTL.
func (s *Store) FlagIP(ctx context.Context, ip string, at time.Time) error {
	key := ipReputationPrefix + ip
	return s.bufferedWriteOp(ctx, key, func(ctx context.Context) error {
		rep := &models.IPReputation{IPAddress: ip}
		if err := s.getJSON(ctx, key, rep); err != nil {
			return err
		}
		rep.IPAddress = ip
		rep.Flagged = true
		rep.FraudCaseCount++
		if rep.FirstSeen.IsZero() {
			rep.FirstSeen = at
		}
		rep.LastSeen = at
		return s.setJSON(ctx, key, rep, s.opts.IPFlagTTL)
	})
}

// RecordTransaction appends the event to the user's rolling velocity window
// and trims entries older than the window. Re-recording the same order is a
// no-op.
func (s *Store) RecordTransaction(ctx context.Context, event *models.TransactionEvent) error {
	key := velocityPrefix + event.UserID
	member := fmt.Sprintf("%s|%s", event.OrderID, strconv.FormatFloat(event.Amount, 'f', -1, 64))
	score := float64(event.Timestamp.UnixNano())
	cutoff := float64(event.Timestamp.Add(-s.opts.VelocityWindow).UnixNano())

	return s.bufferedWriteOp(ctx, key, func(ctx context.Context) error {
		// Dedup keys on the order id alone; a redelivery carrying a drifted
		// amount must not grow the window. Per-user writes arrive serialized
		// through the consumer sharding.
		existing, err := s.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		seen := false
		for _, m := range existing {
			if id, _, ok := strings.Cut(m, "|"); ok && id == event.OrderID {
				seen = true
				break
			}
		}

		pipe := s.client.TxPipeline()
		if !seen {
			pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		}
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", cutoff))
		pipe.Expire(ctx, key, s.opts.VelocityWindow*2)
		_, err = pipe.Exec(ctx)
		return err
	})
}

// GetVelocityWindow returns the user's transactions inside the window ending
// at now, ordered oldest to newest.
func (s *Store) GetVelocityWindow(ctx context.Context, userID string, now time.Time) ([]models.VelocityEntry, error) {
	key := velocityPrefix + userID
	min := strconv.FormatInt(now.Add(-s.opts.VelocityWindow).UnixNano(), 10)
	max := strconv.FormatInt(now.UnixNano(), 10)

	members, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read velocity window: %w", err)
	}

	entries := make([]models.VelocityEntry, 0, len(members))
	for _, z := range members {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		orderID, amountStr, found := strings.Cut(member, "|")
		if !found {
			continue
		}
		amount, err := strconv.ParseFloat(amountStr, 64)
		if err != nil {
			continue
		}
		entries = append(entries, models.VelocityEntry{
			OrderID:   orderID,
			Amount:    amount,
			Timestamp: time.Unix(0, int64(z.Score)).UTC(),
		})
	}
	return entries, nil
}

// MarkManualReview records that the user received a MANUAL_REVIEW decision.
func (s *Store) MarkManualReview(ctx context.Context, userID string, at time.Time) error {
	key := reviewPrefix + userID
	return s.bufferedWriteOp(ctx, key, func(ctx context.Context) error {
		return s.client.Set(ctx, key, at.UTC().Format(time.RFC3339Nano), s.opts.ReviewTTL).Err()
	})
}

// HadRecentManualReview reports whether the user was sent to manual review
// within the review TTL.
func (s *Store) HadRecentManualReview(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, reviewPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check review marker: %w", err)
	}
	return n > 0, nil
}

// PutDecision caches the decision for duplicate-delivery suppression.
func (s *Store) PutDecision(ctx context.Context, record *models.DecisionRecord) error {
	key := dedupPrefix + record.OrderID
	return s.bufferedWriteOp(ctx, key, func(ctx context.Context) error {
		return s.setJSON(ctx, key, record, s.opts.DedupTTL)
	})
}

// GetDecision returns the cached decision for the order, or nil when the
// order has not been decided within the dedup TTL.
func (s *Store) GetDecision(ctx context.Context, orderID string) (*models.DecisionRecord, error) {
	data, err := s.client.Get(ctx, dedupPrefix+orderID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read decision record: %w", err)
	}
	var record models.DecisionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision record: %w", err)
	}
	return &record, nil
}

// LostWrites returns the number of buffered writes dropped under pressure.
func (s *Store) LostWrites() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// BufferedWrites returns the number of writes currently awaiting retry.
func (s *Store) BufferedWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Store) getJSON(ctx context.Context, key string, out interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// bufferedWriteOp applies the write synchronously; when the store is
// unreachable the write is queued for background retry and the caller sees
// success, keeping memory failures soft.
func (s *Store) bufferedWriteOp(ctx context.Context, key string, apply func(ctx context.Context) error) error {
	if err := apply(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.enqueue(bufferedWrite{key: key, apply: apply})
		log.Warn().Err(err).Str("key", key).Msg("Memory write buffered after store failure")
	}
	return nil
}

func (s *Store) enqueue(w bufferedWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) >= s.opts.WriteBufferSize {
		s.buffer = s.buffer[1:]
		s.lost++
	}
	s.buffer = append(s.buffer, w)
}

func (s *Store) flushLoop() {
	defer close(s.flushDone)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.flushStop:
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	pending := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	for i, w := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := w.apply(ctx)
		cancel()
		if err != nil {
			// Store still down; requeue the remainder in order.
			s.mu.Lock()
			s.buffer = append(pending[i:], s.buffer...)
			over := len(s.buffer) - s.opts.WriteBufferSize
			if over > 0 {
				s.buffer = s.buffer[over:]
				s.lost += int64(over)
			}
			s.mu.Unlock()
			return
		}
	}
	if len(pending) > 0 {
		log.Info().Int("count", len(pending)).Msg("Flushed buffered memory writes")
	}
}
