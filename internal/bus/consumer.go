package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/frauddetect/pipeline/configs"
	"github.com/frauddetect/pipeline/internal/models"
)

// Processor runs the per-event pipeline. A non-nil error means the decision
// could not be durably emitted.
type Processor interface {
	Process(ctx context.Context, event *models.TransactionEvent) (*models.DecisionRecord, error)
}

// DeadLetterer routes unprocessable payloads aside.
type DeadLetterer interface {
	PublishDeadLetter(ctx context.Context, payload []byte, reason string) error
}

// Consumer pulls transaction events from the input topic and drives them
// through a bounded worker pool. Offsets are marked only after the processor
// reports a durable result or the payload is dead-lettered.
type Consumer struct {
	group      sarama.ConsumerGroup
	kafka      configs.KafkaConfig
	worker     configs.WorkerConfig
	processor  Processor
	deadletter DeadLetterer
	attached   atomic.Bool
}

// NewConsumer joins the consumer group, retrying while the brokers come up.
func NewConsumer(kafka configs.KafkaConfig, worker configs.WorkerConfig, processor Processor, deadletter DeadLetterer) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	var group sarama.ConsumerGroup
	var err error
	for i := 0; i < kafka.ConnectRetries; i++ {
		group, err = sarama.NewConsumerGroup(kafka.Brokers, kafka.ConsumerGroup, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(kafka.ConnectRetryWait)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to join consumer group after retries: %w", err)
	}

	return &Consumer{
		group:      group,
		kafka:      kafka,
		worker:     worker,
		processor:  processor,
		deadletter: deadletter,
	}, nil
}

// Attached reports whether a consumer-group session is currently live.
func (c *Consumer) Attached() bool {
	return c.attached.Load()
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

// Run consumes until the context is cancelled, rejoining the group on
// rebalances.
func (c *Consumer) Run(ctx context.Context) error {
	log.Info().
		Strs("brokers", c.kafka.Brokers).
		Str("topic", c.kafka.InputTopic).
		Str("group_id", c.kafka.ConsumerGroup).
		Int("workers", c.worker.NumWorkers).
		Bool("shard_by_user", c.worker.ShardByUser).
		Msg("Fraud pipeline consumer started")

	for {
		handler := newHandler(c)
		if err := c.group.Consume(ctx, []string{c.kafka.InputTopic}, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}
		if ctx.Err() != nil {
			log.Info().Msg("Context cancelled, shutting down consumer")
			return ctx.Err()
		}
	}
}

type job struct {
	session sarama.ConsumerGroupSession
	message *sarama.ConsumerMessage
	event   *models.TransactionEvent
}

// handler owns one consumer-group session's worker pool. With user sharding
// enabled each worker gets its own queue and a user's events stay in order;
// otherwise all workers pull from a shared queue.
type handler struct {
	consumer *Consumer
	queues   []chan job
	wg       sync.WaitGroup
}

func newHandler(c *Consumer) *handler {
	return &handler{consumer: c}
}

func (h *handler) Setup(sarama.ConsumerGroupSession) error {
	workers := h.consumer.worker.NumWorkers
	if workers <= 0 {
		workers = 1
	}

	if h.consumer.worker.ShardByUser {
		h.queues = make([]chan job, workers)
		capacity := h.consumer.worker.QueueCapacity / workers
		if capacity < 1 {
			capacity = 1
		}
		for i := range h.queues {
			h.queues[i] = make(chan job, capacity)
		}
	} else {
		h.queues = []chan job{make(chan job, h.consumer.worker.QueueCapacity)}
	}

	for i := 0; i < workers; i++ {
		queue := h.queues[0]
		if h.consumer.worker.ShardByUser {
			queue = h.queues[i]
		}
		h.wg.Add(1)
		go h.work(queue)
	}

	h.consumer.attached.Store(true)
	log.Info().Int("workers", workers).Msg("Consumer session started")
	return nil
}

func (h *handler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.attached.Store(false)
	for _, q := range h.queues {
		close(q)
	}
	h.wg.Wait()
	log.Info().Msg("Consumer session ended")
	return nil
}

func (h *handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.dispatch(session, message)
		case <-session.Context().Done():
			return nil
		}
	}
}

// dispatch parses and routes one message. Unparsable payloads go straight to
// the dead-letter topic; a full queue blocks here, which pauses polling and
// applies back-pressure to the broker.
func (h *handler) dispatch(session sarama.ConsumerGroupSession, message *sarama.ConsumerMessage) {
	var event models.TransactionEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		log.Error().Err(err).Msg("Unparsable event payload")
		if dlErr := h.consumer.deadletter.PublishDeadLetter(session.Context(), message.Value, "unparsable_payload: "+err.Error()); dlErr != nil {
			log.Error().Err(dlErr).Msg("Failed to dead-letter payload, leaving offset unmarked")
			return
		}
		session.MarkMessage(message, "")
		return
	}

	queue := h.queues[0]
	if h.consumer.worker.ShardByUser {
		queue = h.queues[shard(event.UserID, len(h.queues))]
	}

	select {
	case queue <- job{session: session, message: message, event: &event}:
	case <-session.Context().Done():
	}
}

func (h *handler) work(queue chan job) {
	defer h.wg.Done()
	for j := range queue {
		h.process(j)
	}
}

func (h *handler) process(j job) {
	ctx := j.session.Context()
	if _, err := h.consumer.processor.Process(ctx, j.event); err != nil {
		log.Error().Err(err).Str("order_id", j.event.OrderID).Msg("Pipeline failed to emit decision")
		if dlErr := h.consumer.deadletter.PublishDeadLetter(ctx, j.message.Value, "emit_failed: "+err.Error()); dlErr != nil {
			// Neither the decision nor the dead letter is durable; leave the
			// offset unmarked so the event is redelivered.
			log.Error().Err(dlErr).Str("order_id", j.event.OrderID).Msg("Failed to dead-letter event")
			return
		}
	}
	j.session.MarkMessage(j.message, "")
}

func shard(userID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}
