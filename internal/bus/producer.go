package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/frauddetect/pipeline/configs"
	"github.com/frauddetect/pipeline/internal/models"
)

// Producer publishes decision records and dead-lettered events.
type Producer struct {
	producer sarama.SyncProducer
	cfg      configs.KafkaConfig
}

// NewProducer connects a synchronous producer, retrying while the brokers
// come up.
func NewProducer(cfg configs.KafkaConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V3_0_0_0

	var producer sarama.SyncProducer
	var err error
	for i := 0; i < cfg.ConnectRetries; i++ {
		producer, err = sarama.NewSyncProducer(cfg.Brokers, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect Kafka producer, retrying...")
		time.Sleep(cfg.ConnectRetryWait)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer after retries: %w", err)
	}

	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.OutputTopic).Msg("Kafka producer connected")
	return &Producer{producer: producer, cfg: cfg}, nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}

// PublishDecision emits the record to the decisions topic, keyed by user so
// downstream consumers see one user's decisions in partition order.
func (p *Producer) PublishDecision(ctx context.Context, record *models.DecisionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal decision record: %w", err)
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.cfg.OutputTopic,
		Key:   sarama.StringEncoder(record.UserID),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("failed to publish decision for %s: %w", record.OrderID, err)
	}
	return nil
}

// deadLetter wraps an unprocessable payload with its failure reason.
type deadLetter struct {
	Reason   string          `json:"reason"`
	Payload  json.RawMessage `json:"payload"`
	FailedAt time.Time       `json:"failed_at"`
}

// PublishDeadLetter routes a payload that could not be processed to the
// dead-letter topic with the error attached.
func (p *Producer) PublishDeadLetter(ctx context.Context, payload []byte, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(deadLetter{
		Reason:   reason,
		Payload:  json.RawMessage(payload),
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		// The payload itself may not be valid JSON; ship it raw.
		value, _ = json.Marshal(deadLetter{
			Reason:   reason,
			Payload:  json.RawMessage(fmt.Sprintf("%q", payload)),
			FailedAt: time.Now().UTC(),
		})
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.cfg.DeadLetterTopic,
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}
	log.Warn().Str("reason", reason).Msg("Event dead-lettered")
	return nil
}
