package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/frauddetect/pipeline/configs"
	"github.com/frauddetect/pipeline/internal/models"
)

// loadgen publishes synthetic transaction mixes to the input topic so the
// pipeline can be smoke-tested end to end.
func main() {
	_ = godotenv.Load()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	scenario := flag.String("scenario", "mixed", "scenario to publish: clean, rapid-fire, card-testing, geo-mismatch, mixed")
	count := flag.Int("count", 100, "number of events to publish")
	delay := flag.Duration("delay", 100*time.Millisecond, "delay between events")
	flag.Parse()

	cfg := configs.Load()

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Version = sarama.V3_0_0_0

	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect producer")
	}
	defer producer.Close()

	log.Info().
		Str("scenario", *scenario).
		Int("count", *count).
		Str("topic", cfg.Kafka.InputTopic).
		Msg("Publishing synthetic transactions")

	for i := 0; i < *count; i++ {
		event := generate(*scenario, i)
		value, err := json.Marshal(event)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to marshal event")
		}
		_, _, err = producer.SendMessage(&sarama.ProducerMessage{
			Topic: cfg.Kafka.InputTopic,
			Key:   sarama.StringEncoder(event.UserID),
			Value: sarama.ByteEncoder(value),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to publish event")
		}
		time.Sleep(*delay)
	}

	log.Info().Int("published", *count).Msg("Done")
}

func generate(scenario string, i int) *models.TransactionEvent {
	if scenario == "mixed" {
		scenarios := []string{"clean", "rapid-fire", "card-testing", "geo-mismatch"}
		scenario = scenarios[rand.Intn(len(scenarios))]
	}

	event := &models.TransactionEvent{
		OrderID:         uuid.NewString(),
		IPAddress:       fmt.Sprintf("198.51.100.%d", rand.Intn(254)+1),
		Timestamp:       time.Now().UTC(),
		PaymentMethod:   models.PaymentCreditCard,
		Currency:        "USD",
		ShippingCountry: "US",
		BillingCountry:  "US",
	}

	switch scenario {
	case "rapid-fire":
		// Same user hammers orders; every third event completes a burst.
		event.UserID = fmt.Sprintf("burst-user-%d", i/4)
		event.Amount = 50
		event.AccountAgeDays = 120
	case "card-testing":
		event.UserID = fmt.Sprintf("tester-%d", i/4)
		event.Amount = float64(rand.Intn(400)+50) / 100
		event.AccountAgeDays = 2
	case "geo-mismatch":
		event.UserID = "geo-" + uuid.NewString()[:8]
		event.Amount = float64(rand.Intn(1500) + 500)
		event.AccountAgeDays = rand.Float64()
		event.ShippingCountry = "NG"
	default: // clean
		event.UserID = "user-" + uuid.NewString()[:8]
		event.Amount = float64(rand.Intn(200) + 10)
		event.AccountAgeDays = float64(rand.Intn(900) + 30)
	}
	return event
}
