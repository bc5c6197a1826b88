// Command dlq-reprocess перечитывает dead letter topic checkout-сервиса и
// возвращает сообщения в исходные topics. По умолчанию работает в dry-run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/app"
	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

var errBrokersRequired = errors.New("kafka brokers are required (-brokers or CHECKOUT_KAFKA_BROKERS)")

type config struct {
	brokers     []string
	sourceTopic string
	eventsTopic string
	eventTypes  map[string]struct{}
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// accepts применяет фильтр -event-types. Сообщения consumer-а без типа проходят всегда.
func (c config) accepts(msg replayMessage) bool {
	if len(c.eventTypes) == 0 || msg.eventType == "" {
		return true
	}
	_, ok := c.eventTypes[msg.eventType]
	return ok
}

func (c config) mode() string {
	if c.execute {
		return "execute"
	}
	return "dry-run"
}

func parseConfig(args []string, lookup app.EnvLookup) (config, error) {
	base, _, err := app.LoadConfig(lookup)
	if err != nil {
		return config{}, err
	}

	var (
		cfg        config
		brokersRaw string
		typesRaw   string
	)
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: CHECKOUT_KAFKA_BROKERS)")
	fs.StringVar(&cfg.sourceTopic, "source-topic", base.KafkaDLQTopic, "DLQ source topic")
	fs.StringVar(&cfg.eventsTopic, "events-topic", base.KafkaEventsTopic, "target topic for outbox dead letters")
	fs.StringVar(&typesRaw, "event-types", "", "replay only these outbox event types (comma-separated)")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan/replay")
	fs.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.brokers = parseList(brokersRaw)
	if len(cfg.brokers) == 0 {
		cfg.brokers = base.KafkaBrokers
	}
	if types := parseList(typesRaw); len(types) > 0 {
		cfg.eventTypes = make(map[string]struct{}, len(types))
		for _, eventType := range types {
			cfg.eventTypes[eventType] = struct{}{}
		}
	}
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.eventsTopic = strings.TrimSpace(cfg.eventsTopic)

	switch {
	case len(cfg.brokers) == 0:
		return config{}, errBrokersRequired
	case cfg.sourceTopic == "":
		return config{}, errors.New("source-topic is required")
	case cfg.eventsTopic == "":
		return config{}, errors.New("events-topic is required")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

func parseList(raw string) []string {
	var items []string
	for _, chunk := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(chunk); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// dependencies хранит подключения к Kafka; close закрывает их в обратном порядке.
type dependencies struct {
	client    offsetClient
	source    partitionSource
	publisher replayPublisher
	closers   []func() error
}

func (d dependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

var openDependencies = func(cfg config) (dependencies, error) {
	var deps dependencies

	clientConfig := sarama.NewConfig()
	clientConfig.Consumer.Return.Errors = true
	client, err := sarama.NewClient(cfg.brokers, clientConfig)
	if err != nil {
		return deps, fmt.Errorf("create kafka client: %w", err)
	}
	deps.client = client
	deps.closers = append(deps.closers, client.Close)

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		deps.close()
		return dependencies{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps.source = saramaSource{consumer: consumer}
	deps.closers = append(deps.closers, consumer.Close)

	if cfg.execute {
		producer, err := kafka.NewProducer(cfg.brokers, kafka.WithClientID("checkout-dlq-reprocess"))
		if err != nil {
			deps.close()
			return dependencies{}, err
		}
		deps.publisher = producer
		deps.closers = append(deps.closers, producer.Close)
	}
	return deps, nil
}

func main() {
	_ = godotenv.Load()
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, log.WithField("component", "dlq-reprocess")); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func run(ctx context.Context, args []string, lookup app.EnvLookup, logger *log.Entry) error {
	cfg, err := parseConfig(args, lookup)
	if err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"events_topic": cfg.eventsTopic,
		"limit":        cfg.limit,
		"mode":         cfg.mode(),
		"from_newest":  cfg.fromNewest,
	}).Info("starting dlq replay")

	deps, err := openDependencies(cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	r := &replayer{
		cfg:       cfg,
		client:    deps.client,
		source:    deps.source,
		publisher: deps.publisher,
		logger:    logger,
		now:       time.Now,
	}
	stats, err := r.run(ctx)
	logger.WithFields(log.Fields{
		"mode":      cfg.mode(),
		"processed": stats.processed,
		"replayed":  stats.replayed,
		"skipped":   stats.skipped,
	}).Info("dlq replay finished")
	return err
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
