package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/app"
	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/checkout/internal/service/outbox"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "dlq-reprocess-test")
}

func lookupFrom(values map[string]string) app.EnvLookup {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func paymentDeadMessage(t *testing.T, orderID string) []byte {
	t.Helper()
	raw, err := json.Marshal(kafka.DeadMessage{
		OriginalTopic: kafka.TopicPaymentsConfirmed,
		OriginalKey:   orderID,
		OriginalValue: fmt.Sprintf(`{"order_id":%q,"transaction_id":"tx-1"}`, orderID),
		ErrorMessage:  "transaction aborted",
		RetryCount:    3,
	})
	if err != nil {
		t.Fatalf("marshal dead message: %v", err)
	}
	return raw
}

func outboxDeadLetter(t *testing.T, eventType string, payload json.RawMessage) []byte {
	t.Helper()
	letter, err := json.Marshal(outbox.DeadLetter{
		OutboxID:      "outbox-1",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-7",
		EventType:     eventType,
		Payload:       payload,
		PublishError:  "broker down",
	})
	if err != nil {
		t.Fatalf("marshal dead letter: %v", err)
	}
	raw, err := json.Marshal(kafka.Envelope{
		ID:            "outbox-1",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-7",
		EventType:     eventType,
		Payload:       letter,
		OccurredAt:    fixedNow.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func TestDecodeDeadLetter_PaymentMessage(t *testing.T) {
	got, err := decodeDeadLetter(&sarama.ConsumerMessage{Value: paymentDeadMessage(t, "order-1")}, kafka.TopicOrderEvents, fixedNow)
	if err != nil {
		t.Fatalf("decodeDeadLetter: %v", err)
	}
	if got.topic != kafka.TopicPaymentsConfirmed || got.key != "order-1" || got.eventType != "" {
		t.Fatalf("unexpected replay: %+v", got)
	}
	if string(got.value) != `{"order_id":"order-1","transaction_id":"tx-1"}` {
		t.Fatalf("original value must be replayed as is: %s", got.value)
	}
	if got.headers() != nil {
		t.Fatalf("payment replay must not carry event type header")
	}
}

func TestDecodeDeadLetter_OutboxEvent(t *testing.T) {
	raw := outboxDeadLetter(t, domain.EventOrderCommitted, json.RawMessage(`{"status":"pending"}`))

	got, err := decodeDeadLetter(&sarama.ConsumerMessage{Value: raw}, "events", fixedNow)
	if err != nil {
		t.Fatalf("decodeDeadLetter: %v", err)
	}
	if got.topic != "events" || got.key != "order-7" || got.eventType != domain.EventOrderCommitted {
		t.Fatalf("unexpected replay: %+v", got)
	}

	var envelope kafka.Envelope
	if err := json.Unmarshal(got.value, &envelope); err != nil {
		t.Fatalf("replay value must be an envelope: %v", err)
	}
	if envelope.ID != "outbox-1" || string(envelope.Payload) != `{"status":"pending"}` {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if !envelope.PublishedAt.Equal(fixedNow) || !envelope.OccurredAt.Equal(fixedNow.Add(-time.Hour)) {
		t.Fatalf("unexpected timestamps: occurred=%s published=%s", envelope.OccurredAt, envelope.PublishedAt)
	}

	headers := got.headers()
	if len(headers) != 1 || string(headers[0].Key) != kafka.HeaderEventType || string(headers[0].Value) != domain.EventOrderCommitted {
		t.Fatalf("unexpected headers: %+v", headers)
	}
}

func TestDecodeDeadLetter_Errors(t *testing.T) {
	tests := []struct {
		name    string
		value   []byte
		wantErr string
	}{
		{name: "not json", value: []byte("garbage"), wantErr: errNotReplayable.Error()},
		{name: "envelope without payload", value: []byte(`{"id":"x"}`), wantErr: errNotReplayable.Error()},
		{name: "nested payload is not an object", value: []byte(`{"id":"x","payload":"text"}`), wantErr: "decode outbox dead letter"},
		{name: "nested payload without original", value: outboxDeadLetter(t, domain.EventOrderCommitted, nil), wantErr: "no original payload"},
		{name: "dead message without topic", value: []byte(`{"original_value":"{}"}`), wantErr: "no original topic"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeDeadLetter(&sarama.ConsumerMessage{Value: tc.value}, "events", fixedNow)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestParseConfig(t *testing.T) {
	t.Run("flags", func(t *testing.T) {
		cfg, err := parseConfig([]string{
			"-brokers= b1:9092, ,b2:9092 ",
			"-source-topic=dlq",
			"-events-topic=events",
			"-event-types=order.committed, order.paid",
			"-limit=5",
			"-execute",
			"-from-newest",
			"-idle-timeout=1s",
		}, lookupFrom(nil))
		if err != nil {
			t.Fatalf("parseConfig: %v", err)
		}
		if strings.Join(cfg.brokers, ",") != "b1:9092,b2:9092" {
			t.Fatalf("unexpected brokers: %v", cfg.brokers)
		}
		if cfg.sourceTopic != "dlq" || cfg.eventsTopic != "events" || cfg.limit != 5 || !cfg.execute || !cfg.fromNewest || cfg.idleTimeout != time.Second {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if len(cfg.eventTypes) != 2 || cfg.mode() != "execute" {
			t.Fatalf("unexpected event types or mode: %+v", cfg)
		}
	})

	t.Run("env fallback", func(t *testing.T) {
		cfg, err := parseConfig(nil, lookupFrom(map[string]string{
			"CHECKOUT_KAFKA_BROKERS":   "env-broker:9092",
			"CHECKOUT_KAFKA_DLQ_TOPIC": "env.dlq",
		}))
		if err != nil {
			t.Fatalf("parseConfig: %v", err)
		}
		if len(cfg.brokers) != 1 || cfg.brokers[0] != "env-broker:9092" {
			t.Fatalf("unexpected brokers: %v", cfg.brokers)
		}
		if cfg.sourceTopic != "env.dlq" || cfg.eventsTopic != kafka.TopicOrderEvents {
			t.Fatalf("unexpected topics: %s %s", cfg.sourceTopic, cfg.eventsTopic)
		}
		if cfg.limit != defaultReplayLimit || cfg.idleTimeout != defaultIdleTimeout || cfg.mode() != "dry-run" {
			t.Fatalf("unexpected defaults: %+v", cfg)
		}
	})

	errorCases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "no brokers", args: nil, wantErr: "kafka brokers are required"},
		{name: "empty source", args: []string{"-brokers=b:9092", "-source-topic= "}, wantErr: "source-topic"},
		{name: "empty events", args: []string{"-brokers=b:9092", "-events-topic="}, wantErr: "events-topic"},
		{name: "zero limit", args: []string{"-brokers=b:9092", "-limit=0"}, wantErr: "limit"},
		{name: "zero idle", args: []string{"-brokers=b:9092", "-idle-timeout=0s"}, wantErr: "idle-timeout"},
		{name: "unknown flag", args: []string{"-target-topic=x"}, wantErr: "flag provided but not defined"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseConfig(tc.args, lookupFrom(nil))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestConfigAccepts(t *testing.T) {
	cfg := config{eventTypes: map[string]struct{}{domain.EventOrderCommitted: {}}}
	if !cfg.accepts(replayMessage{eventType: domain.EventOrderCommitted}) {
		t.Fatal("listed event type must be accepted")
	}
	if cfg.accepts(replayMessage{eventType: "order.paid"}) {
		t.Fatal("unlisted event type must be skipped")
	}
	if !cfg.accepts(replayMessage{}) {
		t.Fatal("messages without event type are always accepted")
	}
	if !(config{}).accepts(replayMessage{eventType: "anything"}) {
		t.Fatal("empty filter accepts everything")
	}
}

func newTestReplayer(cfg config, client offsetClient, source partitionSource, publisher replayPublisher) *replayer {
	if cfg.sourceTopic == "" {
		cfg.sourceTopic = "checkout.dlq"
	}
	if cfg.eventsTopic == "" {
		cfg.eventsTopic = kafka.TopicOrderEvents
	}
	if cfg.idleTimeout == 0 {
		cfg.idleTimeout = 20 * time.Millisecond
	}
	if cfg.limit == 0 {
		cfg.limit = 10
	}
	return &replayer{
		cfg:       cfg,
		client:    client,
		source:    source,
		publisher: publisher,
		logger:    testLogger(),
		now:       func() time.Time { return fixedNow },
	}
}

func TestReplayerPartition_DryRun(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	source := &stubPartitionSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer([]*sarama.ConsumerMessage{
			{Partition: 0, Offset: 0, Value: paymentDeadMessage(t, "order-1")},
			{Partition: 0, Offset: 1, Value: []byte("garbage")},
		}),
	}}

	stats, err := newTestReplayer(config{}, client, source, nil).partition(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	if stats != (replayStats{processed: 2, replayed: 1, skipped: 1}) {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(source.calls) != 1 || source.calls[0].offset != 0 {
		t.Fatalf("unexpected consume calls: %+v", source.calls)
	}
}

func TestReplayerPartition_FromNewest(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 3, newest: 10}}}
	source := &stubPartitionSource{consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(nil)}}

	if _, err := newTestReplayer(config{fromNewest: true}, client, source, nil).partition(context.Background(), 0, 2); err != nil {
		t.Fatalf("partition: %v", err)
	}
	if len(source.calls) != 1 || source.calls[0].offset != 8 {
		t.Fatalf("expected start offset 8, got %+v", source.calls)
	}

	source = &stubPartitionSource{consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(nil)}}
	if _, err := newTestReplayer(config{fromNewest: true}, client, source, nil).partition(context.Background(), 0, 50); err != nil {
		t.Fatalf("partition: %v", err)
	}
	if source.calls[0].offset != 3 {
		t.Fatalf("start offset must not go below oldest, got %d", source.calls[0].offset)
	}
}

func TestReplayerPartition_ExecutePublishesThroughProducer(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != kafka.TopicOrderEvents {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "order-7" {
			return errors.New("unexpected key " + string(key))
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != domain.EventOrderCommitted {
			return errors.New("event type header is missing")
		}
		return nil
	})
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != kafka.TopicPaymentsConfirmed {
			return errors.New("unexpected topic " + msg.Topic)
		}
		return nil
	})
	producer := kafka.NewProducerFromSync(mockProducer, testLogger())

	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 3}}}
	source := &stubPartitionSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer([]*sarama.ConsumerMessage{
			{Partition: 0, Offset: 0, Value: outboxDeadLetter(t, domain.EventOrderCommitted, json.RawMessage(`{"status":"pending"}`))},
			{Partition: 0, Offset: 1, Value: outboxDeadLetter(t, "order.paid", json.RawMessage(`{"status":"paid"}`))},
			{Partition: 0, Offset: 2, Value: paymentDeadMessage(t, "order-2")},
		}),
	}}

	cfg := config{execute: true, eventTypes: map[string]struct{}{domain.EventOrderCommitted: {}}}
	stats, err := newTestReplayer(cfg, client, source, producer).partition(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	if stats != (replayStats{processed: 3, replayed: 2, skipped: 1}) {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("close producer: %v", err)
	}
}

func TestReplayerPartition_ErrorBranches(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	cfg := config{execute: true}

	offsetErr := &stubOffsetClient{offsetErr: map[int32]error{0: errors.New("offset")}}
	if _, err := newTestReplayer(cfg, offsetErr, &stubPartitionSource{}, &stubPublisher{}).partition(context.Background(), 0, 1); err == nil {
		t.Fatal("expected offset error")
	}

	consumeErr := &stubPartitionSource{consumeErr: errors.New("consume")}
	if _, err := newTestReplayer(cfg, client, consumeErr, &stubPublisher{}).partition(context.Background(), 0, 1); err == nil {
		t.Fatal("expected consume error")
	}

	withErr := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError, 1),
	}
	withErr.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	source := &stubPartitionSource{consumers: map[int32]partitionConsumer{0: withErr}}
	if _, err := newTestReplayer(cfg, client, source, &stubPublisher{}).partition(context.Background(), 0, 1); err == nil {
		t.Fatal("expected consumer error")
	}
	if !withErr.closed {
		t.Fatal("partition consumer must be closed")
	}

	source = &stubPartitionSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Offset: 0, Value: paymentDeadMessage(t, "order-1")}}),
	}}
	if _, err := newTestReplayer(cfg, client, source, &stubPublisher{err: errors.New("send fail")}).partition(context.Background(), 0, 1); err == nil {
		t.Fatal("expected publish error")
	}

	empty := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 5, newest: 5}}}
	stats, err := newTestReplayer(cfg, empty, &stubPartitionSource{}, &stubPublisher{}).partition(context.Background(), 0, 1)
	if err != nil || stats.processed != 0 {
		t.Fatalf("empty partition must be skipped: stats=%+v err=%v", stats, err)
	}
}

func TestReplayerPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}

	idle := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError)}
	source := &stubPartitionSource{consumers: map[int32]partitionConsumer{0: idle}}
	stats, err := newTestReplayer(config{idleTimeout: 10 * time.Millisecond}, client, source, nil).partition(context.Background(), 0, 1)
	if err != nil || stats.processed != 0 {
		t.Fatalf("idle partition: stats=%+v err=%v", stats, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocked := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError)}
	source = &stubPartitionSource{consumers: map[int32]partitionConsumer{0: blocked}}
	if _, err := newTestReplayer(config{idleTimeout: time.Minute}, client, source, nil).partition(ctx, 0, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestReplayerRun(t *testing.T) {
	if _, err := newTestReplayer(config{}, nil, nil, nil).run(context.Background()); err == nil {
		t.Fatal("expected missing dependencies error")
	}
	if _, err := newTestReplayer(config{execute: true}, &stubOffsetClient{}, &stubPartitionSource{}, nil).run(context.Background()); err == nil {
		t.Fatal("expected missing publisher error")
	}

	partitionsErr := &stubOffsetClient{partitionsErr: errors.New("metadata")}
	if _, err := newTestReplayer(config{}, partitionsErr, &stubPartitionSource{}, nil).run(context.Background()); err == nil {
		t.Fatal("expected partitions error")
	}

	stats, err := newTestReplayer(config{}, &stubOffsetClient{}, &stubPartitionSource{}, nil).run(context.Background())
	if err != nil || stats.processed != 0 {
		t.Fatalf("topic without partitions: stats=%+v err=%v", stats, err)
	}

	client := &stubOffsetClient{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 1},
			2: {oldest: 0, newest: 1},
		},
	}
	source := &stubPartitionSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: paymentDeadMessage(t, "order-1")}}),
		2: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 2, Offset: 0, Value: paymentDeadMessage(t, "order-2")}}),
	}}
	stats, err = newTestReplayer(config{limit: 1}, client, source, nil).run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.processed != 1 || len(source.calls) != 1 || source.calls[0].partition != 0 {
		t.Fatalf("limit must stop after the lowest partition: stats=%+v calls=%+v", stats, source.calls)
	}
}

func TestRun_UsesDependencies(t *testing.T) {
	oldOpen := openDependencies
	t.Cleanup(func() { openDependencies = oldOpen })

	args := []string{"-brokers=broker:9092", "-limit=1", "-idle-timeout=50ms"}

	openDependencies = func(config) (dependencies, error) {
		return dependencies{}, errors.New("deps failed")
	}
	if err := run(context.Background(), args, lookupFrom(nil), testLogger()); err == nil || !strings.Contains(err.Error(), "deps failed") {
		t.Fatalf("expected deps error, got %v", err)
	}

	var closed []string
	openDependencies = func(cfg config) (dependencies, error) {
		if cfg.execute {
			t.Fatal("dry-run must not request a publisher")
		}
		return dependencies{
			client: &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}},
			source: &stubPartitionSource{consumers: map[int32]partitionConsumer{
				0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Offset: 0, Value: paymentDeadMessage(t, "order-1")}}),
			}},
			closers: []func() error{
				func() error { closed = append(closed, "client"); return nil },
				func() error { closed = append(closed, "consumer"); return nil },
			},
		}, nil
	}
	if err := run(context.Background(), args, lookupFrom(nil), testLogger()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(closed, ",") != "consumer,client" {
		t.Fatalf("dependencies must be closed in reverse order, got %v", closed)
	}

	if err := run(context.Background(), nil, lookupFrom(nil), testLogger()); !errors.Is(err, errBrokersRequired) {
		t.Fatalf("expected brokers error, got %v", err)
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_TEST_FAIL_EXIT") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}
	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
}

func (s *stubPartitionSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
	closed   bool
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error {
	s.closed = true
	return nil
}

func closedPartitionConsumer(messages []*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	// Канал ошибок не закрываем: закрытый канал выигрывал бы select у буферизованных сообщений.
	return &stubPartitionConsumer{messages: msgCh, errors: make(chan *sarama.ConsumerError)}
}

type stubPublisher struct {
	err   error
	calls int
}

func (s *stubPublisher) PublishRaw(string, string, []byte, ...sarama.RecordHeader) error {
	s.calls++
	return s.err
}
