package kafka

import (
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
)

func TestProducer_PublishEvent(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(mockProducer, log.WithField("component", "kafka-producer-test"))

	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var event PaymentConfirmedEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		if event.OrderID != "order-123" {
			t.Errorf("unexpected order id %q", event.OrderID)
		}
		return nil
	})

	err := producer.PublishEvent(TopicPaymentsConfirmed, "order-123", PaymentConfirmedEvent{
		OrderID:       "order-123",
		TransactionID: "tx-1",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishEvent_Error(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(mockProducer, nil)

	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	if err := producer.PublishEvent(TopicOrderEvents, "order-123", map[string]string{"a": "b"}); err == nil {
		t.Fatal("expected error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishEvent_MarshalError(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(mockProducer, nil)

	if err := producer.PublishEvent(TopicOrderEvents, "k", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestParsePaymentConfirmed(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
		want    PaymentConfirmedEvent
	}{
		{name: "valid", value: `{"order_id":" o-1 ","transaction_id":"tx-9"}`, want: PaymentConfirmedEvent{OrderID: "o-1", TransactionID: "tx-9"}},
		{name: "missing order", value: `{"transaction_id":"tx-9"}`, wantErr: true},
		{name: "broken json", value: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePaymentConfirmed(&sarama.ConsumerMessage{Value: []byte(tt.value)})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("unexpected event: %+v", got)
			}
		})
	}
}

func TestNewProducerConfig(t *testing.T) {
	cfg := newProducerConfig()
	if cfg.ClientID != defaultClientID {
		t.Fatalf("client id = %q", cfg.ClientID)
	}
	if !cfg.Producer.Idempotent || cfg.Net.MaxOpenRequests != 1 {
		t.Fatal("producer must be idempotent with a single in-flight request")
	}
	if cfg.Producer.RequiredAcks != sarama.WaitForAll || !cfg.Producer.Return.Successes {
		t.Fatal("sync producer must wait for all replicas")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}

	custom := newProducerConfig(WithClientID("dlq-reprocess"), WithSendRetries(2), WithClientID(""))
	if custom.ClientID != "dlq-reprocess" || custom.Producer.Retry.Max != 2 {
		t.Fatalf("options not applied: client=%q retries=%d", custom.ClientID, custom.Producer.Retry.Max)
	}
}
