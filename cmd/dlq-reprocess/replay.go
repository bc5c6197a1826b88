package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
}

// replayPublisher выделяет часть kafka.Producer, которой достаточно для повторной публикации.
type replayPublisher interface {
	PublishRaw(topic string, key string, value []byte, headers ...sarama.RecordHeader) error
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *replayStats) add(other replayStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

type replayer struct {
	cfg       config
	client    offsetClient
	source    partitionSource
	publisher replayPublisher
	logger    *log.Entry
	now       func() time.Time
}

// run обходит партиции source topic по возрастанию, пока не наберёт limit сообщений.
func (r *replayer) run(ctx context.Context) (replayStats, error) {
	var total replayStats
	if r.client == nil || r.source == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.cfg.execute && r.publisher == nil {
		return total, errors.New("publisher is required in execute mode")
	}

	partitions, err := r.client.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", r.cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		r.logger.WithField("topic", r.cfg.sourceTopic).Warn("source topic has no partitions")
		return total, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		remaining := r.cfg.limit - total.processed
		if remaining <= 0 {
			break
		}
		stats, err := r.partition(ctx, partition, remaining)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// partition читает сообщения, существовавшие на момент старта, и выходит по простою.
func (r *replayer) partition(ctx context.Context, partition int32, limit int) (replayStats, error) {
	var stats replayStats

	oldest, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if r.cfg.fromNewest {
		start = max(newest-int64(limit), oldest)
	}

	pc, err := r.source.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case consumerErr, ok := <-pc.Errors():
			if ok && consumerErr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, consumerErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			idle.Reset(r.cfg.idleTimeout)

			stats.processed++
			if err := r.handle(msg, &stats); err != nil {
				return stats, err
			}
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage, stats *replayStats) error {
	fields := log.Fields{"partition": msg.Partition, "offset": msg.Offset}

	replay, err := decodeDeadLetter(msg, r.cfg.eventsTopic, r.now())
	if err != nil {
		stats.skipped++
		r.logger.WithError(err).WithFields(fields).Warn("skip unsupported dlq message")
		return nil
	}
	if !r.cfg.accepts(replay) {
		stats.skipped++
		return nil
	}

	fields["target_topic"] = replay.topic
	fields["key"] = replay.key
	fields["event_type"] = replay.eventType
	if !r.cfg.execute {
		stats.replayed++
		r.logger.WithFields(fields).Info("dlq replay candidate")
		return nil
	}

	if err := r.publisher.PublishRaw(replay.topic, replay.key, replay.value, replay.headers()...); err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	stats.replayed++
	r.logger.WithFields(fields).Debug("dlq message replayed")
	return nil
}
