package repository

import (
	"context"

	"CandleFlow/internal/domain/models"
	"CandleFlow/internal/domain/repository"
	pkgkafka "CandleFlow/pkg/kafka"
)

// KafkaCandlePublisher implements CandlePublisher for Kafka. Messages are
// keyed by series so one partition sees a series in order.
type KafkaCandlePublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

// NewKafkaCandlePublisher creates Kafka publisher.
func NewKafkaCandlePublisher(producer *pkgkafka.Producer, topic string) repository.CandlePublisher {
	return &KafkaCandlePublisher{producer: producer, topic: topic}
}

func (p *KafkaCandlePublisher) PublishCandle(ctx context.Context, ev models.CandleEvent) error {
	return p.producer.Publish(ctx, p.topic, []byte(ev.Key.String()), ev)
}

// PublishCandles sends several events in one write.
func (p *KafkaCandlePublisher) PublishCandles(ctx context.Context, evs []models.CandleEvent) error {
	if len(evs) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, len(evs))
	for i, ev := range evs {
		msgs[i] = pkgkafka.Message{Key: []byte(ev.Key.String()), Value: ev}
	}
	return p.producer.PublishBatch(ctx, p.topic, msgs)
}

func (p *KafkaCandlePublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
