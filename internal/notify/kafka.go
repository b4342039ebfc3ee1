// Package notify delivers alert and anomaly notifications to external
// consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"fleet-monitor/gateway/internal/config"
	"fleet-monitor/gateway/internal/domain"
)

type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaPublisher(cfg *config.Config) (*KafkaPublisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &KafkaPublisher{writer: w, topic: cfg.KafkaTopic}, nil
}

// Publish writes n keyed by vehicle so one vehicle's notifications stay in
// order on a single partition.
func (p *KafkaPublisher) Publish(ctx context.Context, n *domain.Notification) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka publisher not initialized")
	}
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(n.TenantID + "/" + n.VehicleID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
			{Key: "tenant_id", Value: []byte(n.TenantID)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
