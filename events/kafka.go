/*
Package events publishes committed ledger transactions to Kafka.

Every earned, spent, expired or adjusted row is published once after its
storage transaction commits. Messages are keyed by global customer id, so a
consumer sees one customer's transactions in order on one partition.

Publishing is best effort: the ledger row is the system of record and the
service only logs a failed publish.
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/points"
)

// TransactionEvent is the JSON payload of one message.
type TransactionEvent struct {
	TransactionID    string     `json:"transaction_id"`
	GlobalCustomerID string     `json:"global_customer_id"`
	Type             string     `json:"transaction_type"`
	EarningStoreID   string     `json:"earning_store_id,omitempty"`
	RedeemingStoreID string     `json:"redeeming_store_id,omitempty"`
	Points           int64      `json:"points"`
	PointsValue      string     `json:"points_value"`
	InvoiceNumber    string     `json:"invoice_number,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	AvailablePoints  int64      `json:"available_points"`
	TotalPoints      int64      `json:"total_points"`
}

// NewTransactionEvent flattens a service event into its wire form.
func NewTransactionEvent(e points.Event) TransactionEvent {
	tx := e.Transaction
	return TransactionEvent{
		TransactionID:    string(tx.ID),
		GlobalCustomerID: string(tx.GlobalCustomerID),
		Type:             string(tx.Type),
		EarningStoreID:   string(tx.EarningStoreID),
		RedeemingStoreID: string(tx.RedeemingStoreID),
		Points:           tx.Points,
		PointsValue:      tx.PointsValue.StringFixed(2),
		InvoiceNumber:    tx.InvoiceNumber,
		ExpiresAt:        tx.ExpiresAt,
		CreatedAt:        tx.CreatedAt,
		AvailablePoints:  e.Balance.AvailablePoints,
		TotalPoints:      e.Balance.TotalPoints,
	}
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher implements points.EventPublisher.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	log     logrus.FieldLogger
}

var _ points.EventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher writes to topic on the given brokers.
func NewKafkaPublisher(brokers []string, topic string, log logrus.FieldLogger) *KafkaPublisher {
	return newPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}, log)
}

func newPublisher(w messageWriter, log logrus.FieldLogger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, timeout: 5 * time.Second, log: log}
}

// Publish writes one message keyed by the customer's global id.
func (p *KafkaPublisher) Publish(ctx context.Context, e points.Event) error {
	value, err := json.Marshal(NewTransactionEvent(e))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(e.Transaction.GlobalCustomerID),
		Value: value,
		Time:  e.Transaction.CreatedAt,
		Headers: []kafka.Header{
			{Key: "transaction_type", Value: []byte(e.Transaction.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"transaction_id":     e.Transaction.ID,
		"global_customer_id": e.Transaction.GlobalCustomerID,
	}).Debug("ledger event published")
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Noop discards events. It is used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, points.Event) error { return nil }
func (Noop) Close() error                                { return nil }
