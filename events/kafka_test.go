package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/points"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var at = time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)

func spentEvent() points.Event {
	return points.Event{
		Transaction: points.Transaction{
			ID:               "t-1",
			GlobalCustomerID: "+15550001",
			RedeemingStoreID: "store-b",
			Type:             points.TxSpent,
			Points:           -20,
			PointsValue:      decimal.RequireFromString("0.2"),
			CreatedAt:        at,
		},
		Balance: points.Balance{GlobalCustomerID: "+15550001", TotalPoints: 30, AvailablePoints: 30},
	}
}

func TestKafkaPublisher_KeysByCustomer(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, quietLogger())

	// WHEN
	require.NoError(t, p.Publish(context.Background(), spentEvent()))

	// THEN: one message keyed by the global id
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "+15550001", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	assert.Equal(t, "spent", string(msg.Headers[0].Value))

	var got TransactionEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "store-b", got.RedeemingStoreID)
	assert.Empty(t, got.EarningStoreID)
	assert.Equal(t, int64(-20), got.Points)
	assert.Equal(t, "0.20", got.PointsValue)
	assert.Equal(t, int64(30), got.AvailablePoints)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newPublisher(w, quietLogger())

	err := p.Publish(context.Background(), spentEvent())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestKafkaPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, newPublisher(w, quietLogger()).Close())
	assert.True(t, w.closed)
}

func TestNoop(t *testing.T) {
	var p points.EventPublisher = Noop{}
	assert.NoError(t, p.Publish(context.Background(), spentEvent()))
}
