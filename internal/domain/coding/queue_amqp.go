package coding

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// MessageTypeChargeBatch tags billing-queue messages.
const MessageTypeChargeBatch = "charge_batch.submitted"

// amqpPublisher is the subset of *amqp091.Channel the queue needs.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

type amqpQueue struct {
	ch    amqpPublisher
	queue string
}

// NewBillingQueueAMQP declares a durable queue on conn and returns a
// BillingQueue publishing one persistent JSON message per batch. The batch
// ID is the message ID so consumers can discard redeliveries.
func NewBillingQueueAMQP(conn *amqp091.Connection, queue string) (BillingQueue, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &amqpQueue{ch: ch, queue: queue}, nil
}

func (q *amqpQueue) Enqueue(ctx context.Context, b *ChargeBatch) error {
	body, err := json.Marshal(b.Request())
	if err != nil {
		return fmt.Errorf("marshal charge batch: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    b.id.String(),
		Timestamp:    b.submittedAt,
		Type:         MessageTypeChargeBatch,
		Body:         body,
		Headers: amqp091.Table{
			"patient_id":    b.context.PatientID,
			"facility_type": b.context.FacilityType,
			"denial_risk":   string(b.risk.Tier),
		},
	}
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", q.queue, err)
	}
	return nil
}
