package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ignite/greeting-service/internal/domain"
)

// JobEnvelope is the wire payload carried through the broker. It identifies
// the message log row; workers reload the row before acting, so the
// envelope stays small and stale copies are harmless.
type JobEnvelope struct {
	MessageID         uuid.UUID `json:"messageId"`
	UserID            uuid.UUID `json:"userId"`
	MessageType       string    `json:"messageType"`
	ScheduledSendTime time.Time `json:"scheduledSendTime"`
	RetryCount        int       `json:"retryCount"`
	Timestamp         int64     `json:"timestamp"` // epoch milliseconds
}

// NewEnvelope builds the envelope for a message log row.
func NewEnvelope(m *domain.MessageLog, now time.Time) JobEnvelope {
	return JobEnvelope{
		MessageID:         m.ID,
		UserID:            m.UserID,
		MessageType:       m.MessageType,
		ScheduledSendTime: m.ScheduledSendTime.UTC(),
		RetryCount:        m.RetryCount,
		Timestamp:         now.UnixMilli(),
	}
}

// Publishing renders the envelope into a persistent AMQP message with the
// diagnostic headers the operators grep for.
func (e JobEnvelope) Publishing() (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.MessageID.String(),
		Timestamp:    time.UnixMilli(e.Timestamp),
		Headers: amqp.Table{
			"x-retry-count":  int32(e.RetryCount),
			"x-message-type": e.MessageType,
			"x-user-id":      e.UserID.String(),
		},
		Body: body,
	}, nil
}

// ParseEnvelope decodes and validates a consumed delivery body.
func ParseEnvelope(body []byte) (JobEnvelope, error) {
	var e JobEnvelope
	if err := json.Unmarshal(body, &e); err != nil {
		return JobEnvelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if e.MessageID == uuid.Nil {
		return JobEnvelope{}, fmt.Errorf("parse envelope: missing messageId")
	}
	if e.MessageType == "" {
		return JobEnvelope{}, fmt.Errorf("parse envelope: missing messageType")
	}
	return e, nil
}
