package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// EventInteractionCreated is the outbox event type for new email interactions
const EventInteractionCreated = "interaction.created"

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID        int64
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
	Retries   int
}

// InteractionEvent is the published payload
type InteractionEvent struct {
	EventID           string       `json:"event_id"`
	Type              string       `json:"type"`
	TS                int64        `json:"ts"`
	UserID            string       `json:"user_id"`
	ClientID          int64        `json:"client_id"`
	InteractionID     string       `json:"interaction_id"`
	Provider          ProviderName `json:"provider"`
	ProviderMessageID string       `json:"provider_message_id"`
	Title             string       `json:"title"`
	CreatedAt         time.Time    `json:"created_at"`
}

// NewInteractionOutboxMessage builds the outbox entry stored alongside in.
// The msg id lets JetStream drop re-deliveries of the same message.
func NewInteractionOutboxMessage(in *Interaction) (OutboxMessage, error) {
	payload, err := json.Marshal(InteractionEvent{
		EventID:           in.ID,
		Type:              EventInteractionCreated,
		TS:                time.Now().Unix(),
		UserID:            in.CreatedBy,
		ClientID:          in.ClientID,
		InteractionID:     in.ID,
		Provider:          in.Provider,
		ProviderMessageID: in.ProviderMessageID,
		Title:             in.Title,
		CreatedAt:         in.CreatedAt,
	})
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal interaction event: %w", err)
	}
	return OutboxMessage{
		Subject:   fmt.Sprintf("crm.user.%s.%s", in.CreatedBy, EventInteractionCreated),
		EventType: EventInteractionCreated,
		Payload:   payload,
		MsgID:     fmt.Sprintf("%s|%s|%s", EventInteractionCreated, in.Provider, in.ProviderMessageID),
	}, nil
}

// Publisher delivers outbox messages to the event bus
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains the outbox into a Publisher
type Dispatcher struct {
	store     OutboxStore
	publisher Publisher
	batchSize int
	idle      time.Duration
	backoff   time.Duration
	log       logrus.FieldLogger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(store OutboxStore, publisher Publisher, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		batchSize: 100,
		idle:      500 * time.Millisecond,
		backoff:   10 * time.Second,
		log:       log,
	}
}

// Run continuously dispatches messages from outbox until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			d.log.WithError(err).Error("dequeue outbox")
			wait = time.Second
		case n == 0:
			wait = d.idle
		}

		if wait == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch and returns how many messages it handled
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.store.DequeueOutbox(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		log := d.log.WithFields(logrus.Fields{"outbox_id": msg.ID, "subject": msg.Subject})
		if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			log.WithError(err).Warn("publish failed, scheduling retry")
			if err := d.store.MarkOutboxRetry(ctx, msg.ID, d.backoff); err != nil {
				log.WithError(err).Error("mark outbox retry")
			}
			continue
		}
		if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
			log.WithError(err).Error("mark outbox published")
		}
	}
	return len(messages), nil
}
