// Package events publishes and subscribes to document lifecycle events over
// Redis pub/sub, so status streams work across service instances.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/amberhq/amber/internal/repository"
)

// StatusEvent is one document status change on the wire.
type StatusEvent struct {
	TenantID   uuid.UUID                 `json:"tenant_id"`
	DocumentID uuid.UUID                 `json:"document_id"`
	Status     repository.DocumentStatus `json:"status"`
	Error      string                    `json:"error,omitempty"`
	Timestamp  time.Time                 `json:"timestamp"`
}

// Bus is a Redis-backed event bus for document status changes.
type Bus struct {
	client redis.UniversalClient
}

// NewBus creates an event bus over the given Redis client.
func NewBus(client redis.UniversalClient) *Bus {
	return &Bus{client: client}
}

// channel returns the per-document status channel name.
func channel(documentID uuid.UUID) string {
	return fmt.Sprintf("document:%s:status", documentID)
}

// PublishStatus broadcasts a status change. Publishing is best effort; a
// Redis outage must not fail the pipeline.
func (b *Bus) PublishStatus(ctx context.Context, tenantID, documentID uuid.UUID, status repository.DocumentStatus, errorMsg string) error {
	event := StatusEvent{
		TenantID:   tenantID,
		DocumentID: documentID,
		Status:     status,
		Error:      errorMsg,
		Timestamp:  time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling status event: %w", err)
	}
	if err := b.client.Publish(ctx, channel(documentID), payload).Err(); err != nil {
		return fmt.Errorf("publishing status event: %w", err)
	}
	return nil
}

// SubscribeStatus streams status changes for one document until the context
// is canceled or a terminal status arrives. The returned channel is closed
// when the subscription ends.
func (b *Bus) SubscribeStatus(ctx context.Context, documentID uuid.UUID) (<-chan StatusEvent, error) {
	sub := b.client.Subscribe(ctx, channel(documentID))
	// Force the subscription to establish before we report success.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to status channel: %w", err)
	}

	events := make(chan StatusEvent)
	go func() {
		defer close(events)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Warn("dropping malformed status event", "document_id", documentID, "error", err)
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
				if event.Status.Terminal() {
					return
				}
			}
		}
	}()
	return events, nil
}
