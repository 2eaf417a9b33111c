package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const queueKey = "notification_queue"

// Notification is the queue record consumed by the delivery worker
// (push, email). The marketplace core only enqueues.
type Notification struct {
	ID        string         `json:"id"`
	Recipient string         `json:"recipient"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// QueueNotifier enqueues notifications onto a Redis list. Delivery
// failures never surface to the caller; a lost notification is
// preferable to a failed bid.
type QueueNotifier struct {
	redis *redis.Client
}

func NewQueueNotifier(redisClient *redis.Client) *QueueNotifier {
	return &QueueNotifier{redis: redisClient}
}

func (n *QueueNotifier) SendNotification(recipient, notificationType string, payload map[string]any) {
	if n.redis == nil {
		log.Printf("[NOTIFY] Redis unavailable, dropping %s notification for %s", notificationType, recipient)
		return
	}
	note := Notification{
		ID:        uuid.New().String(),
		Recipient: recipient,
		Type:      notificationType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(note)
	if err != nil {
		log.Printf("[NOTIFY] Failed to encode %s notification for %s: %v", notificationType, recipient, err)
		return
	}
	if err := n.redis.RPush(context.Background(), queueKey, data).Err(); err != nil {
		log.Printf("[NOTIFY] Failed to enqueue %s notification for %s: %v", notificationType, recipient, err)
	}
}
