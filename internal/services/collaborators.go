package services

// Broadcaster pushes real-time events to connected clients. Implemented
// by the websocket hub; calls must never block bid placement.
type Broadcaster interface {
	BroadcastToAuction(auctionID, event string, payload any)
	BroadcastToAll(event string, payload any)
}

// Notifier dispatches user notifications. Fire-and-forget; delivery is
// the external notification collaborator's concern.
type Notifier interface {
	SendNotification(recipient, notificationType string, payload map[string]any)
}
