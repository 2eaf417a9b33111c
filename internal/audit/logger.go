package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Reference string    `json:"reference"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Details   any       `json:"details"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

// LogMovement records a completed ledger primitive.
func (a *Logger) LogMovement(entryType, userID, auctionID string, amount int64, status string) {
	event := Event{
		Timestamp: time.Now(),
		EventType: entryType,
		Reference: auctionID,
		UserID:    userID,
		Amount:    amount,
		Status:    status,
	}
	a.log(event)
}

// LogError records a failed money movement for investigation.
func (a *Logger) LogError(reference, userID string, err error) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		Reference: reference,
		UserID:    userID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	}
	a.log(event)
}

// LogSettlement records an auction settlement outcome.
func (a *Logger) LogSettlement(auctionID, winnerID string, winningBid, fee, burned int64) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "SETTLEMENT",
		Reference: auctionID,
		UserID:    winnerID,
		Amount:    winningBid,
		Status:    "SUCCESS",
		Details: map[string]int64{
			"platform_fee": fee,
			"burned":       burned,
		},
	}
	a.log(event)
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
