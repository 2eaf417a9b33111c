package broadcast

import (
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin enforcement lives in the CORS middleware in front of
		// this handler.
		return true
	},
}

// Handler upgrades HTTP requests into hub subscriptions.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// ServeAuctionFeed subscribes the caller to one auction's event stream.
// @Summary Live auction event feed
// @Tags auctions
// @Param auction_id path string true "Auction ID"
// @Router /ws/auctions/{auction_id} [get]
func (h *Handler) ServeAuctionFeed(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auction_id")
	if auctionID == "" {
		http.Error(w, "auction ID is required", http.StatusBadRequest)
		return
	}
	h.subscribe(w, r, auctionID)
}

// ServeGlobalFeed subscribes the caller to the all-auctions stream.
// @Summary Live marketplace event feed
// @Tags auctions
// @Router /ws/feed [get]
func (h *Handler) ServeGlobalFeed(w http.ResponseWriter, r *http.Request) {
	h.subscribe(w, r, allAuctions)
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request, auctionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[BROADCAST] Upgrade failed: %v", err)
		return
	}
	client := &Client{
		ID:        uuid.New().String(),
		AuctionID: auctionID,
		Conn:      conn,
		Send:      make(chan []byte, 256),
	}
	h.manager.register <- client
	go client.readPump(h.manager.unregister)

	client.Send <- []byte(fmt.Sprintf(`{"type":"connected","auctionId":%q,"clientId":%q}`, auctionID, client.ID))
}
