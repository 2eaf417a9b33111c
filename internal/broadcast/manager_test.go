package broadcast

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func startHub(t *testing.T) (*Manager, string) {
	t.Helper()
	manager := NewManager()
	go manager.Run()

	handler := NewHandler(manager)
	router := chi.NewRouter()
	router.Get("/ws/auctions/{auction_id}", handler.ServeAuctionFeed)
	router.Get("/ws/feed", handler.ServeGlobalFeed)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return manager, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialFeed(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	assert.NoError(t, err)
	var frame map[string]any
	assert.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestManager_AuctionFeed(t *testing.T) {
	manager, base := startHub(t)

	auctionConn := dialFeed(t, base+"/ws/auctions/AUC-1")
	connected := readFrame(t, auctionConn)
	assert.Equal(t, "connected", connected["type"])
	assert.Equal(t, "AUC-1", connected["auctionId"])

	globalConn := dialFeed(t, base+"/ws/feed")
	connected = readFrame(t, globalConn)
	assert.Equal(t, "connected", connected["type"])

	assert.Equal(t, 1, manager.SubscriberCount("AUC-1"))

	manager.BroadcastToAuction("AUC-1", "NEW_BID", map[string]any{"amount": 525})

	frame := readFrame(t, auctionConn)
	assert.Equal(t, "NEW_BID", frame["type"])
	assert.Equal(t, "AUC-1", frame["auctionId"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, float64(525), data["amount"])

	// The global feed mirrors every room broadcast.
	frame = readFrame(t, globalConn)
	assert.Equal(t, "NEW_BID", frame["type"])
	assert.Equal(t, "AUC-1", frame["auctionId"])
}

func TestManager_GlobalOnlyBroadcast(t *testing.T) {
	manager, base := startHub(t)

	auctionConn := dialFeed(t, base+"/ws/auctions/AUC-2")
	readFrame(t, auctionConn)
	globalConn := dialFeed(t, base+"/ws/feed")
	readFrame(t, globalConn)

	manager.BroadcastToAll("AUCTION_CREATED", map[string]any{"auction_id": "AUC-3"})

	frame := readFrame(t, globalConn)
	assert.Equal(t, "AUCTION_CREATED", frame["type"])

	// Room subscribers only see their own auction's events.
	auctionConn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := auctionConn.ReadMessage()
	assert.Error(t, err)
}

func TestManager_SubscriberCount(t *testing.T) {
	manager, base := startHub(t)

	assert.Equal(t, 0, manager.SubscriberCount("AUC-9"))

	first := dialFeed(t, base+"/ws/auctions/AUC-9")
	readFrame(t, first)
	second := dialFeed(t, base+"/ws/auctions/AUC-9")
	readFrame(t, second)

	assert.Equal(t, 2, manager.SubscriberCount("AUC-9"))
	assert.Equal(t, 0, manager.SubscriberCount("other"))
}
