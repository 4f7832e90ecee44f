package coordinator

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// broadcaster is a passive EventSink that fans out Notify calls to every
// connected /_events WebSocket client. It never drives protocol state and
// drops events for slow or disconnected clients rather than blocking the
// driver goroutine.
type broadcaster struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

type event struct {
	Kind          string    `json:"kind"`
	TransactionID string    `json:"transaction_id"`
	Detail        string    `json:"detail"`
	Timestamp     time.Time `json:"timestamp"`
}

// Notify implements coordinator.EventSink.
func (b *broadcaster) Notify(kind, txnID, detail string) {
	body, err := json.Marshal(event{Kind: kind, TransactionID: txnID, Detail: detail, Timestamp: time.Now()})
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn, ch := range b.clients {
		select {
		case ch <- body:
		default:
			log.Printf("coordinator: dropping event for slow /_events client %s", conn.RemoteAddr())
		}
	}
}

func (b *broadcaster) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("coordinator: websocket upgrade: %v", err)
		return
	}

	ch := make(chan []byte, 32)
	b.mu.Lock()
	b.clients[conn] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	// Discard anything the client sends; this tap is one-directional.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for body := range ch {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			return
		}
	}
}

// closeAll disconnects every connected client, used on server shutdown.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn, ch := range b.clients {
		close(ch)
		conn.Close()
		delete(b.clients, conn)
	}
}
