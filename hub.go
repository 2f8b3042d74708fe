package main

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// refreshMessage is the only payload the hub ever sends. Clients re-fetch
// the game state over HTTP; no game data travels on the socket.
var refreshMessage = []byte(`{"type":"refresh"}`)

// Client is one websocket subscription to a game's refresh nudges.
type Client struct {
	conn    *websocket.Conn
	gameID  string
	writeMu sync.Mutex // serialize writes (required by gorilla/websocket)
}

// Hub fans refresh nudges out to the clients watching each game.
type Hub struct {
	clients    map[*websocket.Conn]*Client
	notify     chan string // game id whose watchers should re-fetch
	register   chan *Client
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	done       chan struct{}
	wg         sync.WaitGroup
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]*Client),
		notify:     make(chan string, 64),
		register:   make(chan *Client),
		unregister: make(chan *websocket.Conn, 64),
		done:       make(chan struct{}),
	}
}

// stop signals the hub goroutine to exit and waits for it to finish
func (h *Hub) stop() {
	close(h.done)
	h.wg.Wait()
}

// NotifyGame queues a refresh nudge for everyone watching the game.
// Non-blocking: if the queue is full the next nudge covers it.
func (h *Hub) NotifyGame(gameID string) {
	select {
	case h.notify <- gameID:
	default:
	}
}

func (h *Hub) run() {
	h.wg.Add(1)
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected (game %s). Total: %d", client.gameID, total)
			DebugLog("Watcher connected for game %s", client.gameID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if client, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				DebugLog("Watcher left game %s", client.gameID)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected. Total: %d", total)

		case gameID := <-h.notify:
			h.mu.RLock()
			for conn, client := range h.clients {
				if client.gameID != gameID {
					continue
				}
				LogWSMessage("OUT", gameID, string(refreshMessage))

				client.writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, refreshMessage)
				client.writeMu.Unlock()

				if err != nil {
					log.Printf("WebSocket write error for game %s: %v", gameID, err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// handleWebSocket subscribes the connection to one game's refresh nudges.
// Inbound frames are drained and ignored; all actions go through HTTP.
func (s *apiServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("gameId")
	if _, err := s.store.Get(gameID); err != nil {
		writeError(w, err)
		return
	}

	var upgrader = websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error for game %s: %v", gameID, err)
		return
	}

	DebugLog("WebSocket upgraded for game %s", gameID)
	client := &Client{conn: conn, gameID: gameID}
	s.hub.register <- client

	go func() {
		defer func() {
			s.hub.unregister <- conn
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
