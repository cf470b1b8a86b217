package devserver

import (
	"encoding/json"
	"log"
	"sync"

	"trackchat/models"
)

const clientBuffer = 256

// socketClient is one live websocket of a user.
type socketClient struct {
	id     string
	userID string

	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newSocketClient(id, userID string) *socketClient {
	return &socketClient{
		id:     id,
		userID: userID,
		out:    make(chan []byte, clientBuffer),
		done:   make(chan struct{}),
	}
}

func (c *socketClient) stop() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Hub tracks the live sockets of every connected user on this instance.
type Hub struct {
	logger *log.Logger

	mu      sync.RWMutex
	clients map[string]map[string]*socketClient
}

func newHub(logger *log.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[string]map[string]*socketClient),
	}
}

func (h *Hub) register(client *socketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[client.userID]
	if !ok {
		conns = make(map[string]*socketClient)
		h.clients[client.userID] = conns
	}
	conns[client.id] = client
}

func (h *Hub) unregister(client *socketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[client.userID]; ok {
		delete(conns, client.id)
		if len(conns) == 0 {
			delete(h.clients, client.userID)
		}
	}
	client.stop()
}

// ConnectionCount returns the number of live sockets for userID.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Deliver pushes a receiveMessage envelope to every socket of the sender and
// the receiver. A socket whose buffer is full is disconnected.
func (h *Hub) Deliver(event models.LiveEvent) {
	frame, err := encodeEnvelope(models.EventReceiveMessage, event)
	if err != nil {
		h.logger.Printf("devserver: encode live event failed err=%v", err)
		return
	}

	targets := []string{event.SenderID}
	if event.ReceiverID != event.SenderID {
		targets = append(targets, event.ReceiverID)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range targets {
		for _, client := range h.clients[userID] {
			select {
			case client.out <- frame:
			default:
				h.logger.Printf("devserver: slow client dropped user=%s conn=%s", client.userID, client.id)
				client.stop()
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.clients {
		for _, client := range conns {
			client.stop()
		}
	}
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Envelope{Event: event, Data: data})
}
