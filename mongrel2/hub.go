package mongrel2

import (
	"log"
	"sync"

	"github.com/goccy/go-json"
)

// MaxBroadcastConns is how many connection ids one reply envelope may
// target; Mongrel2 caps deliveries at 128 recipients per message, so
// larger audiences are chunked.
const MaxBroadcastConns = 128

// connKey addresses one client connection across servers.
type connKey struct {
	senderID string
	connID   int
}

// Hub fans outbound payloads over channels of subscribed client
// connections. Where a plain reply targets the requesting client, a hub
// publish targets every subscriber of a channel in as few broadcast
// envelopes as the recipient cap allows. Typical use is a chat or push
// handler: subscribe on an opening request, drop on the disconnect notice.
type Hub struct {
	conn *Connection

	mu       sync.RWMutex
	channels map[string]map[connKey]struct{}
}

// NewHub returns a hub publishing through the given connection.
func NewHub(conn *Connection) *Hub {
	return &Hub{
		conn:     conn,
		channels: make(map[string]map[connKey]struct{}),
	}
}

// Subscribe registers the request's client connection on the channel.
func (h *Hub) Subscribe(channel string, req *Request) {
	key := connKey{senderID: req.SenderID, connID: req.ConnID}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channels[channel] == nil {
		h.channels[channel] = make(map[connKey]struct{})
	}
	h.channels[channel][key] = struct{}{}
}

// Unsubscribe removes the request's client connection from the channel.
func (h *Hub) Unsubscribe(channel string, req *Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.channels[channel]
	if subs == nil {
		return
	}

	delete(subs, connKey{senderID: req.SenderID, connID: req.ConnID})
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

// Drop removes a client connection from every channel, the usual reaction
// to a disconnect notice.
func (h *Hub) Drop(req *Request) {
	key := connKey{senderID: req.SenderID, connID: req.ConnID}

	h.mu.Lock()
	defer h.mu.Unlock()

	for channel, subs := range h.channels {
		delete(subs, key)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Subscribers reports how many connections are on the channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Publish sends payload to every subscriber of the channel, one broadcast
// envelope per originating server per recipient chunk.
func (h *Hub) Publish(channel string, payload []byte) {
	h.mu.RLock()
	bySender := make(map[string][]int)
	for key := range h.channels[channel] {
		bySender[key.senderID] = append(bySender[key.senderID], key.connID)
	}
	h.mu.RUnlock()

	for senderID, ids := range bySender {
		for len(ids) > 0 {
			chunk := ids
			if len(chunk) > MaxBroadcastConns {
				chunk = ids[:MaxBroadcastConns]
			}
			ids = ids[len(chunk):]

			if err := h.conn.send(EncodeReply(senderID, chunk, payload)); err != nil {
				log.Printf("[hub] publish to %s failed: %v", channel, err)
				return
			}
		}
	}
}

// PublishJSON marshals v and publishes it.
func (h *Hub) PublishJSON(channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[hub] marshal error: %v", err)
		return
	}
	h.Publish(channel, data)
}
