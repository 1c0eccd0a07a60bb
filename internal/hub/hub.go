package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/metrics"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/models"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/queue"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GatewayControl is the slice of the gateway the protocol drives.
type GatewayControl interface {
	SkipWaiting()
	CacheURLs(ctx context.Context, urls []string)
}

// SyncControl requests a drain cycle from the processor.
type SyncControl interface {
	Kick()
}

// wsClient is one connected page. Writes are serialized per connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(ctx context.Context, env models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, c.conn, env)
}

// Hub implements the page/agent messaging protocol over websocket: pages
// connect, send tagged messages, and receive broadcasts. Unrecognized
// message shapes are rejected explicitly, never silently ignored.
type Hub struct {
	store   *queue.Store
	gateway GatewayControl
	syncer  SyncControl
	logger  zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
}

func New(store *queue.Store, gateway GatewayControl, syncer SyncControl, logger *zerolog.Logger) *Hub {
	return &Hub{
		store:   store,
		gateway: gateway,
		syncer:  syncer,
		logger:  logger.With().Str("component", "hub").Logger(),
		clients: make(map[string]*wsClient),
	}
}

// SetGateway wires the gateway after construction. The gateway serves the
// hub's websocket endpoint, so the two cannot be built in one pass.
func (h *Hub) SetGateway(g GatewayControl) {
	h.gateway = g
}

// ClientCount reports how many pages are connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the connection and runs the read loop until the page
// disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}

	client := &wsClient{id: uuid.NewString(), conn: conn}
	h.register(client)
	defer h.unregister(client)
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	h.logger.Debug().Str("client", client.id).Msg("page connected")

	for {
		var env models.Envelope
		if err := wsjson.Read(r.Context(), conn, &env); err != nil {
			// Disconnect or cancellation; normal exit.
			h.logger.Debug().Str("client", client.id).Err(err).Msg("read loop ended")
			return
		}
		h.dispatch(r.Context(), client, env)
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

func (h *Hub) dispatch(ctx context.Context, sender *wsClient, env models.Envelope) {
	metrics.IncHubMessage(env.Type)

	switch env.Type {
	case models.MsgSkipWaiting:
		if h.gateway != nil {
			h.gateway.SkipWaiting()
		}

	case models.MsgTriggerSync:
		h.BroadcastSync(ctx, h.pendingCount(ctx))
		if h.syncer != nil {
			h.syncer.Kick()
		}

	case models.MsgCacheURLs:
		var payload models.CacheURLsPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil || len(payload.URLs) == 0 {
			h.reject(ctx, sender, "CACHE_URLS requires a urls list")
			return
		}
		if h.gateway != nil {
			h.gateway.CacheURLs(ctx, payload.URLs)
		}

	case models.MsgGetPendingCount:
		h.reply(ctx, sender, models.MsgPendingCount, models.PendingCountPayload{Count: h.pendingCount(ctx)})

	default:
		h.reject(ctx, sender, "unknown message type: "+env.Type)
	}
}

// pendingCount degrades to zero on any store failure; a queue read problem
// must never break the protocol loop.
func (h *Hub) pendingCount(ctx context.Context) int {
	count, err := h.store.CountPending(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("pending count read failed")
		return 0
	}
	return count
}

func (h *Hub) reply(ctx context.Context, c *wsClient, msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("encode reply payload")
		return
	}
	if err := c.send(ctx, models.Envelope{Type: msgType, Payload: raw}); err != nil {
		h.logger.Debug().Err(err).Str("client", c.id).Msg("reply send failed")
	}
}

func (h *Hub) reject(ctx context.Context, c *wsClient, message string) {
	h.reply(ctx, c, models.MsgError, models.ErrorPayload{Message: message})
}

// BroadcastSync posts PROCESS_SYNC_QUEUE to every connected page. It also
// satisfies worker.Broadcaster so drain outcomes reach open pages.
func (h *Hub) BroadcastSync(ctx context.Context, pendingCount int) {
	h.broadcast(ctx, models.MsgProcessSyncQueue, models.ProcessSyncQueuePayload{
		Timestamp:    time.Now().UnixMilli(),
		PendingCount: pendingCount,
	})
}

// Notify relays a push payload to every page, applying the default
// title/body when absent.
func (h *Hub) Notify(ctx context.Context, push models.PushPayload) {
	if push.Title == "" {
		push.Title = "Credit Ledger"
	}
	if push.Body == "" {
		push.Body = "You have a new notification"
	}
	h.broadcast(ctx, models.MsgNotify, push)
}

func (h *Hub) broadcast(ctx context.Context, msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("encode broadcast payload")
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	env := models.Envelope{Type: msgType, Payload: raw}
	for _, c := range clients {
		if err := c.send(ctx, env); err != nil {
			h.logger.Debug().Err(err).Str("client", c.id).Msg("broadcast send failed")
		}
	}
}
