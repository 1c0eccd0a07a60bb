package models

import "encoding/json"

// Message types exchanged between connected clients and the agent.
const (
	MsgSkipWaiting      = "SKIP_WAITING"
	MsgTriggerSync      = "TRIGGER_SYNC"
	MsgCacheURLs        = "CACHE_URLS"
	MsgGetPendingCount  = "GET_PENDING_COUNT"
	MsgPendingCount     = "PENDING_COUNT"
	MsgProcessSyncQueue = "PROCESS_SYNC_QUEUE"
	MsgNotify           = "NOTIFY"
	MsgError            = "ERROR"
)

// Envelope is the tagged wire format for every hub message. Payload is
// decoded per Type; unknown types are rejected with an ERROR reply rather
// than silently ignored.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CacheURLsPayload asks the agent to populate the current cache generation.
type CacheURLsPayload struct {
	URLs []string `json:"urls"`
}

// PendingCountPayload answers GET_PENDING_COUNT.
type PendingCountPayload struct {
	Count int `json:"count"`
}

// ProcessSyncQueuePayload tells every connected client that a drain cycle
// ran or should run.
type ProcessSyncQueuePayload struct {
	Timestamp    int64 `json:"timestamp"`
	PendingCount int   `json:"pending_count"`
}

// ErrorPayload reports a rejected message back to its sender.
type ErrorPayload struct {
	Message string `json:"message"`
}

// PushPayload is the notification contract: absent fields fall back to
// defaults when displayed.
type PushPayload struct {
	Title string          `json:"title,omitempty"`
	Body  string          `json:"body,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}
