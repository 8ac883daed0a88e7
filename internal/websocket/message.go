// Package websocket implements the real-time pub/sub hub that pushes
// session event-log entries to connected WorkerPal/RemoteBuddy clients. It
// uses gorilla/websocket under the hood and exposes a session-keyed
// broadcast API consumed by the event log (internal/eventlog) and the HTTP
// WS handler.
//
// Subscriptions are keyed by session id rather than by a free-form topic
// string — every event a session's log appends is fanned out to every
// subscriber of that session, in cursor order.
package websocket

import "github.com/PushPalsDev/pushpals-sub001/internal/protocol"

// Message is the WebSocket frame shape for a delivered event: the envelope
// plus the cursor the event log assigned it. This is distinct from the SSE
// frame shape (`id: <cursor>\ndata: <envelope JSON>\n\n`) by design — the
// two transports carry the same information differently rather than
// forcing a single shared envelope format.
type Message struct {
	Envelope protocol.Event `json:"envelope"`
	Cursor   int64          `json:"cursor"`
}
