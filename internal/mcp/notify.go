package mcp

import (
	"context"

	"github.com/hollis-dev/agentbridge/internal/events"
)

// Notification methods emitted to MCP clients, one per event class.
const (
	methodMessage = "notifications/agentbridge/message"
	methodStatus  = "notifications/agentbridge/status"
	methodScreen  = "notifications/agentbridge/screen"
	methodOther   = "notifications/agentbridge/event"
)

// NotificationSink forwards dispatched envelopes to every connected MCP
// client.
type NotificationSink struct {
	srv *Server
}

// NotificationSink returns a bridge sink publishing to this server's
// clients.
func (s *Server) NotificationSink() *NotificationSink {
	return &NotificationSink{srv: s}
}

// Name implements events.Sink.
func (n *NotificationSink) Name() string { return "mcp-notify" }

// Dispatch implements events.Sink.
func (n *NotificationSink) Dispatch(ctx context.Context, e events.Envelope) error {
	method := methodOther
	switch e.Type {
	case events.TypeMessageUpdate:
		method = methodMessage
	case events.TypeStatusChange:
		method = methodStatus
	case events.TypeScreenUpdate:
		method = methodScreen
	}

	n.srv.mcpServer.SendNotificationToAllClients(method, map[string]any{
		"id":        e.ID,
		"type":      e.Type,
		"payload":   e.Payload,
		"stream_id": e.StreamID,
		"timestamp": e.Timestamp.UTC(),
	})
	return nil
}
