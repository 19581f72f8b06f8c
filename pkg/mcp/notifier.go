package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// ClientNotifier pushes notifications to connected clients.
type ClientNotifier interface {
	Notify(ctx context.Context, clientID string, payload map[string]any) error
}

// RunNotifier implements ClientNotifier using MCP push notifications. Used to
// tell a client that a run it submitted without waiting has finished.
type RunNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewRunNotifier creates a notifier that pushes via the MCP server.
func NewRunNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *RunNotifier {
	return &RunNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the client's session.
// Best-effort: returns nil if the client is not connected.
func (n *RunNotifier) Notify(_ context.Context, clientID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(clientID)
	if !ok {
		return nil // client not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send; not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
