package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/wricardo/move-car-relay/client"
	"github.com/wricardo/move-car-relay/relay/protocol"
)

const (
	serverName    = "Move Car Relay"
	serverVersion = "1.0.0"
)

// Client is a thin MCP server that proxies to the relay HTTP API
type Client struct {
	relay     *client.Client
	mcpServer *server.MCPServer
}

// NewClient creates an MCP server backed by the relay at baseURL.
func NewClient(baseURL string, opts ...client.Option) *Client {
	c := &Client{
		relay: client.New(baseURL, opts...),
	}

	c.initMCPServer()
	return c
}

func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithInstructions(`Move Car Relay - MCP Interface

This is a thin client that proxies all requests to the relay HTTP server.

The relay delivers "move your car" replies to every browser watching a
session room. A room is created when the first listener connects and is
retired once it has had no listeners for the configured idle period.
Pushing to a room that does not exist returns "room not found".

AVAILABLE TOOLS:
- push_reply: Send a reply to everyone watching a room
- list_rooms: List live rooms and how many listeners each has
- relay_status: Check that the relay is reachable`),
	)

	c.registerTools()
}

func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "push_reply",
		Description: "Push a reply message to every listener of a room",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"room_id": map[string]interface{}{
					"type":        "string",
					"description": "Room (session) identifier",
				},
				"message": map[string]interface{}{
					"type":        "string",
					"description": "Reply text",
				},
				"sender_name": map[string]interface{}{
					"type":        "string",
					"description": "Display name of the sender",
				},
				"sender_role": map[string]interface{}{
					"type":        "string",
					"description": "Role of the sender (optional)",
				},
				"record_id": map[string]interface{}{
					"type":        "string",
					"description": "Related record identifier (optional)",
				},
			},
			Required: []string{"room_id", "message", "sender_name"},
		},
	}, c.handlePushReply)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_rooms",
		Description: "List live rooms",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleListRooms)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "relay_status",
		Description: "Check the relay status",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleStatus)
}

// GetMCPServer returns the underlying MCP server.
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// ServeStdio serves MCP over stdin/stdout until the input closes.
func (c *Client) ServeStdio() error {
	return server.ServeStdio(c.mcpServer)
}

// ServeHTTP handles one JSON-RPC message per POST request.
func (c *Client) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	response := c.mcpServer.HandleMessage(r.Context(), body)

	w.Header().Set("Content-Type", "application/json")
	responseData, err := json.Marshal(response)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Write(responseData)
}

func arguments(request mcp.CallToolRequest) map[string]interface{} {
	args, _ := request.Params.Arguments.(map[string]interface{})
	return args
}

func (c *Client) handlePushReply(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	env := protocol.PushEnvelope{}
	env.RoomID, _ = args["room_id"].(string)
	env.Message, _ = args["message"].(string)
	env.SenderName, _ = args["sender_name"].(string)
	env.SenderRole, _ = args["sender_role"].(string)
	env.RecordID, _ = args["record_id"].(string)

	ack, err := c.relay.Push(ctx, env)
	if err != nil {
		return mcp.NewToolResultError(describeError(err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Reply pushed to room %s (%d listener(s) reached)", ack.RoomID, ack.Delivered)), nil
}

func (c *Client) handleListRooms(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := c.relay.Rooms(ctx)
	if err != nil {
		return mcp.NewToolResultError(describeError(err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Live Rooms (%d):\n\n", list.Count)
	for _, room := range list.Rooms {
		fmt.Fprintf(&b, "- %s (%d listener(s), last active %s)\n",
			room.RoomID, room.Members, room.LastActive.Format("15:04:05"))
	}

	return mcp.NewToolResultText(b.String()), nil
}

func (c *Client) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := c.relay.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(describeError(err)), nil
	}

	result := fmt.Sprintf("Relay at %s: %s\nEndpoints: %s",
		c.relay.BaseURL(), status.Message, strings.Join(status.Endpoints, ", "))
	return mcp.NewToolResultText(result), nil
}

func describeError(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
