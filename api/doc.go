// Package api provides the HTTP surface of the move-car relay.
//
// Endpoints:
//
// Router tier:
//   - POST /api/push-reply - Push a reply to the room named by roomId
//   - any other unmatched request - Router status
//
// Channel tier:
//   - GET /rooms/{roomId} with Upgrade: websocket - Join the room as a listener
//   - POST /rooms/{roomId}/api/push-reply - Push straight to the room's channel
//   - any other request under /rooms/{roomId} - Channel status
//   - GET /ws?roomId={roomId} - Join the room as a listener
//
// Operations:
//   - GET /api/rooms - List live rooms
//   - DELETE /api/rooms/{roomId} - Close a room
//   - GET /health - Liveness probe
//   - GET /metrics - Prometheus metrics (when configured)
//   - POST /mcp - MCP endpoint (when configured)
package api
