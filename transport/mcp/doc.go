// Package mcp exposes the relay to AI agents over the Model Context Protocol.
//
// The server is a thin proxy: every tool call is turned into a request
// against a running relay's HTTP API.
//
// MCP Tools:
//   - push_reply: push a reply to every listener of a room
//   - list_rooms: list live rooms and their listener counts
//   - relay_status: check that the relay is reachable
//
// Transport Modes:
//   - Stdio: ServeStdio for local MCP clients
//   - HTTP: the Client is an http.Handler for POST /mcp
//
// Usage:
//
//	c := mcp.NewClient("http://localhost:8080")
//	router.Handle("/mcp", c)
package mcp
