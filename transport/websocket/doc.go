// Package websocket hosts relay connections over WebSocket.
//
// The Hub upgrades HTTP requests, wraps each socket in a Client and attaches
// it to the session channel named by the request. A Client implements
// channel.Conn, so channels deliver frames to it without knowing about the
// transport.
//
// Connection Lifecycle:
//
// 1. Client connects to /rooms/{roomId} (or /ws?roomId=...)
// 2. Socket is upgraded and attached to the room, which sends the welcome frame
// 3. Every text message read is handed to the room's OnMessage hook
// 4. Disconnection, a read error or a full send queue triggers OnClose
//
// Each outbound frame is written as its own WebSocket text message.
//
// Concurrency:
//
// Every client runs a read pump and a write pump. Send only queues data, so
// a slow peer fills its own queue and gets disconnected instead of stalling
// the channel that is broadcasting to it.
package websocket
