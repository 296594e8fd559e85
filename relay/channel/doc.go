// Package channel implements the per-session broadcast channel of the relay.
//
// A Channel owns the live membership of one session identifier. Listeners
// join it through the connection host, and pushes accepted over HTTP are
// rebroadcast to every member present at the instant of the broadcast.
//
// Lifecycle Hooks:
//
//   - OnConnect: add the connection and send it a welcome frame
//   - OnMessage: answer join_room with room_joined, malformed input with an
//     error frame, ignore anything else
//   - OnClose: remove the connection (idempotent)
//   - HandlePush / ServeHTTP: validate a push and fan it out
//   - Stop: disconnect every member; later hooks are no-ops
//
// Concurrency:
//
// Every hook is funnelled through the channel's own event loop (Run), so
// membership changes and broadcast iteration never interleave for a given
// channel. Different channels share nothing and run in parallel. Delivery
// to each member goes through Conn.Send, which must not block on network
// I/O; a slow or failed member never stalls the others.
//
// Usage:
//
//	ch := channel.New("s1", channel.Options{Logger: logger})
//	go ch.Run()
//	defer ch.Stop()
//
//	ch.OnConnect(conn)
//	resp := ch.HandlePush(ctx, protocol.PushEnvelope{Message: "move now", SenderName: "Alice"})
package channel
