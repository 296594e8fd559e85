// Package router addresses pushes to the session channel named by their
// roomId.
//
// The Router holds no channel state of its own. It is handed a Resolver by
// the host and only reads through it, so tests can drive it with any map of
// fake handles.
//
// Outcomes of POST /api/push-reply:
//
//   - 400 {"error":"missing required fields"} when roomId, message or
//     senderName is empty, or the body is not JSON
//   - 404 {"error":"room not found"} when the resolver has no channel
//   - 429 {"error":"too many requests"} when per-room limiting is enabled
//   - 500 {"error":"internal server error"} on timeout or panic
//   - otherwise the channel's own response, unmodified
//
// Any other request is answered with the router status.
package router
