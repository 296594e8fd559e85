// Package protocol defines the wire shapes exchanged by the reply relay.
//
// The protocol package implements:
//   - Lifecycle frames sent to a single connection (welcome, room_joined, error)
//   - The reply_message frame broadcast to every member of a channel
//   - Push envelopes accepted over HTTP at the router and channel tiers
//   - The error taxonomy and its mapping to HTTP status codes
//
// Connection Protocol:
//
// Frames are JSON text messages tagged by a "type" field:
//
//	server -> client  {"type":"welcome","message":"...","roomId":"s1","timestamp":"..."}
//	client -> server  {"type":"join_room"}
//	server -> client  {"type":"room_joined","roomId":"s1","message":"..."}
//	server -> client  {"type":"error","message":"message format error"}
//	server -> all     {"type":"reply_message","id":"...","message":"...","senderName":"...","timestamp":"..."}
//
// Inbound frames are decoded into a closed set of kinds by ParseInbound.
// Anything that is not a JSON object is a format error; an object with an
// unrecognized type is reported as InboundUnknown and ignored by callers.
//
// Error Taxonomy:
//
//   - ErrMissingFields: 400, caller must fix the request
//   - ErrRoomNotFound: 404, no live channel for the identifier
//   - ErrRateLimited: 429, too many pushes for one channel
//   - ErrInternal, ErrInvalidBody: 500, the push could not be parsed or handled
//   - ErrFormat: answered in-band with an error frame, never over HTTP
package protocol
