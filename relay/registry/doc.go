// Package registry hosts the relay's session channels.
//
// The Registry maps channel identifiers to running channels. It creates a
// channel on first access, starts its event loop, and retires it again once
// it has had no members for longer than the idle TTL.
//
// Channel Identifiers:
//
// Identifiers are opaque and case-sensitive. The only rejected identifier is
// the empty string (ErrInvalidChannelID).
//
// Concurrency:
//
// The registry is safe for concurrent use. Attach holds the read lock while
// the connection is handed to the channel, and idle retirement holds the
// write lock, so a connection can never join a channel that is being
// retired underneath it.
//
// Usage:
//
//	reg := registry.New(registry.Options{Logger: logger})
//	defer reg.Close()
//
//	ch, err := reg.Attach("s1", conn)
//	rt := router.New(reg.Resolver(false), router.Options{})
//
//	go reg.RunCleanup(ctx, time.Minute, 10*time.Minute)
package registry
