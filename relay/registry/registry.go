package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wricardo/move-car-relay/metrics"
	"github.com/wricardo/move-car-relay/relay/channel"
	"github.com/wricardo/move-car-relay/relay/router"
)

var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrInvalidChannelID = errors.New("invalid channel ID")
)

// Options configures a Registry.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Info describes a live channel.
type Info struct {
	RoomID     string    `json:"roomId"`
	Members    int       `json:"members"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
}

// Registry owns the identifier to channel map.
type Registry struct {
	channels map[string]*channel.Channel
	mu       sync.RWMutex

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		channels: make(map[string]*channel.Channel),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
}

// Get retrieves a live channel by identifier.
func (r *Registry) Get(id string) (*channel.Channel, error) {
	if id == "" {
		return nil, ErrInvalidChannelID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}

// GetOrCreate returns the channel for id, starting a new one if needed.
func (r *Registry) GetOrCreate(id string) (*channel.Channel, error) {
	if ch, err := r.Get(id); err == nil || !errors.Is(err, ErrChannelNotFound) {
		return ch, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(id), nil
}

func (r *Registry) createLocked(id string) *channel.Channel {
	if ch, ok := r.channels[id]; ok {
		return ch
	}

	ch := channel.New(id, channel.Options{
		Logger:  r.logger.With("component", "channel"),
		Metrics: r.metrics,
		Now:     r.now,
	})
	go ch.Run()

	r.channels[id] = ch
	r.metrics.ChannelOpened()
	r.logger.Info("channel opened", "room", id)
	return ch
}

// Attach connects conn to the channel for id, creating the channel if
// needed.
func (r *Registry) Attach(id string, conn channel.Conn) (*channel.Channel, error) {
	for {
		ch, err := r.GetOrCreate(id)
		if err != nil {
			return nil, err
		}

		r.mu.RLock()
		if r.channels[id] != ch {
			// Retired between lookup and attach.
			r.mu.RUnlock()
			continue
		}
		ch.OnConnect(conn)
		r.mu.RUnlock()
		return ch, nil
	}
}

// List returns every live channel, sorted by identifier.
func (r *Registry) List() []Info {
	r.mu.RLock()
	channels := make([]*channel.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()

	result := make([]Info, 0, len(channels))
	for _, ch := range channels {
		snap, ok := ch.Snapshot()
		if !ok {
			continue
		}
		result = append(result, Info{
			RoomID:     snap.RoomID,
			Members:    len(snap.Members),
			CreatedAt:  snap.CreatedAt,
			LastActive: snap.LastActive,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].RoomID < result[j].RoomID
	})
	return result
}

// Count returns the number of live channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Delete stops the channel for id and forgets it. Its members are
// disconnected.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	r.retireLocked(id, ch)
	return nil
}

// CleanupIdle retires channels that have had no members for longer than
// maxIdle. It returns the number of channels retired.
func (r *Registry) CleanupIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxIdle)
	removed := 0

	for id, ch := range r.channels {
		snap, ok := ch.Snapshot()
		if ok && (len(snap.Members) > 0 || !snap.LastActive.Before(cutoff)) {
			continue
		}
		r.retireLocked(id, ch)
		removed++
	}

	return removed
}

// RunCleanup calls CleanupIdle every interval until ctx is done.
func (r *Registry) RunCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := r.CleanupIdle(maxIdle); removed > 0 {
				r.logger.Info("retired idle channels", "count", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Resolver returns the lookup the router forwards through. A strict
// resolver only finds live channels; a lazy one creates them on demand.
func (r *Registry) Resolver(lazy bool) router.Resolver {
	return func(id string) (router.Handle, bool) {
		var (
			ch  *channel.Channel
			err error
		)
		if lazy {
			ch, err = r.GetOrCreate(id)
		} else {
			ch, err = r.Get(id)
		}
		if err != nil {
			return nil, false
		}
		return ch, true
	}
}

// Close stops every channel.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, ch := range r.channels {
		r.retireLocked(id, ch)
	}
}

func (r *Registry) retireLocked(id string, ch *channel.Channel) {
	delete(r.channels, id)
	ch.Stop()
	r.metrics.ChannelClosed()
	r.logger.Info("channel retired", "room", id)
}
