package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wricardo/move-car-relay/metrics"
	"github.com/wricardo/move-car-relay/relay/protocol"
)

const tier = "router"

// DefaultForwardTimeout bounds a forwarded push when Options leaves it unset.
const DefaultForwardTimeout = 5 * time.Second

// Handle is the push entry point of a resolved channel.
type Handle interface {
	HandlePush(ctx context.Context, env protocol.PushEnvelope) protocol.Response
}

// Resolver looks up the channel for a room identifier.
type Resolver func(roomID string) (Handle, bool)

// Options configures a Router.
type Options struct {
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	ForwardTimeout time.Duration
	RateLimit      RateLimit
	Now            func() time.Time
}

// Router forwards pushes to session channels.
type Router struct {
	resolve Resolver
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	limits  *limiterPool
}

// New creates a router reading channels through resolve.
func New(resolve Resolver, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = DefaultForwardTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Router{
		resolve: resolve,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		timeout: opts.ForwardTimeout,
	}
	if opts.RateLimit.enabled() {
		r.limits = newLimiterPool(opts.RateLimit, opts.Now)
	}
	return r
}

// Close releases the rate limiter's background cleanup.
func (r *Router) Close() {
	if r.limits != nil {
		r.limits.shutdown()
	}
}

// HandlePush validates env, resolves its room and forwards it.
func (r *Router) HandlePush(ctx context.Context, env protocol.PushEnvelope) (resp protocol.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("router panicked", "room", env.RoomID, "panic", rec)
			resp = protocol.ErrorResponse(protocol.ErrInternal)
		}
		r.metrics.Push(tier, outcomeFor(resp.Status))
	}()

	if err := env.ValidateRouted(); err != nil {
		return protocol.ErrorResponse(err)
	}

	h, ok := r.resolve(env.RoomID)
	if !ok || h == nil {
		r.logger.Debug("push for unknown room", "room", env.RoomID)
		return protocol.ErrorResponse(protocol.ErrRoomNotFound)
	}

	if r.limits != nil && !r.limits.Allow(env.RoomID) {
		r.logger.Warn("push rate limited", "room", env.RoomID)
		return protocol.ErrorResponse(protocol.ErrRateLimited)
	}

	resp, err := r.forward(ctx, h, env)
	if err != nil {
		r.logger.Error("forward failed", "room", env.RoomID, "error", err)
		return protocol.ErrorResponse(err)
	}
	return resp
}

// forward awaits the channel's response for at most the forward timeout.
// A channel gives up only before it queues the broadcast, so a 500 from a
// timeout normally means nothing was delivered. A handler that is still
// running at the deadline may finish its delivery after the 500 is
// returned, and its response is discarded.
func (r *Router) forward(ctx context.Context, h Handle, env protocol.PushEnvelope) (protocol.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		resp protocol.Response
		err  error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: fmt.Errorf("%w: channel panicked: %v", protocol.ErrInternal, rec)}
			}
		}()
		done <- result{resp: h.HandlePush(ctx, env)}
	}()

	select {
	case res := <-done:
		return res.resp, res.err
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("%w: forward: %v", protocol.ErrInternal, ctx.Err())
	}
}

// ServeHTTP serves POST /api/push-reply and answers everything else with the
// router status.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodPost && req.URL.Path == protocol.PushPath {
		env, err := protocol.DecodePushEnvelope(req.Body)
		if err != nil {
			r.metrics.Push(tier, protocol.Outcome(err))
			protocol.ErrorResponse(err).Render(w)
			return
		}
		r.HandlePush(req.Context(), env).Render(w)
		return
	}

	protocol.Status(protocol.StatusBody{
		Message:   "router running",
		Endpoints: []string{"POST " + protocol.PushPath},
	}).Render(w)
}

func outcomeFor(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "internal"
	case status >= 400:
		return "validation"
	default:
		return "ok"
	}
}
