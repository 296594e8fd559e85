// Command move-car-relay runs the move-car reply relay.
//
// It supports these commands:
//  1. "serve" (default): runs the HTTP server exposing the push API, room WebSockets, and an /mcp endpoint
//  2. "mcp": runs an MCP stdio server and spins up an internal relay if none is reachable
//  3. "push": sends one reply through a running relay
//  4. "validate-config": loads the configuration and reports problems
//
// Configuration comes from an optional YAML file, RELAY_* environment
// variables (a .env file is loaded first) and flags, in that order.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"github.com/wricardo/move-car-relay/api"
	"github.com/wricardo/move-car-relay/client"
	"github.com/wricardo/move-car-relay/config"
	"github.com/wricardo/move-car-relay/logging"
	"github.com/wricardo/move-car-relay/metrics"
	"github.com/wricardo/move-car-relay/relay/protocol"
	"github.com/wricardo/move-car-relay/relay/registry"
	"github.com/wricardo/move-car-relay/relay/router"
	"github.com/wricardo/move-car-relay/transport/mcp"
	"github.com/wricardo/move-car-relay/transport/websocket"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "Move Car Relay"
)

func main() {
	// Load .env file if it exists (ignore error if not found)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("error loading .env file", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "move-car-relay",
		Usage:   AppName,
		Version: Version,
		Flags:   globalFlags(),
		Action:  runServe,
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"server", "http"},
				Usage:   "Run the HTTP server with push API, WebSockets and MCP endpoint (default)",
				Action:  runServe,
			},
			{
				Name:    "mcp",
				Aliases: []string{"stdio-mcp", "mcp-stdio"},
				Usage:   "Run an MCP stdio server, starting an internal relay if none is reachable",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "url",
						Usage:   "Relay to proxy to (defaults to the configured local address)",
						Sources: cli.EnvVars("RELAY_URL"),
					},
				},
				Action: runStdioMCP,
			},
			{
				Name:  "push",
				Usage: "Push a reply through a running relay",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Value: "http://localhost:8080", Usage: "Relay base URL", Sources: cli.EnvVars("RELAY_URL")},
					&cli.StringFlag{Name: "room", Aliases: []string{"r"}, Usage: "Room identifier", Required: true},
					&cli.StringFlag{Name: "message", Aliases: []string{"m"}, Usage: "Reply text", Required: true},
					&cli.StringFlag{Name: "sender", Aliases: []string{"s"}, Usage: "Sender display name", Required: true},
					&cli.StringFlag{Name: "role", Usage: "Sender role"},
					&cli.StringFlag{Name: "record", Usage: "Related record identifier"},
					&cli.BoolFlag{Name: "direct", Usage: "Push to the room's channel endpoint instead of the router"},
				},
				Action: runPush,
			},
			{
				Name:   "validate-config",
				Usage:  "Load the configuration and report problems",
				Action: runValidateConfig,
			},
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file", Sources: cli.EnvVars("RELAY_CONFIG")},
		&cli.StringFlag{Name: "host", Usage: "HTTP server host"},
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "HTTP server port"},
		&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)"},
		&cli.StringFlag{Name: "log-format", Usage: "Log format (text, json)"},
		&cli.BoolFlag{Name: "lazy-resolve", Usage: "Create rooms on push instead of answering 404"},
		&cli.StringSliceFlag{Name: "allowed-origin", Usage: "Origin allowed to open WebSockets (repeatable)"},
		&cli.BoolFlag{Name: "ngrok", Usage: "Enable ngrok tunnel", Sources: cli.EnvVars("NGROK_ENABLED")},
		&cli.StringFlag{Name: "ngrok-auth", Usage: "Ngrok auth token", Sources: cli.EnvVars("NGROK_AUTHTOKEN", "NGROK_AUTH_TOKEN")},
		&cli.StringFlag{Name: "ngrok-domain", Usage: "Custom ngrok domain (optional)", Sources: cli.EnvVars("NGROK_DOMAIN")},
	}
}

// loadConfig layers flags over the file and environment configuration.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("log-level") {
		cfg.Logging.Level = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.Logging.Format = cmd.String("log-format")
	}
	if cmd.IsSet("lazy-resolve") {
		cfg.Router.LazyResolve = cmd.Bool("lazy-resolve")
	}
	if cmd.IsSet("allowed-origin") {
		cfg.Server.AllowedOrigins = cmd.StringSlice("allowed-origin")
	}
	if cmd.IsSet("ngrok") {
		cfg.Ngrok.Enabled = cmd.Bool("ngrok")
	}
	if cmd.IsSet("ngrok-auth") {
		cfg.Ngrok.AuthToken = cmd.String("ngrok-auth")
	}
	if cmd.IsSet("ngrok-domain") {
		cfg.Ngrok.Domain = cmd.String("ngrok-domain")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return logging.New(w, cfg.Logging.Level, cfg.Logging.Format)
}

// relay wires the registry, router, WebSocket hub and HTTP surface.
type relay struct {
	registry *registry.Registry
	router   *router.Router
	hub      *websocket.Hub
	handler  http.Handler
}

func newRelay(cfg *config.Config, logger *slog.Logger, baseURL string) *relay {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	reg := registry.New(registry.Options{
		Logger:  logger.With("component", "registry"),
		Metrics: m,
	})
	rt := router.New(reg.Resolver(cfg.Router.LazyResolve), router.Options{
		Logger:         logger.With("component", "router"),
		Metrics:        m,
		ForwardTimeout: cfg.Router.ForwardTimeout,
		RateLimit: router.RateLimit{
			RPS:   cfg.Router.RateLimitRPS,
			Burst: cfg.Router.RateLimitBurst,
			TTL:   cfg.Router.RateLimitTTL,
		},
	})
	hub := websocket.NewHub(api.RoomAttacher(reg), websocket.Options{
		Logger:         logger.With("component", "websocket"),
		SendBuffer:     cfg.Channel.SendBuffer,
		MaxMessageSize: cfg.Channel.MaxMessageSize,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	go hub.Run()

	handler := api.NewServer(reg, rt, hub, api.Options{
		Logger:  logger.With("component", "api"),
		Metrics: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		MCP:     mcp.NewClient(baseURL),
	})

	return &relay{
		registry: reg,
		router:   rt,
		hub:      hub,
		handler:  handler,
	}
}

func (r *relay) Close() {
	r.hub.Stop()
	r.router.Close()
	r.registry.Close()
}

// baseURLFor returns a URL that reaches the listener from this host.
func baseURLFor(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "http://" + addr.String()
	}
	host := "localhost"
	if !tcp.IP.IsUnspecified() {
		host = tcp.IP.String()
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	logger.Info("starting", "app", AppName, "version", Version)
	return serve(ctx, cfg, logger, ln)
}

// serve runs the relay on ln until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	baseURL := baseURLFor(ln.Addr())
	rl := newRelay(cfg, logger, baseURL)
	defer rl.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpServer := &http.Server{
		Handler:           rl.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go rl.registry.RunCleanup(ctx, cfg.Channel.CleanupInterval, cfg.Channel.IdleTTL)

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()

		logger.Info("HTTP server listening", "addr", ln.Addr().String())
		logger.Info("endpoints",
			"push", baseURL+protocol.PushPath,
			"rooms", baseURL+"/api/rooms",
			"websocket", baseURL+"/rooms/<roomId>",
			"mcp", baseURL+"/mcp")

		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	if cfg.Ngrok.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runNgrok(ctx, cfg.Ngrok, rl.handler, logger); err != nil {
				logger.Error("ngrok tunnel failed", "error", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	rl.hub.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	wg.Wait()
	logger.Info("server stopped")
	return serveErr
}

// runNgrok serves handler through an ngrok tunnel until ctx is done.
func runNgrok(ctx context.Context, cfg config.NgrokConfig, handler http.Handler, logger *slog.Logger) error {
	var tunnel ngrokConfig.Tunnel
	if cfg.Domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(cfg.Domain))
		logger.Info("using custom ngrok domain", "domain", cfg.Domain)
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(cfg.AuthToken))
	if err != nil {
		return fmt.Errorf("start ngrok tunnel: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			logger.Warn("failed to close ngrok tunnel", "error", err)
		}
	}()

	url := tun.URL()
	logger.Info("ngrok tunnel established",
		"url", url,
		"push", url+protocol.PushPath,
		"websocket", url+"/rooms/<roomId>")

	if err := http.Serve(tun, handler); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		return err
	}
	logger.Info("ngrok tunnel closed")
	return nil
}

// relayReachable reports whether a relay answers at baseURL.
func relayReachable(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := client.New(baseURL).Status(ctx)
	return err == nil
}

// runStdioMCP runs an MCP stdio server. It reuses a relay at --url (or the
// configured local address) when one answers, and otherwise starts an
// internal relay on a random loopback port.
func runStdioMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// stdout carries the MCP stream
	logger := newLogger(cfg, os.Stderr)

	baseURL := cmd.String("url")
	if baseURL == "" {
		host := cfg.Server.Host
		if host == "" {
			host = "localhost"
		}
		baseURL = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
	}

	// cancel runs before Wait so the internal relay shuts down first.
	var internal sync.WaitGroup
	defer internal.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("checking for external relay", "url", baseURL)
	if relayReachable(ctx, baseURL) {
		logger.Info("external relay found, using it for MCP", "url", baseURL)
	} else {
		logger.Info("no external relay found, starting internal relay")

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to get available port: %w", err)
		}
		baseURL = baseURLFor(ln.Addr())

		internalCfg := *cfg
		internalCfg.Ngrok.Enabled = false

		internal.Add(1)
		go func() {
			defer internal.Done()
			if err := serve(ctx, &internalCfg, logger, ln); err != nil {
				logger.Error("internal relay error", "error", err)
			}
		}()
	}

	logger.Info("MCP stdio server ready", "relay", baseURL)
	if err := mcp.NewClient(baseURL).ServeStdio(); err != nil {
		return fmt.Errorf("MCP stdio server error: %w", err)
	}
	return nil
}

func runPush(ctx context.Context, cmd *cli.Command) error {
	c := client.New(cmd.String("url"))
	env := protocol.PushEnvelope{
		RoomID:     cmd.String("room"),
		Message:    cmd.String("message"),
		SenderName: cmd.String("sender"),
		SenderRole: cmd.String("role"),
		RecordID:   cmd.String("record"),
	}

	var (
		ack protocol.PushAck
		err error
	)
	if cmd.Bool("direct") {
		ack, err = c.PushToRoom(ctx, env.RoomID, env)
	} else {
		ack, err = c.Push(ctx, env)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.Root().Writer, "Pushed to room %s (%d listener(s) reached)\n", ack.RoomID, ack.Delivered)
	return nil
}

func runValidateConfig(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	fmt.Fprintf(w, "Configuration OK\n")
	fmt.Fprintf(w, "  listen:          %s\n", cfg.Addr())
	fmt.Fprintf(w, "  forward timeout: %s\n", cfg.Router.ForwardTimeout)
	fmt.Fprintf(w, "  lazy resolve:    %t\n", cfg.Router.LazyResolve)
	fmt.Fprintf(w, "  idle ttl:        %s\n", cfg.Channel.IdleTTL)
	fmt.Fprintf(w, "  log:             %s (%s)\n", cfg.Logging.Level, cfg.Logging.Format)
	fmt.Fprintf(w, "  ngrok:           %t\n", cfg.Ngrok.Enabled)
	return nil
}
