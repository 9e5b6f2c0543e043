// Package main implements the entry point for the trdpsim daemon.
// trdpsim simulates and inspects TRDP (IEC 61375-2-3) train traffic: it
// loads a telegram configuration, drives cyclic process data and
// request/reply message data through the stack adapter, and serves a
// REST/WebSocket inspection surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/trdpsim/component"
	"github.com/c360/trdpsim/config"
	trdpengine "github.com/c360/trdpsim/engine"
	"github.com/c360/trdpsim/gateway"
	"github.com/c360/trdpsim/hub"
	"github.com/c360/trdpsim/metric"
	"github.com/c360/trdpsim/natsclient"
	filerecorder "github.com/c360/trdpsim/output/file"
	natsbridge "github.com/c360/trdpsim/output/nats"
	"github.com/c360/trdpsim/output/websocket"
	"github.com/c360/trdpsim/stack"
	"github.com/c360/trdpsim/telegram"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "trdpsim"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Run application with proper error handling
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	// Parse and validate CLI flags
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	// Load and validate configuration
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	// Wire the component graph
	ctx := context.Background()
	app, err := buildApplication(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close(ctx)

	// Run application with signal handling
	return runWithSignalHandling(ctx, app, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting trdpsim (TRDP simulation engine)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// application holds the wired component graph. components lists the start
// order; shutdown walks it in reverse.
type application struct {
	components []component.LifecycleComponent
	natsClient *natsclient.Client
	gateway    *gateway.Server
}

// buildApplication is the composition root: registry, stack, engine, hub,
// transports and gateway, wired in dependency order.
func buildApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	metricsRegistry := metric.NewMetricsRegistry()
	registry := telegram.NewRegistry(logger)

	trdpStack, err := buildStack(cfg, logger)
	if err != nil {
		return nil, err
	}

	// The hub snapshots through the engine, and the engine publishes into
	// the hub. The closure breaks the construction cycle; it is only
	// invoked once subscribers attach, well after New below.
	var eng *trdpengine.Engine
	eventHub := hub.NewHub(func() ([]hub.TelegramState, error) {
		return eng.Snapshot()
	}, logger, metricsRegistry)

	eng, err = trdpengine.New(trdpengine.Dependencies{
		Registry: registry,
		Stack:    trdpStack,
		Hub:      eventHub,
		Logger:   logger,
		Metrics:  metricsRegistry,
	}, cfg.Engine.ToEngine())
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	wsOutput, err := websocket.New(websocket.Dependencies{
		Hub:     eventHub,
		Logger:  logger,
		Metrics: metricsRegistry,
	})
	if err != nil {
		return nil, fmt.Errorf("create websocket output: %w", err)
	}

	app := &application{
		components: []component.LifecycleComponent{eng, wsOutput},
	}
	discoverable := []component.Discoverable{eng, wsOutput}

	// The trace recorder is optional; no path means no recorder.
	if cfg.Record.Path != "" {
		recorder, err := filerecorder.New(filerecorder.Dependencies{
			Hub:     eventHub,
			Logger:  logger,
			Metrics: metricsRegistry,
		}, cfg.Record.ToRecorder())
		if err != nil {
			return nil, fmt.Errorf("create trace recorder: %w", err)
		}
		app.components = append(app.components, recorder)
		discoverable = append(discoverable, recorder)
	}

	// The NATS bridge is optional; no URL means no bridge.
	if cfg.NATS.URL != "" {
		bridge, natsClient, err := buildNATSBridge(cfg, eventHub, logger, metricsRegistry)
		if err != nil {
			return nil, err
		}
		app.natsClient = natsClient
		app.components = append(app.components, bridge)
		discoverable = append(discoverable, bridge)
	}

	gw, err := gateway.New(gateway.Dependencies{
		Engine:     eng,
		Registry:   registry,
		WebSocket:  wsOutput,
		Components: discoverable,
		Logger:     logger,
		Metrics:    metricsRegistry,
	}, gateway.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		MaxRequestSize:  cfg.Server.MaxRequestSize,
		EnableCORS:      cfg.Server.EnableCORS,
		CORSOrigins:     cfg.Server.CORSOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	app.gateway = gw

	// Gateway starts last so the API only answers once the engine is up.
	app.components = append(app.components, gw)
	return app, nil
}

// buildStack creates the stub stack, seeding its resolver from the
// configured hosts file so the DNR endpoints answer in simulation mode.
func buildStack(cfg *config.Config, logger *slog.Logger) (stack.Stack, error) {
	var opts []stack.StubOption
	if cfg.Engine.HostsFile != "" {
		hosts, err := stack.ParseHostsFile(cfg.Engine.HostsFile)
		if err != nil {
			return nil, fmt.Errorf("parse hosts file: %w", err)
		}
		opts = append(opts, stack.WithHosts(hosts))
		slog.Info("Seeded stub resolver from hosts file",
			"path", cfg.Engine.HostsFile, "entries", len(hosts))
	}
	return stack.NewStub(logger, opts...), nil
}

// buildNATSBridge wires the event bridge onto the hub. The bridge connects
// the client during its own Start; with retry-on-failed-connect an
// unreachable broker degrades the bridge instead of failing startup.
func buildNATSBridge(
	cfg *config.Config,
	eventHub *hub.Hub,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
) (*natsbridge.Bridge, *natsclient.Client, error) {
	natsClient, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithLogger(logger),
		natsclient.WithRetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS client: %w", err)
	}

	bridge, err := natsbridge.New(natsbridge.Dependencies{
		Hub:     eventHub,
		Client:  natsClient,
		Logger:  logger,
		Metrics: metricsRegistry,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS bridge: %w", err)
	}

	return bridge, natsClient, nil
}

// start initializes and starts every component in order. On failure the
// already-started components are stopped in reverse before returning.
func (a *application) start(ctx context.Context) error {
	var started []component.LifecycleComponent
	for _, c := range a.components {
		name := c.Meta().Name
		if err := c.Initialize(); err != nil {
			a.stopStarted(started)
			return fmt.Errorf("initialize %s: %w", name, err)
		}
		if err := c.Start(ctx); err != nil {
			a.stopStarted(started)
			return fmt.Errorf("start %s: %w", name, err)
		}
		slog.Info("Component started", "component", name)
		started = append(started, c)
	}
	return nil
}

func (a *application) stopStarted(started []component.LifecycleComponent) {
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(5 * time.Second); err != nil {
			slog.Error("Component stop failed during rollback",
				"component", started[i].Meta().Name, "error", err)
		}
	}
}

// stop shuts components down in reverse start order. Every component gets
// the full timeout; the first error is returned after all have stopped.
func (a *application) stop(timeout time.Duration) error {
	var firstErr error
	for i := len(a.components) - 1; i >= 0; i-- {
		c := a.components[i]
		name := c.Meta().Name
		stopStart := time.Now()
		if err := c.Stop(timeout); err != nil {
			slog.Error("Component stop failed",
				"component", name,
				"duration_ms", time.Since(stopStart).Milliseconds(),
				"error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", name, err)
			}
			continue
		}
		slog.Debug("Component stopped",
			"component", name,
			"duration_ms", time.Since(stopStart).Milliseconds())
	}
	return firstErr
}

// close releases infrastructure that outlives the component graph.
func (a *application) close(ctx context.Context) {
	if a.natsClient != nil {
		if err := a.natsClient.Close(ctx); err != nil {
			slog.Error("NATS client close failed", "error", err)
		}
	}
}

// runWithSignalHandling starts the components and handles shutdown signals
func runWithSignalHandling(ctx context.Context, app *application, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.start(signalCtx); err != nil {
		return fmt.Errorf("start components: %w", err)
	}
	slog.Info("trdpsim started", "addr", app.gateway.Addr())

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := app.stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("trdpsim shutdown complete")
	return nil
}
