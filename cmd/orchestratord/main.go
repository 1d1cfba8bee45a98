// Command orchestratord runs the multi-agent orchestrator core: it wires
// the durable store, the gateway client, the event bus, and the Agent
// Lifecycle and Team Orchestrator subsystems, runs startup recovery, and
// serves until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/clock"
	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/gateway"
	"github.com/kandev/orchestrator/internal/orchestrator/agent"
	"github.com/kandev/orchestrator/internal/orchestrator/recovery"
	"github.com/kandev/orchestrator/internal/orchestrator/team"
	"github.com/kandev/orchestrator/internal/persistence"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/store/postgres"
	"github.com/kandev/orchestrator/internal/store/sqlite"
)

// Exit codes, per the orchestrator's operator contract.
const (
	exitOK             = 0
	exitInitFailure    = 1
	exitRecoveryFailed = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitInitFailure
	}

	// 2. Initialize logger.
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitInitFailure
	}
	defer log.Sync()
	logger.SetDefault(log)
	log.Info("starting orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. In-process event bus, with an optional NATS fan-out sink.
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	if cfg.NATS.URL != "" {
		sink, err := bus.NewNATSSink(cfg.NATS.URL, cfg.NATS.ClientID, cfg.NATS.MaxReconnects, log)
		if err != nil {
			log.Error("failed to connect NATS fan-out sink, continuing without it", zap.Error(err))
		} else {
			defer sink.Close()
			if _, err := eventBus.Subscribe(">", func(ctx context.Context, subject string, evt *bus.Event) {
				sink.Forward(ctx, subject, evt)
			}); err != nil {
				log.Error("failed to subscribe NATS fan-out sink", zap.Error(err))
			}
			log.Info("forwarding events to NATS", zap.String("url", cfg.NATS.URL))
		}
	}

	// 4. Durable store.
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Error("failed to open store", zap.Error(err))
		return exitInitFailure
	}
	defer st.Close()
	log.Info("opened store", zap.String("driver", cfg.Store.Driver))

	// 5. Persistence (optimistic-lock retry, audit, checkpoints).
	clk := clock.Real{}
	p := persistence.New(st, cfg.Team, clk, log)

	// 6. Gateway client. Start blocks until connected, or degrades/fails per
	// cfg.Gateway.Strict.
	sessions := gateway.NewSessionMap()
	gw := gateway.New(cfg.Gateway, eventBus, sessions, log)
	if err := gw.Start(ctx); err != nil {
		log.Error("failed to start gateway client", zap.Error(err))
		return exitInitFailure
	}
	defer gw.Stop()
	if gw.IsDegraded() {
		log.Warn("gateway client started in degraded mode")
	}

	// 7. Agent Lifecycle.
	lc := agent.New(p, gw, sessions, eventBus, clk, log)
	if err := lc.Start(ctx); err != nil {
		log.Error("failed to start agent lifecycle", zap.Error(err))
		return exitInitFailure
	}
	defer lc.Stop()

	// 8. Team Orchestrator.
	teamOrch := team.New(p, lc, eventBus, clk, log, cfg.Team.ScaleDownTimeout(), cfg.Team.DefaultMaxAgents)
	_ = teamOrch

	// 9. Startup recovery. Must complete before any new operation is
	// accepted.
	rec := recovery.New(p, gw, eventBus, clk, log)
	result, err := rec.Run(ctx)
	if err != nil {
		log.Error("recovery pass failed", zap.Error(err))
		return exitRecoveryFailed
	}
	if len(result.Errors) > 0 {
		log.Error("recovery pass produced unrecoverable errors",
			zap.Int("count", len(result.Errors)),
			zap.Int("teams_recovered", result.TeamsRecovered),
			zap.Int("agents_recovered", result.AgentsRecovered),
			zap.Int("sessions_recovered", result.SessionsRecovered))
		return exitRecoveryFailed
	}
	log.Info("recovery complete",
		zap.Int("teams_recovered", result.TeamsRecovered),
		zap.Int("agents_recovered", result.AgentsRecovered),
		zap.Int("sessions_recovered", result.SessionsRecovered))

	// 10. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down orchestrator")

	// 11. Graceful shutdown: cancel in-flight work, let deferred Close/Stop
	// calls run in reverse wiring order.
	cancel()
	time.Sleep(100 * time.Millisecond)

	return exitOK
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		maxConns := int32(cfg.MaxConns)
		if maxConns <= 0 {
			maxConns = 10
		}
		return postgres.Open(ctx, cfg.DSN, maxConns)
	default:
		return sqlite.Open(cfg.Path)
	}
}
