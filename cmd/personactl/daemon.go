package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/bus"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/config"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/cron"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/policy"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/telemetry"
)

func runDaemonCommand(ctx context.Context, args []string, stderr io.Writer) int {
	fs := newFlagSet("daemon", stderr)
	quiet := fs.Bool("quiet", false, "log to the log file only")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: personactl daemon [-quiet]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(stderr, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsInit {
		if _, err := config.WriteDefault(cfg.HomeDir); err != nil {
			return fatalStartup(stderr, "E_CONFIG_WRITE", err)
		}
		if _, err := policy.WriteDefault(config.PolicyPath(cfg.HomeDir)); err != nil {
			return fatalStartup(stderr, "E_POLICY_WRITE", err)
		}
		if cfg, err = config.Load(); err != nil {
			return fatalStartup(stderr, "E_CONFIG_RELOAD", err)
		}
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		return fatalStartup(stderr, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config", cfg.Fingerprint())

	svc, err := openServices(ctx, cfg, logger, wireOptions{bootstrap: true, telemetry: true, journal: true})
	if err != nil {
		logger.Error("startup failure", "reason_code", "E_SERVICES_OPEN", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Close(shutdownCtx); err != nil {
			logger.Error("shutdown close failed", "error", err)
		}
	}()
	logger.Info("startup phase", "phase", "store_opened", "db_path", cfg.DBPath, "policy_version", svc.policy.PolicyVersion())

	var sweeper *cron.Sweeper
	if cfg.SweeperEnabled() {
		sweeper, err = cron.NewSweeper(cron.Config{Verifier: svc.gov, Logger: logger, Schedule: cfg.IntegritySchedule})
		if err != nil {
			logger.Error("startup failure", "reason_code", "E_SWEEPER_INIT", "error", err)
			return 1
		}
		sweeper.Start(ctx)
		defer sweeper.Stop()
	} else {
		logger.Info("integrity sweeper disabled")
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; policy hot reload disabled", "error", err)
	} else {
		go handleReloads(watcher.Events(), svc, cfg, logger)
	}

	violations := svc.bus.Subscribe(bus.TopicIntegrityViolation)
	defer svc.bus.Unsubscribe(violations)
	logger.Info("startup phase", "phase", "ready")

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return 0
		case ev := <-violations.Ch():
			if v, ok := ev.Payload.(bus.IntegrityViolationEvent); ok {
				logger.Error("merge audit integrity violation",
					"primary_persona_id", v.PrimaryPersonaID,
					"entry_id", v.EntryID,
					"seq", v.Seq,
					"reason", v.Reason,
				)
			}
		}
	}
}

// handleReloads applies policy edits live. Config edits need a restart.
func handleReloads(events <-chan config.ReloadEvent, svc *services, current config.Config, logger *slog.Logger) {
	for ev := range events {
		switch ev.Kind {
		case config.ReloadPolicy:
			if err := svc.gov.ReloadPolicy(ev.Path); err != nil {
				logger.Error("policy reload rejected; keeping previous policy", "path", ev.Path, "error", err)
			}
		case config.ReloadConfig:
			next, err := config.LoadFrom(current.HomeDir)
			if err != nil {
				logger.Error("config reload rejected", "error", err)
				continue
			}
			if next.Fingerprint() != current.Fingerprint() {
				logger.Warn("config.yaml changed; restart the daemon to apply",
					"previous", current.Fingerprint(), "next", next.Fingerprint())
			}
		}
	}
}
