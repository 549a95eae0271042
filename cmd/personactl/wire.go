package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/audit"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/bus"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/config"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/governance"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/otel"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/persistence"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/policy"
)

// services is the wired governance stack shared by the daemon and the
// one-shot commands.
type services struct {
	bus      *bus.Bus
	store    *persistence.Store
	policy   *policy.LivePolicy
	journal  *audit.Journal
	provider *otel.Provider
	gov      *governance.Service
}

type wireOptions struct {
	// bootstrap seeds the admin grant while opening the store.
	bootstrap bool
	telemetry bool
	journal   bool
}

func openServices(ctx context.Context, cfg config.Config, logger *slog.Logger, opts wireOptions) (_ *services, err error) {
	s := &services{bus: bus.New(), provider: otel.Noop()}
	defer func() {
		if err != nil {
			_ = s.Close(ctx)
		}
	}()

	pol, err := policy.Load(config.PolicyPath(cfg.HomeDir))
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	s.policy = policy.NewLivePolicy(pol)

	if opts.telemetry {
		s.provider, err = otel.Init(ctx, cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
	}
	metrics, err := otel.NewMetrics(s.provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	storeOpts := []persistence.Option{
		persistence.WithLogger(logger),
		persistence.WithBusyRetries(cfg.BusyRetries),
		persistence.WithReservedTools(s.policy.SystemTools),
	}
	if opts.bootstrap && cfg.BootstrapAdmin {
		storeOpts = append(storeOpts, persistence.WithAdminBootstrap(pol.AdminPermissions))
	}
	s.store, err = persistence.Open(cfg.DBPath, s.bus, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if opts.journal && cfg.DecisionJournal {
		s.journal, err = audit.OpenJournal(cfg.HomeDir)
		if err != nil {
			return nil, fmt.Errorf("open decision journal: %w", err)
		}
	}

	s.gov, err = governance.New(governance.Config{
		Store:          s.store,
		Policy:         s.policy,
		Journal:        s.journal,
		Bus:            s.bus,
		Logger:         logger,
		Tracer:         s.provider.Tracer,
		Metrics:        metrics,
		WorkerCount:    cfg.WorkerCount,
		BootstrapAdmin: cfg.BootstrapAdmin,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases everything openServices acquired. It is safe on a
// partially built value.
func (s *services) Close(ctx context.Context) error {
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.provider != nil {
		errs = append(errs, s.provider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
