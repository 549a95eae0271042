// Package governance composes the persona store with the live policy, the
// decision journal, the event bus and telemetry. It is the surface a tool
// dispatch layer calls before and while running persona tools.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/audit"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/bus"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/otel"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/persistence"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/policy"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/telemetry"
)

// ErrPermissionDenied is returned when the acting persona lacks a permission
// the operation requires.
var ErrPermissionDenied = errors.New("permission denied")

const defaultWorkerCount = 4

// Config holds the dependencies of a Service. Only Store is required.
type Config struct {
	Store   *persistence.Store
	Policy  *policy.LivePolicy
	Journal *audit.Journal
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics

	// WorkerCount bounds VerifyAll fan-out.
	WorkerCount int

	// BootstrapAdmin seeds the admin grant after each persona creation, so the
	// first persona of an empty store becomes the root administrator.
	BootstrapAdmin bool
}

type Service struct {
	store   *persistence.Store
	policy  *policy.LivePolicy
	journal *audit.Journal
	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics

	workerCount    int
	bootstrapAdmin bool

	validatorMu      sync.Mutex
	validator        *PayloadValidator
	validatorVersion string
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("governance: store is required")
	}
	s := &Service{
		store:          cfg.Store,
		policy:         cfg.Policy,
		journal:        cfg.Journal,
		bus:            cfg.Bus,
		logger:         cfg.Logger,
		tracer:         cfg.Tracer,
		metrics:        cfg.Metrics,
		workerCount:    cfg.WorkerCount,
		bootstrapAdmin: cfg.BootstrapAdmin,
	}
	if s.policy == nil {
		s.policy = policy.NewLivePolicy(policy.Default())
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if s.workerCount <= 0 {
		s.workerCount = defaultWorkerCount
	}
	return s, nil
}

// Store exposes the underlying store for read paths the service does not wrap.
func (s *Service) Store() *persistence.Store { return s.store }

// Policy returns the live policy.
func (s *Service) Policy() *policy.LivePolicy { return s.policy }

// ReloadPolicy swaps in the policy at path. On error the previous policy
// stays active.
func (s *Service) ReloadPolicy(path string) error {
	before := s.policy.PolicyVersion()
	if err := policy.ReloadFromFile(s.policy, path); err != nil {
		s.logger.Warn("policy reload rejected", "path", path, "error", err)
		return err
	}
	after := s.policy.PolicyVersion()
	if after != before {
		s.logger.Info("policy reloaded", "path", path, "version", after)
		s.bus.Publish(bus.TopicPolicyReloaded, bus.PolicyReloadedEvent{Version: after})
	}
	return nil
}

// Bootstrap grants the admin role to the earliest persona unless it already
// holds one.
func (s *Service) Bootstrap(ctx context.Context) (bool, error) {
	ctx, done := s.observe(ctx, "bootstrap")
	granted, err := s.store.BootstrapAdmin(ctx, s.policy.Snapshot().AdminPermissions)
	done(err)
	return granted, err
}

// observe starts a span for op and returns a completion func that ends it
// and records duration and conflict metrics.
func (s *Service) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, s.tracer, "governance."+op, attrs...)
	return ctx, func(err error) {
		if errors.Is(err, persistence.ErrConcurrencyConflict) && s.metrics != nil {
			s.metrics.ConcurrencyConflicts.Add(ctx, 1)
		}
		s.metrics.RecordOperation(ctx, op, time.Since(start).Seconds(), err)
		otel.EndSpan(span, err)
		if err != nil {
			telemetry.FromContext(ctx, s.logger).Debug("governance operation failed", "op", op, "error", err)
		}
	}
}
