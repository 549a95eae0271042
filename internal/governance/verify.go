package governance

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/audit"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/otel"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/persistence"
)

// VerifyChain verifies one primary persona's merge audit chain. A broken
// chain returns the report and an error wrapping
// persistence.ErrIntegrityViolation.
func (s *Service) VerifyChain(ctx context.Context, primaryID string) (audit.Report, error) {
	ctx, done := s.observe(ctx, "verify_chain", otel.AttrPersonaID.String(primaryID))
	report, err := s.verifyChain(ctx, primaryID)
	done(err)
	return report, err
}

func (s *Service) verifyChain(ctx context.Context, primaryID string) (audit.Report, error) {
	report, err := s.store.VerifyChain(ctx, primaryID)
	if s.metrics != nil && (err == nil || errors.Is(err, persistence.ErrIntegrityViolation)) {
		s.metrics.ChainsVerified.Add(ctx, 1)
		if err != nil {
			s.metrics.IntegrityViolations.Add(ctx, 1)
		}
	}
	return report, err
}

// Summary is the outcome of VerifyAll.
type Summary struct {
	Reports []audit.Report `json:"reports"`
	Broken  int            `json:"broken"`
}

// Valid reports whether every chain verified.
func (s Summary) Valid() bool { return s.Broken == 0 }

// VerifyAll verifies every primary persona's chain with at most WorkerCount
// chains in flight. Broken chains are counted in the summary, not returned
// as errors; any other failure aborts the sweep.
func (s *Service) VerifyAll(ctx context.Context) (Summary, error) {
	ctx, done := s.observe(ctx, "verify_all")
	sum, err := s.verifyAll(ctx)
	done(err)
	return sum, err
}

func (s *Service) verifyAll(ctx context.Context) (Summary, error) {
	primaries, err := s.store.MergeAuditPrimaries(ctx)
	if err != nil {
		return Summary{}, err
	}
	reports := make([]audit.Report, len(primaries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workerCount)
	for i, id := range primaries {
		g.Go(func() error {
			report, err := s.verifyChain(gctx, id)
			if err != nil && !errors.Is(err, persistence.ErrIntegrityViolation) {
				return fmt.Errorf("verify %s: %w", id, err)
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}
	sum := Summary{Reports: reports}
	for _, r := range reports {
		if !r.Valid {
			sum.Broken++
		}
	}
	if sum.Broken > 0 {
		s.logger.Error("merge audit sweep found broken chains", "broken", sum.Broken, "chains", len(reports))
	} else {
		s.logger.Info("merge audit sweep passed", "chains", len(reports))
	}
	return sum, nil
}
