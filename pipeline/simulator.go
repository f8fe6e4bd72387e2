package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Simulator is a deterministic Pipeline used in development mode and tests.
// It walks the full stage order for the request, sleeping StepDelay between
// stages, and returns a canned hold decision.
type Simulator struct {
	// StepDelay is the pause between stage notifications. Zero means no
	// pause, which is what tests want.
	StepDelay time.Duration

	// FailAt, when non-empty, aborts the run when the named stage is
	// reached, simulating a pipeline exception.
	FailAt Stage
}

// StageOrder returns the ordered reporting stages for a request.
func StageOrder(req Request) []Stage {
	stages := []Stage{
		StagePrepare, StageEnvCheck, StageCostCheck, StageConfigure, StageEngineStart,
	}
	for _, a := range req.Analysts {
		stages = append(stages, AnalystStage(a))
	}
	stages = append(stages, StageBullResearcher, StageBearResearcher)
	for i := 1; i <= req.Depth.DebateRounds(); i++ {
		stages = append(stages, DebateRound(i))
	}
	stages = append(stages,
		StageResearchManager,
		StageTrader,
		StageRiskAggressive, StageRiskConservative, StageRiskNeutral, StageRiskManager,
		StageSignal, StageReport,
	)
	return stages
}

// Propagate implements Pipeline.
func (s *Simulator) Propagate(ctx context.Context, req Request, progress ProgressFunc) (Decision, error) {
	if strings.TrimSpace(req.Symbol) == "" {
		return Decision{}, fmt.Errorf("empty symbol")
	}

	for _, stage := range StageOrder(req) {
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		default:
		}

		if s.FailAt != "" && stage == s.FailAt {
			return Decision{}, fmt.Errorf("simulated failure at stage %s", stage)
		}

		if progress != nil {
			progress(stage)
		}

		if s.StepDelay > 0 {
			select {
			case <-time.After(s.StepDelay):
			case <-ctx.Done():
				return Decision{}, ctx.Err()
			}
		}
	}

	return Decision{
		Action:     "hold",
		Confidence: 0.5,
		Summary:    fmt.Sprintf("simulated analysis of %s", req.Symbol),
		FinishedAt: time.Now(),
	}, nil
}
