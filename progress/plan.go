// Package progress implements the weighted, multi-stage progress ledger for
// long-running analysis tasks, plus snapshot persistence to the fast cache
// with a local-file fallback.
package progress

import (
	"fmt"
	"math"

	"github.com/tradingagents/analysisd/pipeline"
)

// Combined weights of each phase, in points on the 0-100 scale. The full
// plan always sums to exactly 100; this is checked at construction.
const (
	weightAnalystsTotal = 35.0
	weightDebateTotal   = 25.0
	weightTrader        = 8.0
	weightRiskTotal     = 15.0
)

// weightSumTolerance bounds floating-point drift in the weight-sum check.
const weightSumTolerance = 1e-9

// PlanStage is one named stage in the plan with its relative weight.
type PlanStage struct {
	Stage       pipeline.Stage `json:"stage"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Weight      float64        `json:"weight"` // points of the 0-100 scale
}

// Plan is the fixed, ordered stage plan for one task. Weights are fixed at
// construction from the analyst/depth configuration and never renormalized
// mid-run.
type Plan struct {
	Stages []PlanStage
}

// BuildPlan deterministically constructs the stage plan for the given
// analyst list and research depth.
func BuildPlan(analysts []pipeline.Analyst, depth pipeline.Depth) (Plan, error) {
	if len(analysts) == 0 {
		return Plan{}, fmt.Errorf("build plan: at least one analyst required")
	}

	stages := []PlanStage{
		{pipeline.StagePrepare, "Preparation", "Validate the symbol and check data source availability", 3},
		{pipeline.StageEnvCheck, "Environment Check", "Verify API key configuration", 2},
		{pipeline.StageCostCheck, "Cost Estimate", "Estimate API cost from the requested depth", 1},
		{pipeline.StageConfigure, "Parameter Setup", "Configure analysis parameters and model selection", 2},
		{pipeline.StageEngineStart, "Engine Start", "Initialize the analysis engine", 2},
	}

	analystWeight := weightAnalystsTotal / float64(len(analysts))
	for _, a := range analysts {
		name, desc := analystStageInfo(a)
		stages = append(stages, PlanStage{pipeline.AnalystStage(a), name, desc, analystWeight})
	}

	rounds := depth.DebateRounds()
	debateWeight := weightDebateTotal / float64(3+rounds)
	stages = append(stages,
		PlanStage{pipeline.StageBullResearcher, "Bull Researcher", "Build the buy case from analyst reports", debateWeight},
		PlanStage{pipeline.StageBearResearcher, "Bear Researcher", "Identify risks and weaknesses", debateWeight},
	)
	for i := 1; i <= rounds; i++ {
		stages = append(stages, PlanStage{
			pipeline.DebateRound(i),
			fmt.Sprintf("Debate Round %d", i),
			"Bull and bear researchers debate in depth",
			debateWeight,
		})
	}
	stages = append(stages, PlanStage{pipeline.StageResearchManager, "Research Manager", "Synthesize the debate into a research consensus", debateWeight})

	stages = append(stages, PlanStage{pipeline.StageTrader, "Trader Decision", "Derive a concrete trading strategy", weightTrader})

	riskWeight := weightRiskTotal / 4
	stages = append(stages,
		PlanStage{pipeline.StageRiskAggressive, "Aggressive Risk Assessment", "Assess risk from an aggressive stance", riskWeight},
		PlanStage{pipeline.StageRiskConservative, "Conservative Risk Assessment", "Assess risk from a conservative stance", riskWeight},
		PlanStage{pipeline.StageRiskNeutral, "Neutral Risk Assessment", "Assess risk from a neutral stance", riskWeight},
		PlanStage{pipeline.StageRiskManager, "Risk Manager", "Consolidate risk assessments into controls", riskWeight},
	)

	stages = append(stages,
		PlanStage{pipeline.StageSignal, "Signal Processing", "Turn all results into a trading signal", 4},
		PlanStage{pipeline.StageReport, "Report Generation", "Assemble the final analysis report", 3},
	)

	plan := Plan{Stages: stages}
	if sum := plan.WeightSum(); math.Abs(sum-100) > weightSumTolerance {
		return Plan{}, fmt.Errorf("build plan: stage weights sum to %v, want 100", sum)
	}
	return plan, nil
}

func analystStageInfo(a pipeline.Analyst) (name, desc string) {
	switch a {
	case pipeline.AnalystMarket:
		return "Market Analyst", "Analyze price action, volume, and technical indicators"
	case pipeline.AnalystFundamentals:
		return "Fundamentals Analyst", "Analyze financials, profitability, and growth"
	case pipeline.AnalystNews:
		return "News Analyst", "Analyze news flow, filings, and sector developments"
	case pipeline.AnalystSocial:
		return "Social Media Analyst", "Analyze social sentiment and retail attention"
	}
	return fmt.Sprintf("%s Analyst", a), fmt.Sprintf("Run the %s analysis", a)
}

// WeightSum returns the total weight of the plan.
func (p Plan) WeightSum() float64 {
	var sum float64
	for _, s := range p.Stages {
		sum += s.Weight
	}
	return sum
}

// Boundary returns the cumulative [start, end) percentage window of the
// i-th stage.
func (p Plan) Boundary(i int) (start, end float64) {
	for j := 0; j <= i && j < len(p.Stages); j++ {
		start = end
		end += p.Stages[j].Weight
	}
	return start, end
}

// BoundaryFor returns the cumulative end boundary of the named stage: the
// overall percentage reached once that stage has finished. The second
// return is false when the stage is not in the plan.
func (p Plan) BoundaryFor(stage pipeline.Stage) (float64, bool) {
	var cumulative float64
	for _, s := range p.Stages {
		cumulative += s.Weight
		if s.Stage == stage {
			return cumulative, true
		}
	}
	return 0, false
}

// baseSecondsByLevel is the per-depth base duration in seconds, calibrated
// from observed runs of the agent pipeline.
var baseSecondsByLevel = map[int]float64{
	1: 150,
	2: 180,
	3: 240,
	4: 330,
	5: 480,
}

// EstimateTotalSeconds returns the advisory total-duration estimate for a
// run. The estimate is fixed once computed: it is display heuristics, never
// a timeout, and is allowed to be exceeded by the actual elapsed time.
func EstimateTotalSeconds(analysts []pipeline.Analyst, depth pipeline.Depth, provider pipeline.Provider) float64 {
	base, ok := baseSecondsByLevel[depth.Level()]
	if !ok {
		base = baseSecondsByLevel[3]
	}

	// Analysts work partially in parallel, so the factor is superlinear
	// in count but well below linear.
	var analystMult float64
	switch n := len(analysts); {
	case n <= 1:
		analystMult = 1.0
	case n == 2:
		analystMult = 1.5
	case n == 3:
		analystMult = 2.0
	case n == 4:
		analystMult = 2.4
	default:
		analystMult = 2.4 + float64(n-4)*0.3
	}

	return base * analystMult * provider.SpeedMultiplier()
}
