// Package pipeline defines the boundary to the multi-agent analysis
// pipeline. The pipeline itself is an opaque, long-running collaborator;
// this package pins down the request/decision types and the closed
// vocabulary of stage identifiers it reports progress with.
package pipeline

import (
	"context"
	"fmt"
	"time"
)

// Analyst identifies one member of the analyst team.
type Analyst string

// Known analysts.
const (
	AnalystMarket       Analyst = "market"
	AnalystFundamentals Analyst = "fundamentals"
	AnalystNews         Analyst = "news"
	AnalystSocial       Analyst = "social"
)

// Valid reports whether the analyst identifier is a known one.
func (a Analyst) Valid() bool {
	switch a {
	case AnalystMarket, AnalystFundamentals, AnalystNews, AnalystSocial:
		return true
	}
	return false
}

// Depth is the requested research depth level.
type Depth string

// Research depth levels, from fastest to most thorough.
const (
	DepthFast          Depth = "fast"
	DepthBasic         Depth = "basic"
	DepthStandard      Depth = "standard"
	DepthDeep          Depth = "deep"
	DepthComprehensive Depth = "comprehensive"
)

// Level returns the numeric depth level (1-5). Unknown depths map to
// the standard level.
func (d Depth) Level() int {
	switch d {
	case DepthFast:
		return 1
	case DepthBasic:
		return 2
	case DepthStandard:
		return 3
	case DepthDeep:
		return 4
	case DepthComprehensive:
		return 5
	}
	return 3
}

// DebateRounds returns the number of research debate rounds for the depth.
func (d Depth) DebateRounds() int {
	switch d {
	case DepthFast, DepthBasic:
		return 1
	case DepthStandard:
		return 2
	default:
		return 3
	}
}

// Provider identifies the model provider executing the pipeline.
type Provider string

// Known providers.
const (
	ProviderDashScope Provider = "dashscope"
	ProviderDeepSeek  Provider = "deepseek"
	ProviderGoogle    Provider = "google"
)

// SpeedMultiplier returns the provider's relative execution-time factor.
// Unknown providers run at the baseline.
func (p Provider) SpeedMultiplier() float64 {
	switch p {
	case ProviderDeepSeek:
		return 0.8
	case ProviderGoogle:
		return 1.2
	}
	return 1.0
}

// Stage identifies one reporting point in the pipeline. The set is closed:
// the pipeline reports progress only with these identifiers, so no text
// matching is ever needed to place an event on the stage plan.
type Stage string

// Preparation stages.
const (
	StagePrepare     Stage = "prepare"
	StageEnvCheck    Stage = "env_check"
	StageCostCheck   Stage = "cost_estimate"
	StageConfigure   Stage = "configure"
	StageEngineStart Stage = "engine_start"
)

// Analyst team stages.
const (
	StageMarketAnalyst       Stage = "market_analyst"
	StageFundamentalsAnalyst Stage = "fundamentals_analyst"
	StageNewsAnalyst         Stage = "news_analyst"
	StageSocialAnalyst       Stage = "social_analyst"
)

// Research debate stages. Debate rounds carry an index suffix via
// DebateRound.
const (
	StageBullResearcher  Stage = "bull_researcher"
	StageBearResearcher  Stage = "bear_researcher"
	StageResearchManager Stage = "research_manager"
)

// Trading and risk stages.
const (
	StageTrader           Stage = "trader"
	StageRiskAggressive   Stage = "risk_aggressive"
	StageRiskConservative Stage = "risk_conservative"
	StageRiskNeutral      Stage = "risk_neutral"
	StageRiskManager      Stage = "risk_manager"
)

// Finalization stages.
const (
	StageSignal Stage = "signal"
	StageReport Stage = "report"
)

// DebateRound returns the stage identifier for the i-th debate round
// (1-based).
func DebateRound(i int) Stage {
	return Stage(fmt.Sprintf("debate_round_%d", i))
}

// AnalystStage maps an analyst to its reporting stage.
func AnalystStage(a Analyst) Stage {
	switch a {
	case AnalystMarket:
		return StageMarketAnalyst
	case AnalystFundamentals:
		return StageFundamentalsAnalyst
	case AnalystNews:
		return StageNewsAnalyst
	case AnalystSocial:
		return StageSocialAnalyst
	}
	return Stage(fmt.Sprintf("%s_analyst", a))
}

// Request describes one analysis run.
type Request struct {
	TaskID   string
	Symbol   string
	Date     string
	Analysts []Analyst
	Depth    Depth
	Provider Provider
}

// Decision is the structured outcome of a completed run.
type Decision struct {
	Action     string         `json:"action"` // buy, sell, hold
	Confidence float64        `json:"confidence"`
	Summary    string         `json:"summary,omitempty"`
	Reports    map[string]any `json:"reports,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}

// ProgressFunc receives stage notifications during a run. It is invoked
// sequentially, in stage order, from the goroutine executing the pipeline.
type ProgressFunc func(stage Stage)

// Pipeline is the entry point to the agent graph. Propagate blocks for the
// duration of the run, which may be many minutes; callers must not invoke
// it from a goroutine that serves other tasks.
type Pipeline interface {
	Propagate(ctx context.Context, req Request, progress ProgressFunc) (Decision, error)
}
