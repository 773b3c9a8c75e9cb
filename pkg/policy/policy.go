// Package policy implements the per-sandbox idle-time decision policy: the
// pure function from a sandbox's flags and its environment's live
// statistics to a tentative decision (purge/warm/base/dedup), followed by
// the shared post-processing rules every variant obeys.
package policy

import "github.com/cuemby/dedupd/pkg/types"

// Constraint selects which resource Boundary treats as the binding
// constraint.
type Constraint int

const (
	ConstraintMemory Constraint = iota
	ConstraintLatency
)

// Inputs bundles everything a decision needs: the sandbox's own flags and
// idle time, its application's timing, its environment's live stats, and
// the policy's tunable parameters.
type Inputs struct {
	Policy types.Policy

	IdleSeconds float64
	ExecTimeMs  float64

	IsDedup     bool
	IsBase      bool
	Blacklisted bool

	NumWarm  int
	NumDedup int
	NumBase  int

	WarmStartEMA  float64 // ms
	DedupStartEMA float64 // ms

	MaxArrivalRate   float64 // per second
	MovingWindowRate float64 // per second

	ReusePeriodMs float64
	DedupPerBase  int
	BaseReady     bool

	// Boundary-only parameters.
	Constraint       Constraint
	Alpha            float64 // latency_threshold multiplier input
	Beta             float64
	Gamma            float64
	LatencyThreshold float64
	MemoryFraction   float64
	PerSandboxMemMB  float64
	DedupBenefit     float64
}

// wrp is the warm-reuse-period term shared by every heuristic variant:
// (warm_start_ema + exec_time + reuse_period) / 1000, converting an
// all-millisecond numerator to seconds.
func (in Inputs) wrp() float64 {
	return (in.WarmStartEMA + in.ExecTimeMs + in.ReusePeriodMs) / 1000.0
}

// drp is the dedup-reuse-period term, substituting dedup_start_ema for
// warm_start_ema.
func (in Inputs) drp() float64 {
	return (in.DedupStartEMA + in.ExecTimeMs + in.ReusePeriodMs) / 1000.0
}

func (in Inputs) provisioned(includeDedup bool) float64 {
	wrp := in.wrp()
	if wrp <= 0 {
		wrp = 1
	}
	p := float64(in.NumWarm+in.NumBase) / wrp
	if includeDedup {
		drp := in.drp()
		if drp <= 0 {
			drp = 1
		}
		p += float64(in.NumDedup) / drp
	}
	return p
}

// Decide computes the final decision for a sandbox: a tentative value from
// the configured policy variant, then the shared post-processing rules.
func Decide(in Inputs) types.Decision {
	tentative := tentativeDecision(in)
	return postProcess(in, tentative)
}

func tentativeDecision(in Inputs) types.Decision {
	switch in.Policy {
	case types.PolicyOpenwhisk:
		return noneOpenwhisk(in)
	case types.PolicyNone:
		return noneHeuristic(in)
	case types.PolicyHeuristic:
		return heuristic(in)
	case types.PolicyHeuristicOpenwhisk:
		return heuristicOpenwhisk(in)
	case types.PolicyBoundary:
		return boundary(in)
	default:
		return noneHeuristic(in)
	}
}

// noneOpenwhisk always fires on fixed idle timeout, no heuristic involved.
func noneOpenwhisk(_ Inputs) types.Decision {
	return types.DecisionPurge
}

func noneHeuristic(in Inputs) types.Decision {
	p := in.provisioned(false)
	if p > in.MaxArrivalRate {
		return types.DecisionPurge
	}
	return types.DecisionWarm
}

func heuristic(in Inputs) types.Decision {
	p := in.provisioned(true)
	gamma := in.Gamma
	if gamma == 0 {
		gamma = 1
	}
	if p > gamma*in.MaxArrivalRate {
		return types.DecisionPurge
	}
	if p > in.MovingWindowRate && in.BaseReady {
		return types.DecisionDedup
	}
	return types.DecisionWarm
}

// heuristicOpenwhisk is resolved per the documented open-question decision:
// provisioned is still computed for instrumentation parity, but the
// tentative is always WARM — post-processing's base-quota and
// dedup-to-warm rules carry this variant's real effect, matching the only
// code path that was ever live.
func heuristicOpenwhisk(in Inputs) types.Decision {
	_ = in.provisioned(true)
	return types.DecisionWarm
}

func boundary(in Inputs) types.Decision {
	if in.IdleSeconds >= 600 && !in.IsDedup && !in.IsBase {
		return types.DecisionPurge
	}
	if in.IsDedup && in.IdleSeconds >= 900 {
		return types.DecisionPurge
	}

	wrp := in.wrp()
	drp := in.drp()
	dedupCost := 1.0
	if wrp != 0 {
		dedupCost = wrp / drp
	}

	total := float64(in.NumWarm + in.NumBase + in.NumDedup)
	dLambda := (total - in.MaxArrivalRate*wrp) / (1 - dedupCost)

	switch in.Constraint {
	case ConstraintLatency:
		if dLambda < 0 {
			return types.DecisionWarm
		}
		warmStart := in.WarmStartEMA
		if warmStart == 0 {
			warmStart = 1
		}
		frac := (in.DedupStartEMA*dedupCost)/warmStart - 1
		if frac == 0 {
			frac = 1
		}
		dLat := (in.LatencyThreshold*wrp*in.MaxArrivalRate - total) / frac
		dOpt := dLat
		if dLambda < dOpt {
			dOpt = dLambda
		}
		if dLat < 0 {
			return types.DecisionPurge
		}
		if float64(in.NumDedup) < dOpt {
			return types.DecisionDedup
		}
		return types.DecisionWarm

	default: // ConstraintMemory
		perSandbox := in.PerSandboxMemMB
		if perSandbox == 0 {
			perSandbox = 1
		}
		benefit := in.DedupBenefit
		if benefit == 0 {
			benefit = 1
		}
		dMem := (total - in.MemoryFraction/perSandbox) / benefit
		if dMem < 0 {
			return types.DecisionWarm
		}
		if dMem > total {
			return types.DecisionDedup
		}
		if dMem < dLambda && float64(in.NumDedup) < dMem {
			return types.DecisionDedup
		}
		if dMem >= dLambda {
			return types.DecisionDedup
		}
		return types.DecisionWarm
	}
}

// postProcess applies the four shared rules after a tentative non-PURGE
// decision (PURGE always passes through to the caller, which removes the
// sandbox from the controller's map).
func postProcess(in Inputs, tentative types.Decision) types.Decision {
	if tentative == types.DecisionPurge {
		return types.DecisionPurge
	}
	if in.IsBase {
		return types.DecisionBase
	}
	if in.DedupPerBase > 0 && in.NumDedup >= in.DedupPerBase*in.NumBase && !in.IsDedup {
		return types.DecisionBase
	}
	if in.IsDedup && tentative == types.DecisionWarm {
		return types.DecisionDedup
	}
	if in.Blacklisted && (tentative == types.DecisionBase || tentative == types.DecisionDedup) {
		return types.DecisionWarm
	}
	return tentative
}
