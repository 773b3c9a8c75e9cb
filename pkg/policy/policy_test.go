package policy

import (
	"testing"

	"github.com/cuemby/dedupd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestNoneHeuristicPurgesUnderZeroArrivalRate(t *testing.T) {
	in := Inputs{
		Policy:         types.PolicyNone,
		NumWarm:        1,
		MaxArrivalRate: 0,
	}
	assert.Equal(t, types.DecisionPurge, Decide(in))
}

func TestBasePromotionByQuota(t *testing.T) {
	in := Inputs{
		Policy:       types.PolicyNone,
		NumBase:      1,
		NumDedup:     10,
		DedupPerBase: 10,
		IsDedup:      false,
		MaxArrivalRate: 1000, // keep the tentative decision WARM, not PURGE
	}
	assert.Equal(t, types.DecisionBase, Decide(in))
}

func TestDedupToWarmProhibited(t *testing.T) {
	in := Inputs{
		Policy:         types.PolicyNone,
		IsDedup:        true,
		MaxArrivalRate: 1000,
	}
	assert.Equal(t, types.DecisionDedup, Decide(in))
}

func TestBoundaryPurgesAtIdleThreshold(t *testing.T) {
	in := Inputs{
		Policy:      types.PolicyBoundary,
		IdleSeconds: 600,
		IsDedup:     false,
	}
	assert.Equal(t, types.DecisionPurge, Decide(in))
}

func TestBoundaryDoesNotPurgeBelowThreshold(t *testing.T) {
	in := Inputs{
		Policy:      types.PolicyBoundary,
		IdleSeconds: 599,
		IsDedup:     false,
		Constraint:  ConstraintMemory,
	}
	assert.NotEqual(t, types.DecisionPurge, Decide(in))
}

func TestBlacklistedSandboxFallsBackToWarm(t *testing.T) {
	// Heuristic's own tentative decision must land on DEDUP for the
	// blacklist override (rule 4) to have anything to downgrade: a sandbox
	// that is already base is terminal at rule 1 and never reaches rule 4.
	in := Inputs{
		Policy:           types.PolicyHeuristic,
		NumWarm:          5,
		MaxArrivalRate:   1000,
		MovingWindowRate: 0,
		BaseReady:        true,
		Blacklisted:      true,
	}
	assert.Equal(t, types.DecisionWarm, Decide(in))
}

func TestAlreadyBaseSandboxIsTerminalRegardlessOfBlacklist(t *testing.T) {
	// Rule 1 (already base) is a terminal, sticky decision: it fires
	// before the blacklist override ever gets a chance to run.
	in := Inputs{
		Policy:         types.PolicyNone,
		IsBase:         true,
		Blacklisted:    true,
		MaxArrivalRate: 1000,
	}
	assert.Equal(t, types.DecisionBase, Decide(in))
}

func TestHeuristicOpenwhiskTentativeIsAlwaysWarmBeforePostProcess(t *testing.T) {
	in := Inputs{Policy: types.PolicyHeuristicOpenwhisk}
	assert.Equal(t, types.DecisionWarm, Decide(in))
}
