package registry

import (
	"testing"

	"github.com/cuemby/dedupd/pkg/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digestFor(b byte) fingerprint.Digest {
	var d fingerprint.Digest
	d[0] = b
	return d
}

func TestRegisterIsIdempotentPerContainer(t *testing.T) {
	r := New()
	d := digestFor(1)
	r.Register(d, 5, 1, 0, 100)
	r.Register(d, 5, 1, 0, 999) // second registration for same container is a no-op

	cands := r.Candidates(d)
	require.Len(t, cands, 1)
	assert.Equal(t, uint64(100), cands[0].Addr)
}

func TestRegisterAllowsMultipleContainersPerDigest(t *testing.T) {
	r := New()
	d := digestFor(2)
	r.Register(d, 5, 1, 0, 10)
	r.Register(d, 7, 0, 0, 20)

	cands := r.Candidates(d)
	assert.Len(t, cands, 2)
}

func TestCandidatesEmptyForUnknownDigest(t *testing.T) {
	r := New()
	cands := r.Candidates(digestFor(99))
	assert.Empty(t, cands)
}

func TestUnregisterDropsOnlyThatContainer(t *testing.T) {
	r := New()
	d := digestFor(3)
	r.Register(d, 5, 1, 0, 10)
	r.Register(d, 7, 0, 0, 20)

	r.Unregister(5)
	cands := r.Candidates(d)
	require.Len(t, cands, 1)
	assert.Equal(t, 7, cands[0].ContainerID)
}

// TestPlannerTieBreak reproduces scenario S5 from the behavioral spec this
// planner was ported from: digest D maps to entries (sandbox=5, refcount=3,
// machine=1) and (sandbox=7, refcount=3, machine=0); the requester is on
// machine=1 with weights (1.0, 5.0). Base 5 scores 3*1.0+5.0=8.0, base 7
// scores 3*1.0+0=3.0, so base 5 wins.
func TestPlannerTieBreak(t *testing.T) {
	r := New()
	d := digestFor(5)
	r.Register(d, 5, 1, 0, 0)
	r.Register(d, 7, 0, 0, 0)

	refcount := func(id int) int { return 3 }
	weights := Weights{1.0, 5.0}

	entry, ok := SelectBase(r.Candidates(d), refcount, 1, weights)
	require.True(t, ok)
	assert.Equal(t, 5, entry.ContainerID)
}

func TestSelectBaseBreaksTiesByLowestContainerID(t *testing.T) {
	cands := []Entry{
		{ContainerID: 9, MachineID: 0},
		{ContainerID: 2, MachineID: 0},
	}
	refcount := func(id int) int { return 1 }
	entry, ok := SelectBase(cands, refcount, 0, DefaultWeights)
	require.True(t, ok)
	assert.Equal(t, 2, entry.ContainerID)
}

func TestSelectBaseEmptyCandidates(t *testing.T) {
	_, ok := SelectBase(nil, func(int) int { return 0 }, 0, DefaultWeights)
	assert.False(t, ok)
}

func TestPlanPagesSkipsUnmatchedPages(t *testing.T) {
	r := New()
	matched := digestFor(1)
	r.Register(matched, 5, 1, 0, 42)

	pageDigests := [][]fingerprint.Digest{
		{matched},
		{digestFor(200)}, // no registry entry: page kept verbatim
	}
	plan := PlanPages(r, pageDigests, func(int) int { return 1 }, 1, DefaultWeights)

	require.Len(t, plan, 1)
	entry, ok := plan[0]
	require.True(t, ok)
	assert.Equal(t, 5, entry.ContainerID)
	_, ok = plan[1]
	assert.False(t, ok)
}

func TestPlanPagesTriesEachDigestUntilOneResolves(t *testing.T) {
	r := New()
	second := digestFor(2)
	r.Register(second, 3, 0, 0, 0)

	pageDigests := [][]fingerprint.Digest{
		{digestFor(1), second},
	}
	plan := PlanPages(r, pageDigests, func(int) int { return 0 }, 0, DefaultWeights)
	entry, ok := plan[0]
	require.True(t, ok)
	assert.Equal(t, 3, entry.ContainerID)
}

// TestPlanPagesMergesCandidatesAcrossAllDigests covers a page whose two
// digests both have registry entries: the better base lives under the
// *second* digest, so a planner that stopped scanning at the first digest
// with any matches (instead of accumulating candidates from every digest,
// per spec's "Query the registry for each digest; accumulate a set of
// candidate base sandboxes") would pick the worse one.
func TestPlanPagesMergesCandidatesAcrossAllDigests(t *testing.T) {
	r := New()
	firstDigest := digestFor(10)
	secondDigest := digestFor(11)
	r.Register(firstDigest, 5, 0, 0, 0)  // worse: refcount 1, not on requester's machine
	r.Register(secondDigest, 9, 1, 0, 0) // better: refcount 1, on requester's machine

	pageDigests := [][]fingerprint.Digest{
		{firstDigest, secondDigest},
	}
	plan := PlanPages(r, pageDigests, func(int) int { return 1 }, 1, DefaultWeights)

	entry, ok := plan[0]
	require.True(t, ok)
	assert.Equal(t, 9, entry.ContainerID, "best base lives under the second digest and must not be shadowed by the first")
}
