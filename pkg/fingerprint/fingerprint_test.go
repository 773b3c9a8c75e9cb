package fingerprint

import (
	"testing"

	"github.com/cuemby/dedupd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSampledFingerprintsIsDeterministic(t *testing.T) {
	page := make([]byte, types.PageSize)
	for i := range page {
		page[i] = byte(i * 7)
	}
	a := ValueSampledFingerprints(page, 2)
	b := ValueSampledFingerprints(page, 2)
	assert.Equal(t, a, b)
}

func TestValueSampledFingerprintsDependsOnChunksPerPage(t *testing.T) {
	page := make([]byte, types.PageSize)
	for i := range page {
		page[i] = byte(i*13 + 1)
	}
	one := ValueSampledFingerprints(page, 1)
	two := ValueSampledFingerprints(page, 2)
	assert.LessOrEqual(t, len(one), 1)
	assert.LessOrEqual(t, len(two), 2)
}

func TestValueSampledFingerprintsAllZeroPageEmitsNullFingerprint(t *testing.T) {
	page := make([]byte, types.PageSize)
	digests := ValueSampledFingerprints(page, 2)
	require.Len(t, digests, 1)
	assert.Equal(t, NullFingerprint, digests[0])
}

func TestValueSampledFingerprintsStopsAtChunksPerPage(t *testing.T) {
	// A page with many qualifying windows should still cap at chunksPerPage.
	page := make([]byte, types.PageSize)
	for i := range page {
		page[i] = byte(1 + i%250)
	}
	digests := ValueSampledFingerprints(page, 3)
	assert.LessOrEqual(t, len(digests), 3)
}

func TestValueSampledFingerprintsPanicsOnWrongPageSize(t *testing.T) {
	assert.Panics(t, func() {
		ValueSampledFingerprints(make([]byte, 10), 2)
	})
}

func TestDigestRoundTripsThroughBytes(t *testing.T) {
	page := make([]byte, types.PageSize)
	for i := range page {
		page[i] = byte(i * 3)
	}
	digests := ValueSampledFingerprints(page, 1)
	require.NotEmpty(t, digests)

	b := digests[0].Bytes()
	got, ok := FromBytes(b)
	require.True(t, ok)
	assert.Equal(t, digests[0], got)
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, ok := FromBytes([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestPageIDIsDenseAndZeroBased(t *testing.T) {
	assert.Equal(t, uint64(0), PageID(0))
	assert.Equal(t, uint64(1), PageID(types.PageSize))
	assert.Equal(t, uint64(2), PageID(2*types.PageSize))
}

func TestDigestStringIsLowercaseHex(t *testing.T) {
	var d Digest
	d[0] = 0xAB
	s := d.String()
	assert.Len(t, s, 40)
	assert.Equal(t, "ab", s[:2])
}
