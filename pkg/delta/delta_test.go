package delta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageSize = 4096

func TestEncodeDecodeRoundTrip(t *testing.T) {
	base := make([]byte, pageSize)
	for i := range base {
		base[i] = byte(i)
	}
	page := append([]byte(nil), base...)
	page[10] = 0xFF
	page[11] = 0xFE
	page[4000] = 0x01

	patch, ok, err := Encode(page, base, pageSize)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := Decode(patch, base, pageSize)
	require.NoError(t, err)
	assert.Equal(t, page, got)
}

func TestEncodeIdenticalPagesProducesEmptyPatch(t *testing.T) {
	base := make([]byte, pageSize)
	for i := range base {
		base[i] = byte(i)
	}
	page := append([]byte(nil), base...)

	patch, ok, err := Encode(page, base, pageSize)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, patch)

	got, err := Decode(patch, base, pageSize)
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

func TestEncodeRejectsOversizedPatch(t *testing.T) {
	base := make([]byte, pageSize)
	page := make([]byte, pageSize)
	for i := range page {
		// Nearly every byte differs from base (only every 256th byte wraps
		// to 0 and matches), guaranteeing a patch far larger
		// than a tiny threshold, so the caller falls back to verbatim
		// storage per the worker's "drop the attempt" rule.
		page[i] = byte(i + 1)
	}

	_, ok, err := Encode(page, base, 8)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEncodeRejectsMismatchedLengths(t *testing.T) {
	_, _, err := Encode(make([]byte, 10), make([]byte, 20), pageSize)
	assert.Error(t, err)
}

func TestDecodeRejectsOverrunningEdit(t *testing.T) {
	base := make([]byte, pageSize)
	patch, ok, err := Encode(base, base, pageSize)
	require.NoError(t, err)
	require.True(t, ok)
	_ = patch

	// Hand-craft a patch whose edit overruns the page.
	bad := encodeEdits([]Edit{{Offset: uint32(pageSize - 1), Data: []byte{1, 2, 3}}})
	_, err = Decode(bad, base, pageSize)
	assert.Error(t, err)
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	base := make([]byte, pageSize)
	_, err := Decode([]byte{1, 2, 3}, base, pageSize)
	assert.Error(t, err)
}
