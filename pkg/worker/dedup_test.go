package worker

import (
	"testing"

	"github.com/cuemby/dedupd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPagesExactMultiple(t *testing.T) {
	data := make([]byte, types.PageSize*3)
	for i := range data {
		data[i] = byte(i)
	}
	pages := splitPages(data)
	require.Len(t, pages, 3)
	for i, p := range pages {
		assert.Len(t, p, types.PageSize)
		assert.Equal(t, data[i*types.PageSize:(i+1)*types.PageSize], p)
	}
}

func TestSplitPagesPadsShortFinalPage(t *testing.T) {
	data := make([]byte, types.PageSize+10)
	for i := range data {
		data[i] = 0xAB
	}
	pages := splitPages(data)
	require.Len(t, pages, 2)
	assert.Equal(t, data[types.PageSize:], pages[1][:10])
	for _, b := range pages[1][10:] {
		assert.Equal(t, byte(0), b)
	}
}

func TestAllocRegionIDSetsRemoteMask(t *testing.T) {
	w := &Worker{}
	id := w.allocRegionID(7)
	assert.NotZero(t, uint32(id)&types.MemoryRegionIDRemoteMask)
	assert.Equal(t, uint32(7), uint32(id)&types.MemoryRegionIDMaxValue)
}

func TestAllocRegionIDDistinctPerSandbox(t *testing.T) {
	w := &Worker{}
	assert.NotEqual(t, w.allocRegionID(1), w.allocRegionID(2))
}
