package archsim_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuntiaos/kernelcore/internal/archsim"
)

func TestSimPageTableLoadCopyTuneRoundTrip(t *testing.T) {
	pt := archsim.NewSimPageTable(0x1000)

	require.NoError(t, pt.LoadPage(0x4000, archsim.PageReadable|archsim.PageWritable))
	require.NoError(t, pt.CopyToPage(0x4010, []byte("stub")))

	got, err := pt.ReadPage(0x4010, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("stub"), got)

	require.NoError(t, pt.TunePage(0x4000, archsim.PageReadable))
	assert.Error(t, pt.CopyToPage(0x4000, []byte{1}), "tune dropped the writable bit")
}

func TestSimPageTableRejectsAbsentPages(t *testing.T) {
	pt := archsim.NewSimPageTable(0x1000)

	assert.Error(t, pt.TunePage(0x8000, archsim.PageReadable))
	assert.Error(t, pt.CopyToPage(0x8000, []byte{1}))
	assert.Error(t, pt.UnmapPage(0x8000))

	require.NoError(t, pt.MapPage(0x8000, archsim.PageReadable|archsim.PageWritable))
	require.NoError(t, pt.CopyToPage(0x8000, []byte{1}))
	require.NoError(t, pt.UnmapPage(0x8000))
	_, err := pt.ReadPage(0x8000, 1)
	assert.Error(t, err, "an unmapped page is gone")
}

func TestSimPageTableRejectsCrossPageWrites(t *testing.T) {
	pt := archsim.NewSimPageTable(0x1000)
	require.NoError(t, pt.LoadPage(0x1000, archsim.PageWritable))
	assert.Error(t, pt.CopyToPage(0x1FFF, []byte{1, 2}))
}
