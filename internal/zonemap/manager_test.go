package zonemap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuntiaos/kernelcore/internal/kernerr"
	"github.com/opuntiaos/kernelcore/internal/zonemap"
)

func TestManagerIsolatesZoneMapsPerPid(t *testing.T) {
	mgr := zonemap.NewManager(pageSize, 0xC0000000)

	z1, err := mgr.NewZone(1, 0, 0x1000)
	require.NoError(t, err)
	z2, err := mgr.NewZone(2, 0, 0x1000)
	require.NoError(t, err)
	assert.NotSame(t, z1, z2, "two different pids must not share a ZoneMap")

	found, err := mgr.FindZone(1, 0x500)
	require.NoError(t, err)
	assert.Same(t, z1, found)

	_, err = mgr.FindZone(2, 0x5000)
	assert.ErrorIs(t, err, kernerr.ErrNotFound)
}

func TestManagerDeleteZoneReportsNotFoundOnUnknownZone(t *testing.T) {
	mgr := zonemap.NewManager(pageSize, 0xC0000000)

	z, err := mgr.NewZone(1, 0, 0x1000)
	require.NoError(t, err)
	require.NoError(t, mgr.DeleteZone(1, z))

	err = mgr.DeleteZone(1, z)
	assert.ErrorIs(t, err, kernerr.ErrNotFound)
}

func TestManagerDropProcessDiscardsZoneMap(t *testing.T) {
	mgr := zonemap.NewManager(pageSize, 0xC0000000)

	_, err := mgr.NewZone(1, 0, 0x1000)
	require.NoError(t, err)

	mgr.DropProcess(1)

	// A fresh ZoneMap for pid 1 has nothing placed at 0 anymore.
	z, err := mgr.NewZone(1, 0, 0x1000)
	require.NoError(t, err)
	assert.EqualValues(t, 0, z.Start)
}

// recordingMetrics remembers the last zone count reported per pid.
type recordingMetrics struct {
	counts map[string]int
}

func (r *recordingMetrics) SetZoneCount(pid string, n int) {
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[pid] = n
}

func TestManagerReportsZoneCountAfterEachMutation(t *testing.T) {
	mgr := zonemap.NewManager(pageSize, 0xC0000000)
	rec := &recordingMetrics{}
	mgr.SetMetrics(rec)

	z, err := mgr.NewZone(1, 0, pageSize)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.counts["1"])

	_, err = mgr.NewRandomZone(1, pageSize)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.counts["1"])

	require.NoError(t, mgr.DeleteZone(1, z))
	assert.Equal(t, 1, rec.counts["1"])

	_, err = mgr.NewZone(1, 0, pageSize)
	require.NoError(t, err)
	_, err = mgr.NewZone(1, 0, pageSize)
	assert.Error(t, err, "an overlapping insertion must fail")
	assert.Equal(t, 2, rec.counts["1"], "a failed mutation must not change the reported count")

	mgr.DropProcess(1)
	assert.Zero(t, rec.counts["1"], "dropping a process zeroes its zone count")
}

func TestManagerNewRandomZoneBackwardFailsWhenExhausted(t *testing.T) {
	mgr := zonemap.NewManager(pageSize, pageSize)

	_, err := mgr.NewZone(1, 0, pageSize)
	require.NoError(t, err)

	_, err = mgr.NewRandomZoneBackward(1, pageSize)
	assert.ErrorIs(t, err, kernerr.ErrNotFound)
}
