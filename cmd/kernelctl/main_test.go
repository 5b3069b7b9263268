package main

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuntiaos/kernelcore/internal/kernconfig"
)

func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return out.String()
}

func TestCacheStatReportsSeededDentries(t *testing.T) {
	out := runCmd(t, "cache", "stat")
	assert.Contains(t, out, "cached_dentries=3")
	assert.Contains(t, out, "can_cache_inodes=true")
}

func TestCacheSweepReleasesInodeBytes(t *testing.T) {
	out := runCmd(t, "cache", "sweep")
	assert.Contains(t, out, "before sweep:")
	assert.Contains(t, out, "after sweep:")
	assert.Contains(t, out, "after sweep:  cached_inode_bytes=0 ")
}

func TestZoneNewAlignsToPageSize(t *testing.T) {
	ps := kernconfig.Default().PageSize
	out := runCmd(t, "zone", "new", fmt.Sprintf("--start=%d", ps+1), "--len=16")
	assert.Contains(t, out, fmt.Sprintf("zone placed at [%#x, %#x)", ps, 2*ps))
}

func TestZoneLsListsSeededZones(t *testing.T) {
	out := runCmd(t, "zone", "ls")
	assert.Equal(t, 3, bytes.Count([]byte(out), []byte("[")))
}

func TestSignalSendWithDefaultActionTerminates(t *testing.T) {
	out := runCmd(t, "signal", "send", "--signo=9")
	assert.Contains(t, out, "terminated=true")
	assert.Contains(t, out, "trampoline=0x")
}

func TestSignalSendWithHandlerDispatchesWithoutTerminating(t *testing.T) {
	out := runCmd(t, "signal", "send", "--signo=5", "--handler=true")
	assert.Contains(t, out, "terminated=false")
	assert.Contains(t, out, "queued=0")
	assert.Contains(t, out, "restored thread after signal 5")
}
