package dcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuntiaos/kernelcore/internal/kernconfig"
)

// countingDriver is a minimal in-package driver so the flusher can be
// exercised without importing vfsdriver (which would cycle back here).
type countingDriver struct {
	mu     sync.Mutex
	writes int
	fail   bool
}

func (c *countingDriver) ReadInode(ctx context.Context, d *Dentry) error { return nil }
func (c *countingDriver) FreeInode(ctx context.Context, d *Dentry) error { return nil }
func (c *countingDriver) FSData(d *Dentry) any                           { return nil }

func (c *countingDriver) WriteInode(ctx context.Context, d *Dentry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.fail {
		return errors.New("backing store rejected the write")
	}
	return nil
}

func (c *countingDriver) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func TestFlusherWritesDirtyDentryExactlyOnce(t *testing.T) {
	drv := &countingDriver{}
	cfg := kernconfig.Default()
	cfg.SlotsPerBlock = 4
	c := New(cfg, drv)

	d, err := c.Get(context.Background(), 1, 1)
	require.NoError(t, err)
	d.SetFlag(FlagDirty)

	f := NewFlusher(c, time.Hour)
	f.flushOnce(context.Background())

	assert.Equal(t, 1, drv.writeCount(), "one dirty dentry means exactly one writeback")
	assert.False(t, d.TestFlag(FlagDirty), "a successful writeback clears DIRTY")

	f.flushOnce(context.Background())
	assert.Equal(t, 1, drv.writeCount(), "a clean pass must not write anything")
}

func TestFlusherKeepsDirtySetAcrossFailedWritebacks(t *testing.T) {
	drv := &countingDriver{fail: true}
	cfg := kernconfig.Default()
	cfg.SlotsPerBlock = 4
	c := New(cfg, drv)

	d, err := c.Get(context.Background(), 1, 1)
	require.NoError(t, err)
	d.SetFlag(FlagDirty)

	f := NewFlusher(c, time.Hour)
	f.flushOnce(context.Background())
	f.flushOnce(context.Background())

	assert.True(t, d.TestFlag(FlagDirty), "DIRTY is cleared only after a successful write")
	assert.Equal(t, 2, drv.writeCount(), "each pass retries once; failures never spin inside a pass")

	drv.mu.Lock()
	drv.fail = false
	drv.mu.Unlock()
	f.flushOnce(context.Background())
	assert.False(t, d.TestFlag(FlagDirty))
}
