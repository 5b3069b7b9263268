// Package kernconfig holds the tunables shared by the kernel cores
// (DCache's swap threshold and block sizing, the flusher period, the page
// size, the kernel base address): a plain struct with yaml tags, a
// Default() constructor, and an optional file overlay.
package kernconfig

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable shared by DCache, ZoneMap and SignalCore.
type Config struct {
	// SwapThresholdBytes is DCache's cached_inode_bytes ceiling
	// (DENTRY_SWAP_THRESHOLD_FOR_INODE_CACHE, default 16 KiB). Once
	// exceeded, releasing a dentry triggers a sweep of unreferenced
	// inodes; inode caching is disabled only if usage is still above the
	// threshold after that sweep, and re-enabled once it drops back down.
	SwapThresholdBytes uint64 `yaml:"swap_threshold_bytes"`

	// BlockSize is the nominal size of each DCache block
	// (DENTRY_ALLOC_SIZE, default 4 KiB). The number of Dentry slots per
	// block comes from SlotsPerBlock, not from this value.
	BlockSize uint64 `yaml:"block_size"`

	// FlushInterval is the background flusher's sleep period between
	// passes (default 2s).
	FlushInterval time.Duration `yaml:"flush_interval"`

	// PageSize is the page-table backend's page size (VMM_PAGE_SIZE).
	// ZoneMap alignment and the SignalCore trampoline page both depend
	// on it.
	PageSize uint64 `yaml:"page_size"`

	// KernelBase is the first address of kernel space (KERNEL_BASE),
	// used as the starting point for backward zone placement (stack
	// growth).
	KernelBase uint64 `yaml:"kernel_base"`

	// InodeSize is the fixed size of one cached inode buffer
	// (INODE_LEN), used to account cached_inode_bytes.
	InodeSize uint64 `yaml:"inode_size"`

	// SlotsPerBlock is the number of Dentry slots held by one DCache
	// block. Expressed directly rather than derived from
	// BlockSize/sizeof(Dentry), since Go has no sizeof; BlockSize is kept
	// for documentation only and nothing reads it.
	SlotsPerBlock int `yaml:"slots_per_block"`
}

// Default returns the boot-time configuration.
//
// PageSize defaults to unix.Getpagesize() rather than a hand-rolled 4096
// literal: the page size must track whatever the platform's MMU actually
// uses, and unix.Getpagesize is the host's real equivalent of that query.
func Default() Config {
	return Config{
		SwapThresholdBytes: 16 * 1024,
		BlockSize:          4 * 1024,
		FlushInterval:      2 * time.Second,
		PageSize:           uint64(unix.Getpagesize()),
		KernelBase:         0xC0000000,
		InodeSize:          128,
		SlotsPerBlock:      32,
	}
}

// Load reads a YAML overlay from path on top of Default(). A missing file is
// not an error; an empty path returns Default() unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("kernconfig: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("kernconfig: parsing %s: %w", path, err)
	}
	return cfg, nil
}
