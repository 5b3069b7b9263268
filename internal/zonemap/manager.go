package zonemap

import (
	"strconv"
	"sync"

	"github.com/opuntiaos/kernelcore/internal/kernerr"
)

// Manager is the process-manager-facing surface: proc_new_zone/
// proc_extend_zone/proc_new_random_zone/proc_new_random_zone_backward/
// proc_find_zone(_no_proc)/proc_delete_zone(_no_proc). It resolves a pid
// to its ZoneMap and then calls the corresponding _no_proc-equivalent
// method on that ZoneMap. Manager itself serializes pid->map lookups; each ZoneMap
// remains single-writer per the package doc comment.
type Manager struct {
	pageSize   uint64
	kernelBase uint64

	mu   sync.Mutex
	maps map[uint32]*ZoneMap

	metrics Metrics
}

// Metrics is the narrow surface Manager reports zone counts to after each
// mutating operation; the Prometheus-backed implementation lives in
// internal/kmetrics so this package stays free of a hard dependency on the
// metrics registry.
type Metrics interface {
	SetZoneCount(pid string, n int)
}

type noopMetrics struct{}

func (noopMetrics) SetZoneCount(string, int) {}

// NewManager returns a Manager that creates a fresh ZoneMap per pid on
// first use.
func NewManager(pageSize, kernelBase uint64) *Manager {
	return &Manager{
		pageSize:   pageSize,
		kernelBase: kernelBase,
		maps:       make(map[uint32]*ZoneMap),
		metrics:    noopMetrics{},
	}
}

// SetMetrics installs a metrics sink; nil restores the no-op sink.
func (mgr *Manager) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	mgr.metrics = m
}

// MapFor returns (creating if necessary) the ZoneMap for pid.
func (mgr *Manager) MapFor(pid uint32) *ZoneMap {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	m, ok := mgr.maps[pid]
	if !ok {
		m = New(mgr.pageSize, mgr.kernelBase)
		mgr.maps[pid] = m
	}
	return m
}

// DropProcess discards pid's ZoneMap entirely, e.g. on process exit.
func (mgr *Manager) DropProcess(pid uint32) {
	mgr.mu.Lock()
	delete(mgr.maps, pid)
	mgr.mu.Unlock()
	mgr.metrics.SetZoneCount(pidLabel(pid), 0)
}

func pidLabel(pid uint32) string {
	return strconv.FormatUint(uint64(pid), 10)
}

func (mgr *Manager) reportZoneCount(pid uint32, m *ZoneMap) {
	mgr.metrics.SetZoneCount(pidLabel(pid), len(m.zones))
}

// NewZone is proc_new_zone.
func (mgr *Manager) NewZone(pid uint32, start, length uint64) (*ProcZone, error) {
	m := mgr.MapFor(pid)
	z, err := m.NewZone(start, length)
	if err != nil {
		return nil, err
	}
	mgr.reportZoneCount(pid, m)
	return z, nil
}

// ExtendZone is proc_extend_zone.
func (mgr *Manager) ExtendZone(pid uint32, start, length uint64) (*ProcZone, error) {
	m := mgr.MapFor(pid)
	z, err := m.ExtendZone(start, length)
	if err != nil {
		return nil, err
	}
	mgr.reportZoneCount(pid, m)
	return z, nil
}

// NewRandomZone is proc_new_random_zone.
func (mgr *Manager) NewRandomZone(pid uint32, length uint64) (*ProcZone, error) {
	m := mgr.MapFor(pid)
	z, ok := m.NewRandomZone(length)
	if !ok {
		return nil, kernerr.ErrNotFound
	}
	mgr.reportZoneCount(pid, m)
	return z, nil
}

// NewRandomZoneBackward is proc_new_random_zone_backward.
func (mgr *Manager) NewRandomZoneBackward(pid uint32, length uint64) (*ProcZone, error) {
	m := mgr.MapFor(pid)
	z, ok := m.NewRandomZoneBackward(length)
	if !ok {
		return nil, kernerr.ErrNotFound
	}
	mgr.reportZoneCount(pid, m)
	return z, nil
}

// FindZone is proc_find_zone/proc_find_zone_no_proc.
func (mgr *Manager) FindZone(pid uint32, addr uint64) (*ProcZone, error) {
	z, ok := mgr.MapFor(pid).FindZone(addr)
	if !ok {
		return nil, kernerr.ErrNotFound
	}
	return z, nil
}

// DeleteZone is proc_delete_zone/proc_delete_zone_no_proc.
func (mgr *Manager) DeleteZone(pid uint32, z *ProcZone) error {
	m := mgr.MapFor(pid)
	if !m.DeleteZone(z) {
		return kernerr.ErrNotFound
	}
	mgr.reportZoneCount(pid, m)
	return nil
}
