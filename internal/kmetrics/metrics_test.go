package kmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuntiaos/kernelcore/internal/kmetrics"
)

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{%s=%q} not registered", name, label, value)
	return 0
}

func TestDCacheMetricsReportSetValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := kmetrics.NewDCacheMetrics(reg)

	m.SetCachedDentries(3)
	m.SetCachedInodeBytes(384)
	m.SetCanCacheInodes(true)
	m.IncFlusherRuns()
	m.IncFlusherErrors()

	assert.Equal(t, float64(3), gaugeValue(t, reg, "kernelcore_dcache_cached_dentries"))
	assert.Equal(t, float64(384), gaugeValue(t, reg, "kernelcore_dcache_cached_inode_bytes"))
	assert.Equal(t, float64(1), gaugeValue(t, reg, "kernelcore_dcache_can_cache_inodes"))

	m.SetCanCacheInodes(false)
	assert.Equal(t, float64(0), gaugeValue(t, reg, "kernelcore_dcache_can_cache_inodes"))
}

func TestSignalMetricsLabelsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := kmetrics.NewSignalMetrics(reg)

	m.IncDispatched("unblock")
	m.IncDispatched("unblock")
	m.IncDispatched("terminated")

	assert.Equal(t, float64(2), counterValue(t, reg, "kernelcore_signalcore_dispatched_total", "outcome", "unblock"))
	assert.Equal(t, float64(1), counterValue(t, reg, "kernelcore_signalcore_dispatched_total", "outcome", "terminated"))
}

func TestZoneMetricsTracksPerPidCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := kmetrics.NewZoneMetrics(reg)

	m.SetZoneCount("7", 2)
	m.SetZoneCount("9", 5)

	assert.Equal(t, float64(2), gaugeForLabel(t, reg, "kernelcore_zonemap_zone_count", "7"))
	assert.Equal(t, float64(5), gaugeForLabel(t, reg, "kernelcore_zonemap_zone_count", "9"))
}

func gaugeForLabel(t *testing.T, reg *prometheus.Registry, name, pid string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "pid" && lp.GetValue() == pid {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{pid=%q} not registered", name, pid)
	return 0
}
