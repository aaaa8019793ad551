// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"log/slog"
	"strconv"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/intel/xpumanager/internal/policy"
)

// PolicyProvider exposes the state of the policy engine
type PolicyProvider interface {
	Policies() []policy.Policy
	Stats() policy.Stats
}

// PolicyCollector exports the active policies and how often they fired
type PolicyCollector struct {
	sync.Mutex

	provider PolicyProvider
	logger   *slog.Logger

	activeDesc    *prom.Desc
	triggeredDesc *prom.Desc
	triggersDesc  *prom.Desc
	valueDesc     *prom.Desc
	cyclesDesc    *prom.Desc
	durationDesc  *prom.Desc
}

func NewPolicyCollector(provider PolicyProvider, logger *slog.Logger) *PolicyCollector {
	const subsystem = "policy"
	labels := []string{"device", "type"}

	return &PolicyCollector{
		provider: provider,
		logger:   logger.With("collector", "policy"),

		activeDesc: prom.NewDesc(
			prom.BuildFQName(xpumNS, subsystem, "active"),
			"Active policies by device and type",
			[]string{"device", "type", "condition", "action"}, nil),
		triggeredDesc: prom.NewDesc(
			prom.BuildFQName(xpumNS, subsystem, "triggered"),
			"1 if the policy fired in the last evaluation cycle",
			labels, nil),
		triggersDesc: prom.NewDesc(
			prom.BuildFQName(xpumNS, subsystem, "triggers_total"),
			"Number of times the policy fired since it was set",
			labels, nil),
		valueDesc: prom.NewDesc(
			prom.BuildFQName(xpumNS, subsystem, "last_value"),
			"Unscaled value observed by the policy in the last evaluation cycle",
			labels, nil),
		cyclesDesc: prom.NewDesc(
			prom.BuildFQName(xpumNS, subsystem, "cycles_total"),
			"Number of completed policy evaluation cycles",
			nil, nil),
		durationDesc: prom.NewDesc(
			prom.BuildFQName(xpumNS, subsystem, "last_cycle_duration_seconds"),
			"Duration of the last policy evaluation cycle",
			nil, nil),
	}
}

func (c *PolicyCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.activeDesc
	ch <- c.triggeredDesc
	ch <- c.triggersDesc
	ch <- c.valueDesc
	ch <- c.cyclesDesc
	ch <- c.durationDesc
}

func (c *PolicyCollector) Collect(ch chan<- prom.Metric) {
	c.Lock()
	defer c.Unlock()

	stats := c.provider.Stats()
	ch <- prom.MustNewConstMetric(c.cyclesDesc, prom.CounterValue, float64(stats.Cycles))
	ch <- prom.MustNewConstMetric(c.durationDesc, prom.GaugeValue, stats.LastCycleDuration.Seconds())

	policies := c.provider.Policies()
	for _, p := range policies {
		id := strconv.Itoa(p.DeviceID)
		typ := p.Type.String()
		st := p.Status()

		ch <- prom.MustNewConstMetric(c.activeDesc, prom.GaugeValue, 1,
			id, typ, p.Condition.Type.String(), p.Action.Type.String())

		triggered := 0.0
		if st.Triggered {
			triggered = 1
		}
		ch <- prom.MustNewConstMetric(c.triggeredDesc, prom.GaugeValue, triggered, id, typ)
		ch <- prom.MustNewConstMetric(c.triggersDesc, prom.CounterValue, float64(st.Triggers), id, typ)

		if st.Sampled {
			ch <- prom.MustNewConstMetric(c.valueDesc, prom.GaugeValue, float64(st.Value), id, typ)
		}
	}
	c.logger.Debug("Collected policy metrics", "policies", len(policies))
}
