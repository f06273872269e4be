package pipeline

import (
	"context"
	"time"

	"github.com/zen-systems/careflow/pkg/scheduler"
)

// Health states.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthReport describes stage availability.
type HealthReport struct {
	Status    string           `json:"status"`
	Stages    map[string]bool  `json:"stages"`
	Adapters  map[string]bool  `json:"adapters"`
	Scheduler *scheduler.Stats `json:"scheduler,omitempty"`
	CheckedAt time.Time        `json:"checked_at"`
}

// HealthCheck reports whether each stage can reach a backend. It does not
// issue inference calls.
//
// A stage is available when its prompt is configured and at least one of the
// routing tiers points at a registered adapter. Losing one tier, or a failed
// last batch, degrades the report; losing both makes it unhealthy.
func (c *Conductor) HealthCheck(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Stages:    make(map[string]bool, len(Stages)),
		Adapters:  make(map[string]bool),
		CheckedAt: time.Now().UTC(),
	}

	tiers := []string{c.cfg.Routing.Economy.Adapter, c.cfg.Routing.Premium.Adapter}
	reachable := 0
	for _, name := range tiers {
		_, ok := c.adapters[name]
		report.Adapters[name] = ok
		if ok {
			reachable++
		}
	}

	available := 0
	for _, name := range Stages {
		_, ok := c.stages[name]
		ok = ok && reachable > 0
		report.Stages[string(name)] = ok
		if ok {
			available++
		}
	}

	if sp, ok := c.exec.(StatsProvider); ok {
		stats := sp.Stats()
		report.Scheduler = &stats
	}

	switch {
	case ctx.Err() != nil || available == 0:
		report.Status = HealthUnhealthy
	case available < len(Stages) || reachable < len(tiers):
		report.Status = HealthDegraded
	case report.Scheduler != nil && report.Scheduler.LastBatchError != "":
		report.Status = HealthDegraded
	default:
		report.Status = HealthHealthy
	}
	return report
}
