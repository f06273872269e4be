// Package priority maps clinical risk bands to operational priorities.
//
// The mapping is pure. An immediate band always yields an immediate
// priority; no operational signal can lower it.
package priority

import (
	"github.com/zen-systems/careflow/pkg/schema"
)

// Context carries the operational signals that adjust priority.
type Context struct {
	IsAfterHours bool
	SystemLoad   schema.SystemLoad
}

// ComputePriority derives the operational priority for a band.
//
// Rules, in order:
//  1. immediate band is always immediate priority
//  2. urgent band under high system load escalates to immediate
//  3. routine band after hours is deferred to batch
//  4. otherwise the band maps to the priority of the same name
func ComputePriority(band schema.RiskBand, ctx Context) schema.Priority {
	switch band {
	case schema.BandImmediate:
		return schema.PriorityImmediate
	case schema.BandUrgent:
		if ctx.SystemLoad == schema.LoadHigh {
			return schema.PriorityImmediate
		}
		return schema.PriorityUrgent
	case schema.BandRoutine:
		if ctx.IsAfterHours {
			return schema.PriorityBatch
		}
		return schema.PriorityRoutine
	default:
		// Unknown bands are treated as urgent.
		return schema.PriorityUrgent
	}
}

// ContextFor extracts the operational context from a request.
func ContextFor(req *schema.TriageRequest) Context {
	if req == nil {
		return Context{}
	}
	return Context{IsAfterHours: req.IsAfterHours, SystemLoad: req.SystemLoad}
}

// Meta builds the routing metadata attached to a response.
func Meta(band schema.RiskBand, ctx Context, testCategory string) schema.RoutingMeta {
	return schema.RoutingMeta{
		Priority:     ComputePriority(band, ctx),
		TestCategory: testCategory,
	}
}

// Direct reports whether a priority must bypass batching.
func Direct(p schema.Priority) bool {
	return p == schema.PriorityImmediate || p == schema.PriorityUrgent
}
