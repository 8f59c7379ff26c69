package validation

import (
	"context"
	"strings"
	"time"

	"github.com/aurelia-health/voice-intake/internal/appointments"
	"github.com/aurelia-health/voice-intake/internal/observability/metrics"
)

// AvailabilityChecker resolves a preferred time to a concrete slot. The
// simulation below implements it; dispatch tests substitute fakes.
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, preferred time.Time) Result[appointments.Slot]
}

// SimulatedAvailability adapts the appointments simulation to the uniform
// lookup result shape.
type SimulatedAvailability struct {
	svc     *appointments.Service
	metrics *metrics.CallMetrics
}

// NewSimulatedAvailability wraps the appointments service.
func NewSimulatedAvailability(svc *appointments.Service, m *metrics.CallMetrics) *SimulatedAvailability {
	if svc == nil {
		svc = appointments.NewService(nil)
	}
	return &SimulatedAvailability{svc: svc, metrics: m}
}

// CheckAvailability returns the slot nearest the preferred time, or Invalid
// when the schedule is empty. The simulation cannot be transiently
// unavailable, but callers still handle that case for real integrations.
func (s *SimulatedAvailability) CheckAvailability(ctx context.Context, preferred time.Time) Result[appointments.Slot] {
	start := time.Now()
	res := s.check(ctx, preferred)
	s.metrics.ObserveLookup("availability", res.Status.String(), time.Since(start).Seconds())
	return res
}

func (s *SimulatedAvailability) check(ctx context.Context, preferred time.Time) Result[appointments.Slot] {
	if err := ctx.Err(); err != nil {
		return Unavailable[appointments.Slot](err)
	}
	slot, ok := s.svc.FindNearest(preferred)
	if !ok {
		return Invalid[appointments.Slot]("no_slot")
	}
	return Valid(slot)
}

var _ AvailabilityChecker = (*SimulatedAvailability)(nil)

// preferredLayouts are tried in order when parsing the caller's stated time.
var preferredLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParsePreferredTime parses the free-text preferred time the agent extracted.
// Unparseable input falls back to tomorrow morning so the caller is still
// offered the nearest real slot.
func ParsePreferredTime(raw string, now time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range preferredLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return now.Truncate(24 * time.Hour).AddDate(0, 0, 1).Add(9 * time.Hour)
}
