// Package appointments simulates a scheduling system. Providers and slots are
// fixed demo data; a real integration would replace this package behind the
// same surface.
package appointments

import (
	"sort"
	"time"
)

// Provider is a doctor offering appointments.
type Provider struct {
	Doctor    string `json:"doctor"`
	Specialty string `json:"specialty"`
}

// Slot is one bookable appointment option.
type Slot struct {
	Doctor    string    `json:"doctor"`
	Specialty string    `json:"specialty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

var demoProviders = []Provider{
	{Doctor: "Dr. Frank Smith", Specialty: "Primary Care"},
	{Doctor: "Dr. Jessica Nguyen", Specialty: "Internal Medicine"},
	{Doctor: "Dr. Sarah Chen", Specialty: "Family Medicine"},
}

// Slot start offsets from the next business-day morning, 20 minutes each.
var demoSlotTimes = []struct {
	dayOffset int
	hour, min int
}{
	{1, 9, 0},
	{1, 10, 40},
	{1, 13, 30},
	{2, 11, 10},
}

const slotDuration = 20 * time.Minute

// Service produces simulated availability.
type Service struct {
	now func() time.Time
}

// NewService creates a simulation service. now may be nil, defaulting to time.Now.
func NewService(now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{now: now}
}

// List returns every provider/slot combination currently offered.
func (s *Service) List() []Slot {
	base := s.now().Truncate(24 * time.Hour)
	slots := make([]Slot, 0, len(demoProviders)*len(demoSlotTimes))
	for _, p := range demoProviders {
		for _, st := range demoSlotTimes {
			start := base.AddDate(0, 0, st.dayOffset).Add(time.Duration(st.hour)*time.Hour + time.Duration(st.min)*time.Minute)
			slots = append(slots, Slot{
				Doctor:    p.Doctor,
				Specialty: p.Specialty,
				Start:     start,
				End:       start.Add(slotDuration),
			})
		}
	}
	return slots
}

// FindNearest returns the offered slot whose start time is closest to the
// caller's preference, or false when nothing is offered.
func (s *Service) FindNearest(preferred time.Time) (Slot, bool) {
	slots := s.List()
	if len(slots) == 0 {
		return Slot{}, false
	}
	sort.Slice(slots, func(i, j int) bool {
		di := absDuration(slots[i].Start.Sub(preferred))
		dj := absDuration(slots[j].Start.Sub(preferred))
		if di == dj {
			return slots[i].Start.Before(slots[j].Start)
		}
		return di < dj
	})
	return slots[0], true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
