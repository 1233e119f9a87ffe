package microclimate

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-digitaltwin/microclimate/zone"
)

// Visualization is a read-only projection of a twin and its zones.
type Visualization struct {
	TwinID   string
	Location GeoLocation
	LastSync time.Time
	Zones    []zone.Status
}

func (v Visualization) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Visualizing Digital Twin %s at %v...\n", v.TwinID, v.Location)
	for _, z := range v.Zones {
		fmt.Fprintf(&b, " - %v\n", z)
	}
	return b.String()
}

// Visualize returns the status of every zone. It has no side effects and
// never observes a sync cycle half-applied.
func (t *Twin) Visualize() (Visualization, error) {
	t.envMu.RLock()
	defer t.envMu.RUnlock()
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return Visualization{}, fmt.Errorf("visualize %s: %w", t.id, ErrClosed)
	}
	v := Visualization{
		TwinID:   t.id,
		Location: t.location,
		LastSync: t.lastSync,
		Zones:    make([]zone.Status, len(t.zones)),
	}
	for i, z := range t.zones {
		v.Zones[i] = z.Status()
	}
	return v, nil
}
