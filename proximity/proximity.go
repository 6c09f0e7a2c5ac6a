package proximity

import (
	"math"
	"sort"
	"sync"
	"time"

	"riderconnect-server/domain"
)

const (
	earthRadiusMeters = 6371000

	MinThreshold = 100.0
	MaxThreshold = 2000.0
)

// Distance returns the great-circle distance in meters between two points.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// Threshold picks the group's configured threshold, clamped to the range the
// group settings allow, or fallback when the group has none.
func Threshold(group domain.Group, fallback float64) float64 {
	t := group.DistanceThreshold
	if t <= 0 {
		return fallback
	}
	return math.Min(math.Max(t, MinThreshold), MaxThreshold)
}

type pair struct {
	from, to string
}

// Cooldown rate-limits alerts per directed pair of identities.
type Cooldown struct {
	mu     sync.Mutex
	last   map[pair]time.Time
	window time.Duration
	now    func() time.Time
}

func NewCooldown(window time.Duration, now func() time.Time) *Cooldown {
	if now == nil {
		now = time.Now
	}
	return &Cooldown{
		last:   make(map[pair]time.Time),
		window: window,
		now:    now,
	}
}

// Acquire reports whether an alert from -> to may be emitted now and, if so,
// records it. (a, b) and (b, a) are independent.
func (c *Cooldown) Acquire(from, to string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	key := pair{from: from, to: to}
	if last, ok := c.last[key]; ok && now.Sub(last) < c.window {
		return false
	}
	c.last[key] = now
	return true
}

// Prune forgets pairs whose window has elapsed.
func (c *Cooldown) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, last := range c.last {
		if now.Sub(last) >= c.window {
			delete(c.last, key)
			removed++
		}
	}
	return removed
}

func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}

type Breach struct {
	Other    string
	Distance float64
}

// Evaluate compares the mover against every other member with a known position
// and returns the pairs beyond threshold whose cooldown allowed an alert.
func (c *Cooldown) Evaluate(mover domain.LocationRecord, others []domain.LocationRecord, threshold float64) []Breach {
	if !mover.HasPosition() {
		return nil
	}

	var breaches []Breach
	for _, other := range others {
		if other.Identity == mover.Identity || !other.HasPosition() {
			continue
		}
		d := Distance(*mover.Lat, *mover.Lng, *other.Lat, *other.Lng)
		if d <= threshold {
			continue
		}
		if !c.Acquire(mover.Identity, other.Identity) {
			continue
		}
		breaches = append(breaches, Breach{Other: other.Identity, Distance: d})
	}
	sort.Slice(breaches, func(i, j int) bool { return breaches[i].Other < breaches[j].Other })
	return breaches
}
