package optimize

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Congestion labels.
const (
	CongestionLight    = "nhẹ"
	CongestionModerate = "trung bình"
	CongestionHeavy    = "cao"
)

// MaxDelayMinutes bounds the traffic delay estimate.
const MaxDelayMinutes = 30

// rushHourFactor slows travel during the morning and evening peaks.
const rushHourFactor = 1.2

// Traffic is a point-in-time traffic estimate.
type Traffic struct {
	DelayMinutes int
	Congestion   string
	RushHour     bool
}

// TrafficModel estimates current traffic conditions.
type TrafficModel interface {
	Sample() Traffic
}

// RandomTraffic draws delays from a seeded random source. It is safe for
// concurrent use.
type RandomTraffic struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

var _ TrafficModel = (*RandomTraffic)(nil)

// NewRandomTraffic returns a model over rng. now defaults to time.Now.
func NewRandomTraffic(rng *rand.Rand, now func() time.Time) *RandomTraffic {
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}
	if now == nil {
		now = time.Now
	}
	return &RandomTraffic{rng: rng, now: now}
}

// Sample draws a delay in [0, MaxDelayMinutes]. Rush hour stretches the
// delay by rushHourFactor before clamping.
func (t *RandomTraffic) Sample() Traffic {
	rush := IsRushHour(t.now())

	t.mu.Lock()
	delay := t.rng.IntN(MaxDelayMinutes + 1)
	t.mu.Unlock()

	if rush {
		delay = min(MaxDelayMinutes, int(float64(delay)*rushHourFactor))
	}
	return Traffic{DelayMinutes: delay, Congestion: CongestionFor(delay), RushHour: rush}
}

// FixedTraffic always returns the same estimate.
type FixedTraffic Traffic

// Sample implements TrafficModel.
func (f FixedTraffic) Sample() Traffic { return Traffic(f) }

// IsRushHour reports whether t falls in 7:00-9:59 or 17:00-19:59 local time.
func IsRushHour(t time.Time) bool {
	h := t.Hour()
	return (h >= 7 && h <= 9) || (h >= 17 && h <= 19)
}

// CongestionFor labels a delay.
func CongestionFor(delayMinutes int) string {
	switch {
	case delayMinutes < 10:
		return CongestionLight
	case delayMinutes < 20:
		return CongestionModerate
	default:
		return CongestionHeavy
	}
}
