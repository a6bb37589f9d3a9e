package resource

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/linnemanlabs/carepath/internal/geo"
)

// overloadPercent is the bed occupancy above which a hospital stops taking
// non-emergency cases.
const overloadPercent = 85.0

// Source supplies candidate resources for a case location.
type Source interface {
	Candidates(ctx context.Context, kind Kind, from geo.Point) ([]Candidate, error)
}

// Catalog is an in-memory Source. When built with a random source it
// drifts hospital load and ambulance wait between calls to imitate a live
// feed; without one it is fully deterministic.
type Catalog struct {
	mu         sync.Mutex
	rng        *rand.Rand
	hospitals  []Candidate
	ambulances []Candidate
}

var _ Source = (*Catalog)(nil)

// NewCatalog returns a catalog over copies of the given lists. rng may be nil.
func NewCatalog(rng *rand.Rand, hospitals, ambulances []Candidate) *Catalog {
	return &Catalog{
		rng:        rng,
		hospitals:  CloneAll(hospitals),
		ambulances: CloneAll(ambulances),
	}
}

// NewReferenceCatalog returns a catalog seeded with the reference
// Ho Chi Minh City hospitals and ambulance fleet.
func NewReferenceCatalog(rng *rand.Rand) *Catalog {
	return NewCatalog(rng, ReferenceHospitals(), ReferenceAmbulances())
}

// Candidates returns every resource of the given kind with DistanceKM set
// relative to from. When from is unset the stored distance is kept.
func (c *Catalog) Candidates(_ context.Context, kind Kind, from geo.Point) ([]Candidate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var src []Candidate
	switch kind {
	case KindHospital:
		src = c.hospitals
	case KindAmbulance:
		src = c.ambulances
	default:
		return nil, fmt.Errorf("unknown resource kind %q", kind)
	}

	if c.rng != nil {
		c.drift(src)
	}

	out := CloneAll(src)
	if !from.IsZero() {
		for i := range out {
			if !out[i].Location.IsZero() {
				out[i].DistanceKM = geo.DistanceKM(from, out[i].Location)
			}
		}
	}
	return out, nil
}

// drift nudges load figures in place. Callers hold c.mu.
func (c *Catalog) drift(list []Candidate) {
	for i := range list {
		r := &list[i]
		switch r.Kind {
		case KindHospital:
			r.Load = math.Round(clamp(r.Load+c.rng.Float64()*10-5, 0, 100))
			r.Available = r.Load <= overloadPercent
		case KindAmbulance:
			if r.Available {
				r.Load = math.Round(clamp(r.Load+c.rng.Float64()*4-2, 0, 30))
			}
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// EstimatedWaitMinutes converts hospital occupancy into an expected wait.
func EstimatedWaitMinutes(loadPercent float64) int {
	return max(5, int(loadPercent/5))
}

// ReferenceHospitals returns the seed hospital list. Load is occupancy percent.
func ReferenceHospitals() []Candidate {
	return []Candidate{
		{
			ID: "H001", Name: "Bệnh viện Chợ Rẫy", Kind: KindHospital,
			Location: geo.Point{Lat: 10.7578, Lon: 106.6595}, DistanceKM: 2.5,
			Capabilities: []string{CapabilityGeneral, "nội khoa", "ngoại khoa", "tim mạch", CapabilityER},
			Available:    true, Load: 81,
		},
		{
			ID: "H002", Name: "Bệnh viện Đại học Y Dược", Kind: KindHospital,
			Location: geo.Point{Lat: 10.7553, Lon: 106.6642}, DistanceKM: 3.2,
			Capabilities: []string{CapabilityGeneral, "nội khoa", "tim mạch", "nhi khoa"},
			Available:    false, Load: 88,
		},
		{
			ID: "H003", Name: "Bệnh viện Thống Nhất", Kind: KindHospital,
			Location: geo.Point{Lat: 10.7915, Lon: 106.6523}, DistanceKM: 1.8,
			Capabilities: []string{CapabilityGeneral, "nội khoa", "ngoại khoa", CapabilityER},
			Available:    true, Load: 75,
		},
		{
			ID: "H004", Name: "Bệnh viện Từ Dũ", Kind: KindHospital,
			Location: geo.Point{Lat: 10.7689, Lon: 106.6858}, DistanceKM: 4.1,
			Capabilities: []string{"sản phụ khoa", "nhi khoa"},
			Available:    true, Load: 62,
		},
		{
			ID: "H005", Name: "Bệnh viện Nhi Đồng 1", Kind: KindHospital,
			Location: geo.Point{Lat: 10.7680, Lon: 106.6701}, DistanceKM: 3.8,
			Capabilities: []string{"nhi khoa", CapabilityER},
			Available:    true, Load: 60,
		},
	}
}

// ReferenceAmbulances returns the seed fleet. Load is wait minutes.
func ReferenceAmbulances() []Candidate {
	return []Candidate{
		{
			ID: "CC01", Name: "Xe cấp cứu loại A", Kind: KindAmbulance,
			Location: geo.Point{Lat: 10.7769, Lon: 106.7009}, DistanceKM: 1.2,
			Capabilities: []string{CapabilityGeneral, "máy thở", "máy sốc tim", "bộ truyền dịch"},
			Available:    true, Load: 3,
		},
		{
			ID: "CC02", Name: "Xe cấp cứu loại B", Kind: KindAmbulance,
			Location: geo.Point{Lat: 10.7626, Lon: 106.6822}, DistanceKM: 2.8,
			Capabilities: []string{CapabilityGeneral, "máy đo huyết áp", "bộ sơ cứu", "bình oxy"},
			Available:    true, Load: 5,
		},
		{
			ID: "CC03", Name: "Xe cấp cứu loại A", Kind: KindAmbulance,
			Location: geo.Point{Lat: 10.8006, Lon: 106.6608}, DistanceKM: 1.8,
			Capabilities: []string{CapabilityGeneral, "máy thở", "máy sốc tim", "bộ truyền dịch", "thuốc cấp cứu"},
			Available:    true, Load: 4,
		},
		{
			ID: "CC04", Name: "Xe cấp cứu nhi", Kind: KindAmbulance,
			Location: geo.Point{Lat: 10.7680, Lon: 106.6701}, DistanceKM: 3.5,
			Capabilities: []string{"nhi khoa", "thiết bị nhi khoa", "máy thở trẻ em", "bộ sơ cứu nhi"},
			Available:    true, Load: 6,
		},
		{
			ID: "CC05", Name: "Xe cấp cứu đặc biệt", Kind: KindAmbulance,
			Location: geo.Point{Lat: 10.7295, Lon: 106.7219}, DistanceKM: 4.2,
			Capabilities: []string{"máy ECMO", "máy thở cao cấp", "thiết bị hồi sức"},
			Available:    false, Load: 20,
		},
	}
}
