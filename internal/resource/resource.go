// Package resource defines candidate hospitals and ambulances and an
// in-memory catalog that serves them.
package resource

import (
	"slices"

	"github.com/linnemanlabs/carepath/internal/geo"
)

// Kind distinguishes hospitals from ambulances.
type Kind string

const (
	KindHospital  Kind = "hospital"
	KindAmbulance Kind = "ambulance"
)

// Capability tags with matching semantics beyond exact equality.
const (
	CapabilityGeneral = "general"
	CapabilityTrauma  = "trauma"
	CapabilityER      = "cấp cứu"
)

// alsEquipment lists ambulance equipment that counts as advanced life support.
var alsEquipment = []string{"máy thở", "máy thở cao cấp", "máy sốc tim", "máy ECMO", "thiết bị hồi sức"}

// Candidate is a hospital or ambulance evaluated against a case.
type Candidate struct {
	ID           string    `json:"resource_id"`
	Name         string    `json:"name"`
	Kind         Kind      `json:"kind"`
	Location     geo.Point `json:"location"`
	DistanceKM   float64   `json:"distance_km"`
	Capabilities []string  `json:"specialty_or_equipment"`
	Available    bool      `json:"available"`
	// Load is bed occupancy percent for hospitals and wait minutes for ambulances.
	Load float64 `json:"load_or_wait_metric"`
}

// Has reports whether the candidate lists capability c.
func (c *Candidate) Has(capability string) bool {
	return slices.Contains(c.Capabilities, capability)
}

// HasALS reports whether the candidate carries advanced life-support equipment.
func (c *Candidate) HasALS() bool {
	for _, e := range alsEquipment {
		if c.Has(e) {
			return true
		}
	}
	return false
}

// IsFallback reports whether the candidate can take a case outside its
// listed specialties.
func (c *Candidate) IsFallback() bool {
	return c.Has(CapabilityGeneral) || c.Has(CapabilityTrauma) || c.Has(CapabilityER)
}

// Clone returns a deep copy.
func (c Candidate) Clone() Candidate {
	c.Capabilities = slices.Clone(c.Capabilities)
	return c
}

// CloneAll deep-copies a candidate list.
func CloneAll(in []Candidate) []Candidate {
	if in == nil {
		return nil
	}
	out := make([]Candidate, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
