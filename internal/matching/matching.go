// Package matching ranks hospitals and ambulances against a case.
//
// Matching runs in two phases. The hard phase keeps candidates that list the
// required capability exactly. Only when that leaves nothing does the soft
// phase admit general and trauma-capable candidates, and the result is then
// marked Degraded. In both phases unavailable candidates are dropped unless
// the case is an emergency. Ranking is a total order so the same pool and
// requirement always produce the same list.
package matching

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/linnemanlabs/carepath/internal/geo"
	"github.com/linnemanlabs/carepath/internal/patient"
	"github.com/linnemanlabs/carepath/internal/resource"
)

// Result sizes.
const (
	HospitalLimit  = 5
	AmbulanceLimit = 3
)

// ErrResourceNotFound means no candidate survived filtering.
var ErrResourceNotFound = errors.New("no matching resource")

// Requirement is what a case needs from a resource.
type Requirement struct {
	// Capability is the specialty or equipment tag to match exactly. Empty
	// matches every candidate.
	Capability string
	Priority   int
	Emergency  bool
}

// Result is a ranked candidate list.
type Result struct {
	Candidates []resource.Candidate `json:"candidates"`
	// Degraded is set when only the fallback phase produced candidates.
	Degraded bool `json:"degraded"`
}

// Primary returns the best candidate.
func (r Result) Primary() (resource.Candidate, bool) {
	if len(r.Candidates) == 0 {
		return resource.Candidate{}, false
	}
	return r.Candidates[0], true
}

// MatchHospitals returns up to HospitalLimit hospitals for req.
func MatchHospitals(pool []resource.Candidate, req Requirement) (Result, error) {
	return match(pool, req, resource.KindHospital, HospitalLimit)
}

// MatchAmbulances returns up to AmbulanceLimit ambulances for req.
func MatchAmbulances(pool []resource.Candidate, req Requirement) (Result, error) {
	return match(pool, req, resource.KindAmbulance, AmbulanceLimit)
}

func match(pool []resource.Candidate, req Requirement, kind resource.Kind, limit int) (Result, error) {
	hard := filter(pool, kind, req, func(c *resource.Candidate) bool {
		return req.Capability == "" || c.Has(req.Capability)
	})
	if len(hard) > 0 {
		return Result{Candidates: rank(hard, req, kind, limit)}, nil
	}

	soft := filter(pool, kind, req, (*resource.Candidate).IsFallback)
	if len(soft) > 0 {
		return Result{Candidates: rank(soft, req, kind, limit), Degraded: true}, nil
	}

	return Result{}, fmt.Errorf("%w: %s for %q", ErrResourceNotFound, kind, req.Capability)
}

func filter(pool []resource.Candidate, kind resource.Kind, req Requirement, keep func(*resource.Candidate) bool) []resource.Candidate {
	var out []resource.Candidate
	for i := range pool {
		c := &pool[i]
		if c.Kind != "" && c.Kind != kind {
			continue
		}
		if !c.Available && !req.Emergency {
			continue
		}
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	return out
}

func rank(list []resource.Candidate, req Requirement, kind resource.Kind, limit int) []resource.Candidate {
	promoteALS := req.Emergency && kind == resource.KindAmbulance

	slices.SortFunc(list, func(a, b resource.Candidate) int {
		if a.Available != b.Available {
			if a.Available {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(a.DistanceKM, b.DistanceKM); c != 0 {
			return c
		}
		if promoteALS {
			if aa, bb := a.HasALS(), b.HasALS(); aa != bb {
				if aa {
					return -1
				}
				return 1
			}
		}
		if c := cmp.Compare(a.Load, b.Load); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	if len(list) > limit {
		list = list[:limit]
	}
	return list
}

// HospitalRequirement derives the hospital requirement for a triaged case.
func HospitalRequirement(c *patient.Case) Requirement {
	specialty := c.Specialty
	if specialty == "" {
		specialty = patient.SpecialtyGeneral
	}
	return Requirement{Capability: specialty, Priority: c.Priority, Emergency: c.IsEmergency}
}

// AmbulanceRequirement derives the ambulance requirement for a triaged case.
// Any ambulance can serve unless the case needs pediatric equipment.
func AmbulanceRequirement(c *patient.Case) Requirement {
	req := Requirement{Priority: c.Priority, Emergency: c.IsEmergency}
	if c.Specialty == pediatrics {
		req.Capability = pediatrics
	}
	return req
}

// ReceivingRequirement is what an ambulance dispatch needs from the hospital
// the patient is delivered to: an emergency department, at top priority.
func ReceivingRequirement() Requirement {
	return Requirement{Capability: resource.CapabilityER, Priority: patient.MaxPriority, Emergency: true}
}

const pediatrics = "nhi khoa"

// Matcher pulls candidates from a Source and ranks them.
type Matcher struct {
	src resource.Source
}

// New returns a Matcher over src.
func New(src resource.Source) *Matcher {
	return &Matcher{src: src}
}

// Hospitals matches hospitals for c.
func (m *Matcher) Hospitals(ctx context.Context, c *patient.Case) (Result, error) {
	return m.run(ctx, resource.KindHospital, c.Location, HospitalRequirement(c), MatchHospitals)
}

// Ambulances matches ambulances for c.
func (m *Matcher) Ambulances(ctx context.Context, c *patient.Case) (Result, error) {
	return m.run(ctx, resource.KindAmbulance, c.Location, AmbulanceRequirement(c), MatchAmbulances)
}

// ReceivingHospital picks the emergency department an ambulance for c
// delivers to.
func (m *Matcher) ReceivingHospital(ctx context.Context, c *patient.Case) (resource.Candidate, error) {
	res, err := m.run(ctx, resource.KindHospital, c.Location, ReceivingRequirement(), MatchHospitals)
	if err != nil {
		return resource.Candidate{}, err
	}
	h, _ := res.Primary()
	return h, nil
}

func (m *Matcher) run(
	ctx context.Context,
	kind resource.Kind,
	from geo.Point,
	req Requirement,
	fn func([]resource.Candidate, Requirement) (Result, error),
) (Result, error) {
	pool, err := m.src.Candidates(ctx, kind, from)
	if err != nil {
		return Result{}, fmt.Errorf("load %s candidates: %w", kind, err)
	}
	return fn(pool, req)
}
