// Package routing picks the care pathway for a triaged case.
package routing

import "github.com/linnemanlabs/carepath/internal/patient"

// RouteType is the chosen care pathway.
type RouteType string

const (
	// RouteQA is an online consultation.
	RouteQA RouteType = "qa_consultation"

	// RouteHospital sends the patient directly to a hospital.
	RouteHospital RouteType = "hospital_direct"

	// RouteEmergency dispatches an ambulance.
	RouteEmergency RouteType = "emergency_dispatch"
)

// Reasons attached to each decision.
const (
	ReasonEmergency  = "cấp cứu"
	ReasonHospital   = "cần khám và điều trị"
	ReasonMild       = "triệu chứng nhẹ"
	ReasonNoResource = "no matching resource"
	ReasonDefault    = "routing unavailable, conservative default"
)

// Decision is the single active routing decision for a case.
type Decision struct {
	CaseID    string    `json:"case_id"`
	RouteType RouteType `json:"route_type"`
	Reason    string    `json:"reason"`
	// DowngradedFrom is set when a later stage could not serve the original route.
	DowngradedFrom RouteType `json:"downgraded_from,omitempty"`
}

// Decide maps triage output to a route. It is a pure function.
func Decide(caseID string, priority int, isEmergency bool) Decision {
	p := patient.ClampPriority(priority)
	switch {
	case isEmergency || p >= 5:
		return Decision{CaseID: caseID, RouteType: RouteEmergency, Reason: ReasonEmergency}
	case p >= 3:
		return Decision{CaseID: caseID, RouteType: RouteHospital, Reason: ReasonHospital}
	default:
		return Decision{CaseID: caseID, RouteType: RouteQA, Reason: ReasonMild}
	}
}

// Default is the conservative decision used when routing itself fails.
func Default(caseID string) Decision {
	return Decision{CaseID: caseID, RouteType: RouteQA, Reason: ReasonDefault}
}

// Downgrade moves a decision one level down: emergency to hospital, hospital
// to consultation. A consultation stays a consultation.
func Downgrade(d Decision, reason string) Decision {
	next := d
	next.Reason = reason
	switch d.RouteType {
	case RouteEmergency:
		next.RouteType = RouteHospital
	case RouteHospital:
		next.RouteType = RouteQA
	default:
		return d
	}
	if d.DowngradedFrom == "" {
		next.DowngradedFrom = d.RouteType
	}
	return next
}

// NeedsResource reports whether the route is served by a matched resource.
func (r RouteType) NeedsResource() bool {
	return r == RouteHospital || r == RouteEmergency
}

// Valid reports whether r is a known route.
func (r RouteType) Valid() bool {
	switch r {
	case RouteQA, RouteHospital, RouteEmergency:
		return true
	}
	return false
}
