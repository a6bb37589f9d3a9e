package agents

import (
	"errors"
	"fmt"
	"slices"

	"github.com/linnemanlabs/carepath/internal/geo"
	"github.com/linnemanlabs/carepath/internal/matching"
	"github.com/linnemanlabs/carepath/internal/optimize"
	"github.com/linnemanlabs/carepath/internal/patient"
	"github.com/linnemanlabs/carepath/internal/resource"
	"github.com/linnemanlabs/carepath/internal/routing"
	"github.com/linnemanlabs/carepath/internal/triage"
	"github.com/linnemanlabs/carepath/internal/workflow"
)

// Topics.
const (
	TopicNewCase           = "new_case"
	TopicCaseTriaged       = "case_triaged"
	TopicCaseRouted        = "case_routed"
	TopicHospitalsSelected = "hospitals_selected"
	TopicDispatchList      = "dispatch_list"
	TopicConsultationReady = "consultation_ready"

	TopicOptimizedHospitals = optimizedPrefix + TopicHospitalsSelected
	TopicOptimizedDispatch  = optimizedPrefix + TopicDispatchList

	optimizedPrefix = "optimized_"
)

// Topics lists every topic the workers publish, in pipeline order.
var Topics = []string{
	TopicNewCase,
	TopicCaseTriaged,
	TopicCaseRouted,
	TopicHospitalsSelected,
	TopicDispatchList,
	TopicConsultationReady,
	TopicOptimizedHospitals,
	TopicOptimizedDispatch,
	workflow.TopicCaseCompleted,
}

// ErrInvalidPayload is returned when a payload fails construction or a
// handler receives a payload of the wrong type.
var ErrInvalidPayload = errors.New("invalid event payload")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// NewCase is the intake for one case. Images stay in the case store; the
// payload only counts them so bus history and mirrors stay small.
type NewCase struct {
	CaseID      string         `json:"case_id"`
	Description string         `json:"description"`
	ImageCount  int            `json:"image_count,omitempty"`
	Location    geo.Point      `json:"location"`
	Vitals      patient.Vitals `json:"vitals"`
	OnsetTime   string         `json:"onset_time,omitempty"`
	History     []string       `json:"history,omitempty"`
}

// NewCaseEvent builds the new_case payload for c.
func NewCaseEvent(c *patient.Case) (NewCase, error) {
	if c == nil {
		return NewCase{}, invalid("new_case: no case")
	}
	if c.ID == "" {
		return NewCase{}, invalid("new_case: missing case_id")
	}
	return NewCase{
		CaseID:      c.ID,
		Description: c.Description,
		ImageCount:  len(c.Images),
		Location:    c.Location,
		Vitals:      c.Vitals,
		OnsetTime:   c.OnsetTime,
		History:     slices.Clone(c.History),
	}, nil
}

// Case rebuilds the case the intake describes, without its images.
func (p NewCase) Case() *patient.Case {
	return patient.NewCase(p.CaseID, &patient.Input{
		Description: p.Description,
		Location:    p.Location,
		Vitals:      p.Vitals,
		OnsetTime:   p.OnsetTime,
		History:     p.History,
	})
}

// CaseTriaged carries the triage assessment. Cause is set when extraction
// failed and the assessment was built without some classification.
type CaseTriaged struct {
	CaseID string `json:"case_id"`
	triage.Assessment
	Location    geo.Point `json:"location"`
	Description string    `json:"description,omitempty"`
	Cause       string    `json:"cause,omitempty"`
}

// NewCaseTriaged builds the case_triaged payload.
func NewCaseTriaged(c *patient.Case, a triage.Assessment, cause error) (CaseTriaged, error) {
	if c == nil || c.ID == "" {
		return CaseTriaged{}, invalid("case_triaged: missing case_id")
	}
	if a.Priority < patient.MinPriority || a.Priority > patient.MaxPriority {
		return CaseTriaged{}, invalid("case_triaged: priority %d out of range", a.Priority)
	}
	a.Symptoms = slices.Clone(a.Symptoms)
	a.Findings = slices.Clone(a.Findings)
	a.EmergencyTerms = slices.Clone(a.EmergencyTerms)
	p := CaseTriaged{CaseID: c.ID, Assessment: a, Location: c.Location, Description: c.Description}
	if cause != nil {
		p.Cause = cause.Error()
	}
	return p, nil
}

// Case rebuilds the fields later stages need.
func (p CaseTriaged) Case() *patient.Case {
	c := &patient.Case{ID: p.CaseID, Location: p.Location, Description: p.Description}
	p.Apply(c)
	return c
}

// CaseRouted carries a route decision. Cause is set when the route is a
// downgrade after a failed match.
type CaseRouted struct {
	Triaged  CaseTriaged      `json:"case"`
	Decision routing.Decision `json:"decision"`
	Cause    string           `json:"cause,omitempty"`
}

// NewCaseRouted builds the case_routed payload.
func NewCaseRouted(t CaseTriaged, d routing.Decision, cause error) (CaseRouted, error) {
	if !d.RouteType.Valid() {
		return CaseRouted{}, invalid("case_routed: unknown route %q", d.RouteType)
	}
	if d.CaseID != t.CaseID {
		return CaseRouted{}, invalid("case_routed: decision for %q on case %q", d.CaseID, t.CaseID)
	}
	p := CaseRouted{Triaged: t, Decision: d}
	if cause != nil {
		p.Cause = cause.Error()
	}
	return p, nil
}

// CaseID returns the routed case's ID.
func (p CaseRouted) CaseID() string { return p.Triaged.CaseID }

// CandidatesFound is the ranked resource list for a routed case. It is
// published as hospitals_selected or dispatch_list depending on Kind. A
// dispatch list also names the receiving hospital, or why there is none.
type CandidatesFound struct {
	CaseID            string               `json:"case_id"`
	RouteType         routing.RouteType    `json:"route_type"`
	Kind              resource.Kind        `json:"kind"`
	Priority          int                  `json:"priority"`
	Candidates        []resource.Candidate `json:"candidates"`
	Degraded          bool                 `json:"degraded,omitempty"`
	ReceivingHospital *resource.Candidate  `json:"receiving_hospital,omitempty"`
	ReceivingCause    string               `json:"receiving_cause,omitempty"`
}

// NewCandidatesFound builds a candidate list payload.
func NewCandidatesFound(r CaseRouted, res matching.Result) (CandidatesFound, error) {
	if len(res.Candidates) == 0 {
		return CandidatesFound{}, invalid("candidates: empty list for case %q", r.CaseID())
	}
	kind := resource.KindHospital
	switch r.Decision.RouteType {
	case routing.RouteEmergency:
		kind = resource.KindAmbulance
	case routing.RouteHospital:
	default:
		return CandidatesFound{}, invalid("candidates: route %q takes no resource", r.Decision.RouteType)
	}
	return CandidatesFound{
		CaseID:     r.CaseID(),
		RouteType:  r.Decision.RouteType,
		Kind:       kind,
		Priority:   r.Triaged.Priority,
		Candidates: resource.CloneAll(res.Candidates),
		Degraded:   res.Degraded,
	}, nil
}

// Topic is hospitals_selected or dispatch_list.
func (p CandidatesFound) Topic() string {
	if p.Kind == resource.KindAmbulance {
		return TopicDispatchList
	}
	return TopicHospitalsSelected
}

// Input converts the list into optimizer input with the first candidate as
// primary.
func (p CandidatesFound) Input() optimize.Input {
	return optimize.Input{
		CaseID:   p.CaseID,
		Kind:     p.Kind,
		Priority: p.Priority,
		Primary:  p.Candidates[0],
		Pool:     p.Candidates,
	}
}

// Optimized is the original candidate payload plus its assignment.
type Optimized struct {
	CandidatesFound
	Assignment optimize.Assignment `json:"optimized"`
	Cause      string              `json:"cause,omitempty"`
}

// NewOptimized builds the optimized_<event> payload. cause is set when the
// assignment is the no-backup fallback.
func NewOptimized(f CandidatesFound, a optimize.Assignment, cause error) (Optimized, error) {
	if a.Primary.ID == "" {
		return Optimized{}, invalid("optimized: no primary for case %q", f.CaseID)
	}
	if slices.ContainsFunc(a.Backups, func(b resource.Candidate) bool { return b.ID == a.Primary.ID }) {
		return Optimized{}, invalid("optimized: primary %s repeated in backups", a.Primary.ID)
	}
	p := Optimized{CandidatesFound: f, Assignment: a}
	if cause != nil {
		p.Cause = cause.Error()
	}
	return p, nil
}

// Topic is the optimized_ counterpart of the source topic.
func (p Optimized) Topic() string {
	return optimizedPrefix + p.CandidatesFound.Topic()
}

// ConsultationReady is the terminal payload for the QA route. Cause is set
// when the consultant could not answer and the fixed consultation stands.
type ConsultationReady struct {
	CaseID       string                `json:"case_id"`
	Decision     routing.Decision      `json:"decision"`
	Consultation workflow.Consultation `json:"consultation"`
	Cause        string                `json:"cause,omitempty"`
}

// NewConsultationReady builds the consultation_ready payload.
func NewConsultationReady(r CaseRouted) (ConsultationReady, error) {
	if r.Decision.RouteType != routing.RouteQA {
		return ConsultationReady{}, invalid("consultation_ready: route %q", r.Decision.RouteType)
	}
	return ConsultationReady{
		CaseID:       r.CaseID(),
		Decision:     r.Decision,
		Consultation: workflow.NewConsultation(r.Triaged.Case()),
	}, nil
}
