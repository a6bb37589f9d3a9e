package workflow

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/carepath/internal/matching"
	"github.com/linnemanlabs/carepath/internal/optimize"
	"github.com/linnemanlabs/carepath/internal/patient"
	"github.com/linnemanlabs/carepath/internal/resource"
	"github.com/linnemanlabs/carepath/internal/routing"
	"github.com/linnemanlabs/carepath/internal/triage"
)

// State is a pipeline stage.
type State string

const (
	StateExtract  State = "EXTRACT"
	StateTriage   State = "TRIAGE"
	StateRoute    State = "ROUTE"
	StateExecute  State = "EXECUTE"
	StateOptimize State = "OPTIMIZE"
	StateDone     State = "DONE"
	StateError    State = "ERROR"
)

// Terminal reports whether no further stage runs after s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// Status tracks where a case record is in its lifecycle.
type Status string

const (
	// StatusPending means created, not yet started
	StatusPending Status = "pending"

	// StatusInProgress means the pipeline is running
	StatusInProgress Status = "in_progress"

	// StatusComplete means a final record was produced
	StatusComplete Status = "complete"

	// StatusFailed means no final record could be produced
	StatusFailed Status = "failed"
)

// TopicCaseCompleted is published once per case with the final record.
const TopicCaseCompleted = "case_completed"

// StageFailure records a stage that failed and the default used in its place.
type StageFailure struct {
	Stage   State  `json:"stage"`
	Error   string `json:"error"`
	Default string `json:"default,omitempty"`
}

// Step is one flow-tracker entry.
type Step struct {
	Stage    State     `json:"stage"`
	Input    string    `json:"input,omitempty"`
	Output   string    `json:"output,omitempty"`
	Started  time.Time `json:"started_at"`
	Duration float64   `json:"duration_seconds"`
	Failed   bool      `json:"failed,omitempty"`
}

// Consultation is the outcome of an online-consultation route. Answer is
// empty when no consultant is configured or it could not answer.
type Consultation struct {
	Context string `json:"chat_context"`
	Message string `json:"message"`
	Answer  string `json:"answer,omitempty"`
}

// Consultant answers a patient's question for the online-consultation route.
type Consultant interface {
	Answer(ctx context.Context, question, background string) (string, error)
}

// NewConsultation opens a consultation for c.
func NewConsultation(c *patient.Case) Consultation {
	desc := c.Description
	if desc == "" {
		desc = "chưa mô tả"
	}
	return Consultation{
		Context: fmt.Sprintf("Bệnh nhân có triệu chứng: %s\nMức độ ưu tiên: %d/5\nKhuyến nghị: tư vấn trực tuyến", desc, c.Priority),
		Message: "Đã kết nối với chuyên gia tư vấn y tế",
	}
}

// Consult opens a consultation for c and asks cs to answer the patient's
// description. The fixed consultation is always returned; err reports why
// it carries no answer. A nil cs or an empty description asks nothing.
func Consult(ctx context.Context, cs Consultant, c *patient.Case) (Consultation, error) {
	cons := NewConsultation(c)
	if cs == nil || strings.TrimSpace(c.Description) == "" {
		return cons, nil
	}
	answer, err := cs.Answer(ctx, c.Description, cons.Context)
	if err != nil {
		return cons, fmt.Errorf("consultation answer: %w", err)
	}
	cons.Answer = answer
	cons.Message = "Đã có câu trả lời từ trợ lý tư vấn y tế"
	return cons, nil
}

// Result is the single record a case produces.
type Result struct {
	ID           string               `json:"id"`
	Status       Status               `json:"status"`
	State        State                `json:"state"`
	Case         *patient.Case        `json:"case"`
	Triage       *triage.Assessment   `json:"triage,omitempty"`
	Route        *routing.Decision    `json:"route,omitempty"`
	Match        *matching.Result     `json:"match,omitempty"`
	Assignment   *optimize.Assignment `json:"assignment,omitempty"`
	Consultation *Consultation        `json:"consultation,omitempty"`
	Failures     []StageFailure       `json:"failures,omitempty"`
	Steps        []Step               `json:"steps,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	CompletedAt  time.Time            `json:"completed_at,omitempty"`
	Duration     float64              `json:"duration_seconds,omitempty"`
}

// RouteType returns the active route, or "" before routing.
func (r *Result) RouteType() routing.RouteType {
	if r.Route == nil {
		return ""
	}
	return r.Route.RouteType
}

// Fail appends a stage failure.
func (r *Result) Fail(stage State, err error, def string) {
	r.Failures = append(r.Failures, StageFailure{Stage: stage, Error: err.Error(), Default: def})
}

// Clone returns a copy that shares no mutable state with r.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Case != nil {
		c := *r.Case
		c.Images = slices.Clone(c.Images)
		c.Symptoms = slices.Clone(c.Symptoms)
		c.Findings = slices.Clone(c.Findings)
		c.History = slices.Clone(c.History)
		cp.Case = &c
	}
	if r.Triage != nil {
		t := *r.Triage
		t.Symptoms = slices.Clone(t.Symptoms)
		t.Findings = slices.Clone(t.Findings)
		t.EmergencyTerms = slices.Clone(t.EmergencyTerms)
		cp.Triage = &t
	}
	if r.Route != nil {
		d := *r.Route
		cp.Route = &d
	}
	if r.Match != nil {
		m := matching.Result{Candidates: resource.CloneAll(r.Match.Candidates), Degraded: r.Match.Degraded}
		cp.Match = &m
	}
	if r.Assignment != nil {
		a := *r.Assignment
		a.Primary = a.Primary.Clone()
		a.Backups = resource.CloneAll(a.Backups)
		if a.ReceivingHospital != nil {
			h := a.ReceivingHospital.Clone()
			a.ReceivingHospital = &h
		}
		cp.Assignment = &a
	}
	if r.Consultation != nil {
		c := *r.Consultation
		cp.Consultation = &c
	}
	cp.Failures = slices.Clone(r.Failures)
	cp.Steps = slices.Clone(r.Steps)
	return &cp
}

// CaseCompleted is the payload of TopicCaseCompleted.
type CaseCompleted struct {
	Result *Result `json:"result"`
}

// Queryable fields for Store.QueryByField.
const (
	FieldStatus      = "status"
	FieldState       = "state"
	FieldRouteType   = "route_type"
	FieldSpecialty   = "specialty"
	FieldPriority    = "priority"
	FieldIsEmergency = "is_emergency"
)

// Fields lists every queryable field.
var Fields = []string{FieldStatus, FieldState, FieldRouteType, FieldSpecialty, FieldPriority, FieldIsEmergency}

// FieldValue returns the string form of field on r.
func FieldValue(r *Result, field string) (string, error) {
	switch field {
	case FieldStatus:
		return string(r.Status), nil
	case FieldState:
		return string(r.State), nil
	case FieldRouteType:
		return string(r.RouteType()), nil
	}
	if !slices.Contains(Fields, field) {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	if r.Case == nil {
		return "", nil
	}
	switch field {
	case FieldSpecialty:
		return r.Case.Specialty, nil
	case FieldPriority:
		return strconv.Itoa(r.Case.Priority), nil
	default:
		return strconv.FormatBool(r.Case.IsEmergency), nil
	}
}
