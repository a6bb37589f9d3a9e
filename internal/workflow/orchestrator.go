// Package workflow sequences the pipeline stages for a case and owns the
// case record lifecycle.
//
// The orchestrator moves a case through EXTRACT, TRIAGE, ROUTE, EXECUTE and
// OPTIMIZE. A failing stage never stops the pipeline: its output is replaced
// by a conservative default, the failure is recorded on the result, and the
// next stage runs. ERROR is reached only when no final record can be built.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carepath/internal/matching"
	"github.com/linnemanlabs/carepath/internal/optimize"
	"github.com/linnemanlabs/carepath/internal/patient"
	"github.com/linnemanlabs/carepath/internal/resource"
	"github.com/linnemanlabs/carepath/internal/routing"
	"github.com/linnemanlabs/carepath/internal/triage"
)

// ErrStageFailure wraps any error or panic raised inside a stage.
var ErrStageFailure = errors.New("stage failure")

// Triager extracts and scores a case.
type Triager interface {
	Extract(ctx context.Context, c *patient.Case) (triage.Extraction, error)
	Score(ctx context.Context, c *patient.Case, ex triage.Extraction) triage.Assessment
}

// ResourceMatcher finds candidate hospitals and ambulances, and the
// emergency department an ambulance delivers to.
type ResourceMatcher interface {
	Hospitals(ctx context.Context, c *patient.Case) (matching.Result, error)
	Ambulances(ctx context.Context, c *patient.Case) (matching.Result, error)
	ReceivingHospital(ctx context.Context, c *patient.Case) (resource.Candidate, error)
}

// AssignmentOptimizer adds backups and adjustments to a primary.
type AssignmentOptimizer interface {
	Optimize(ctx context.Context, in optimize.Input) (optimize.Assignment, error)
}

// RouteFunc decides a route from triage output.
type RouteFunc func(caseID string, priority int, isEmergency bool) routing.Decision

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	OnStage    func(stage State, duration float64, failed bool)
	OnComplete func(r *Result)
}

// Orchestrator runs the pipeline for one case at a time per call. It holds
// no per-case state, so one Orchestrator serves any number of concurrent
// cases.
type Orchestrator struct {
	triager   Triager
	matcher   ResourceMatcher
	optimizer AssignmentOptimizer
	route     RouteFunc
	consult   Consultant
	logger    log.Logger
	hooks     Hooks
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRouter replaces routing.Decide.
func WithRouter(fn RouteFunc) Option {
	return func(o *Orchestrator) { o.route = fn }
}

// WithConsultant answers QA-route cases through cs.
func WithConsultant(cs Consultant) Option {
	return func(o *Orchestrator) { o.consult = cs }
}

// WithHooks sets instrumentation callbacks.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

// WithClock sets the time source used for step timing.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(t Triager, m ResourceMatcher, opt AssignmentOptimizer, logger log.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = log.Nop()
	}
	o := &Orchestrator{
		triager:   t,
		matcher:   m,
		optimizer: opt,
		route:     routing.Decide,
		logger:    logger,
		now:       time.Now,
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// Run drives r.Case through every stage, filling r in place. On return r is
// either DONE with Status complete or ERROR with Status failed.
func (o *Orchestrator) Run(ctx context.Context, r *Result) {
	start := o.now()
	ctx, span := tracer().Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("carepath.case.id", r.ID),
	))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("%w: pipeline panic: %v", ErrStageFailure, p)
			o.abort(ctx, span, r, err)
		}
		r.CompletedAt = o.now()
		r.Duration = r.CompletedAt.Sub(start).Seconds()
		span.SetAttributes(
			attribute.String("carepath.state", string(r.State)),
			attribute.String("carepath.route", string(r.RouteType())),
		)
		if o.hooks.OnComplete != nil {
			o.hooks.OnComplete(r)
		}
	}()

	if r.Case == nil {
		o.abort(ctx, span, r, errors.New("record has no case"))
		return
	}
	r.Status = StatusInProgress

	ex := o.extract(ctx, r)
	o.assess(ctx, r, ex)
	o.decide(ctx, r)
	o.execute(ctx, r)
	o.optimize(ctx, r)

	r.State = StateDone
	r.Status = StatusComplete
}

func (o *Orchestrator) abort(ctx context.Context, span trace.Span, r *Result, err error) {
	r.State = StateError
	r.Status = StatusFailed
	r.Fail(StateError, err, "")
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.logger.Error(ctx, err, "pipeline aborted", "case_id", r.ID)
}

func (o *Orchestrator) extract(ctx context.Context, r *Result) triage.Extraction {
	c := r.Case
	var ex triage.Extraction
	err := o.stage(ctx, r, StateExtract, describeCase(c), func(ctx context.Context) (string, error) {
		var err error
		ex, err = o.triager.Extract(ctx, c)
		return describeExtraction(ex), err
	})
	if err != nil {
		r.Fail(StateExtract, err, "failed classifications left out of scoring")
	}
	return ex
}

func (o *Orchestrator) assess(ctx context.Context, r *Result, ex triage.Extraction) {
	c := r.Case
	var a triage.Assessment
	err := o.stage(ctx, r, StateTriage, describeExtraction(ex), func(ctx context.Context) (string, error) {
		a = o.triager.Score(ctx, c, ex)
		return fmt.Sprintf("priority=%d specialty=%s emergency=%t", a.Priority, a.Specialty, a.IsEmergency), nil
	})
	if err != nil {
		a = triage.DefaultAssessment()
		r.Fail(StateTriage, err, "priority 3, general, not emergency")
	}
	a.Apply(c)
	r.Triage = &a
}

func (o *Orchestrator) decide(ctx context.Context, r *Result) {
	c := r.Case
	var d routing.Decision
	input := fmt.Sprintf("priority=%d emergency=%t", c.Priority, c.IsEmergency)
	err := o.stage(ctx, r, StateRoute, input, func(context.Context) (string, error) {
		d = o.route(c.ID, c.Priority, c.IsEmergency)
		if !d.RouteType.Valid() {
			return "", fmt.Errorf("invalid route %q", d.RouteType)
		}
		return string(d.RouteType), nil
	})
	if err != nil {
		d = routing.Default(c.ID)
		r.Fail(StateRoute, err, string(routing.RouteQA))
	}
	r.Route = &d
}

func (o *Orchestrator) execute(ctx context.Context, r *Result) {
	c := r.Case
	original := *r.Route
	err := o.stage(ctx, r, StateExecute, string(original.RouteType), func(ctx context.Context) (string, error) {
		for {
			d := *r.Route
			if !d.RouteType.NeedsResource() {
				cons, err := Consult(ctx, o.consult, c)
				if err != nil {
					r.Fail(StateExecute, err, "consultation without answer")
					o.logger.Warn(ctx, "consultant unavailable", "case_id", c.ID, "error", err)
				}
				r.Consultation = &cons
				return "consultation_ready", nil
			}

			res, err := o.match(ctx, d.RouteType, c)
			if err == nil {
				r.Match = &res
				return describeMatch(res), nil
			}

			next := routing.Downgrade(d, routing.ReasonNoResource)
			r.Fail(StateExecute, err, "route downgraded to "+string(next.RouteType))
			o.logger.Warn(ctx, "no resource for route, downgrading",
				"case_id", c.ID,
				"from", d.RouteType,
				"to", next.RouteType,
				"error", err,
			)
			r.Route = &next
		}
	})
	if err != nil {
		d := routing.Default(c.ID)
		d.DowngradedFrom = original.RouteType
		r.Route = &d
		r.Match = nil
		cons := NewConsultation(c)
		r.Consultation = &cons
		r.Fail(StateExecute, err, string(routing.RouteQA))
	}
}

func (o *Orchestrator) match(ctx context.Context, rt routing.RouteType, c *patient.Case) (matching.Result, error) {
	if rt == routing.RouteEmergency {
		return o.matcher.Ambulances(ctx, c)
	}
	return o.matcher.Hospitals(ctx, c)
}

func (o *Orchestrator) optimize(ctx context.Context, r *Result) {
	c := r.Case
	var primary resource.Candidate
	var ok bool
	if r.Match != nil {
		primary, ok = r.Match.Primary()
	}

	err := o.stage(ctx, r, StateOptimize, primary.ID, func(ctx context.Context) (string, error) {
		if !ok {
			return "nothing to optimize", nil
		}
		kind := resource.KindHospital
		if r.RouteType() == routing.RouteEmergency {
			kind = resource.KindAmbulance
		}
		a, err := o.optimizer.Optimize(ctx, optimize.Input{
			CaseID:   c.ID,
			Kind:     kind,
			Priority: c.Priority,
			Primary:  primary,
			Pool:     r.Match.Candidates,
		})
		if err != nil {
			return "", err
		}
		r.Assignment = &a
		return a.Notes, nil
	})
	if err != nil {
		r.Assignment = &optimize.Assignment{Primary: primary, Backups: []resource.Candidate{}, Notes: "optimization unavailable"}
		r.Fail(StateOptimize, err, "primary without backups")
	}

	if ok && r.RouteType() == routing.RouteEmergency {
		o.receive(ctx, r)
	}
}

// receive attaches the emergency department the dispatched ambulance
// delivers to. A failed lookup leaves the ambulance assignment as is.
func (o *Orchestrator) receive(ctx context.Context, r *Result) {
	h, err := o.matcher.ReceivingHospital(ctx, r.Case)
	if err != nil {
		r.Fail(StateOptimize, fmt.Errorf("receiving hospital: %w", err), "ambulance without receiving hospital")
		o.logger.Warn(ctx, "no receiving hospital for dispatch", "case_id", r.ID, "error", err)
		return
	}
	r.Assignment.ReceivingHospital = &h
}

// stage runs fn as one pipeline stage. Panics become errors wrapped in
// ErrStageFailure, and every run is appended to r.Steps.
func (o *Orchestrator) stage(ctx context.Context, r *Result, state State, input string, fn func(context.Context) (string, error)) (err error) {
	r.State = state
	name := strings.ToLower(string(state))
	ctx, span := tracer().Start(ctx, "workflow."+name, trace.WithAttributes(
		attribute.String("carepath.case.id", r.ID),
	))
	defer span.End()

	start := o.now()
	var output string
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		output, err = fn(ctx)
	}()
	dur := o.now().Sub(start).Seconds()

	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrStageFailure, name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn(ctx, "stage failed, using default", "case_id", r.ID, "stage", state, "error", err)
	}

	r.Steps = append(r.Steps, Step{
		Stage:    state,
		Input:    input,
		Output:   output,
		Started:  start,
		Duration: dur,
		Failed:   err != nil,
	})
	if o.hooks.OnStage != nil {
		o.hooks.OnStage(state, dur, err != nil)
	}
	return err
}

func describeCase(c *patient.Case) string {
	return fmt.Sprintf("description=%d chars images=%d heart_rate=%d spo2=%d",
		len([]rune(c.Description)), len(c.Images), c.Vitals.HeartRate, c.Vitals.SpO2)
}

func describeExtraction(ex triage.Extraction) string {
	var parts []string
	if ex.Text != nil {
		parts = append(parts, fmt.Sprintf("text priority=%d", ex.Text.Priority))
	}
	if ex.Image != nil {
		parts = append(parts, fmt.Sprintf("image risk=%d", ex.Image.RiskLevel))
	}
	if len(parts) == 0 {
		return "no classification"
	}
	return strings.Join(parts, ", ")
}

func describeMatch(res matching.Result) string {
	p, _ := res.Primary()
	s := fmt.Sprintf("%d candidate(s), primary %s", len(res.Candidates), p.ID)
	if res.Degraded {
		s += " (fallback)"
	}
	return s
}

func tracer() trace.Tracer {
	return otel.Tracer("github.com/linnemanlabs/carepath/internal/workflow")
}
