package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carepath/internal/bus"
	"github.com/linnemanlabs/carepath/internal/matching"
	"github.com/linnemanlabs/carepath/internal/workflow"
)

// RecorderWorker keeps the case record in step with the worker pipeline and
// publishes case_completed when a terminal event arrives.
type RecorderWorker struct {
	store  workflow.Store
	pub    workflow.Publisher
	logger log.Logger
	hooks  workflow.Hooks
	now    func() time.Time
}

// NewRecorderWorker creates a RecorderWorker. hooks.OnComplete runs for
// every finished case; OnStage is not used.
func NewRecorderWorker(store workflow.Store, pub workflow.Publisher, logger log.Logger, hooks workflow.Hooks) *RecorderWorker {
	if logger == nil {
		logger = log.Nop()
	}
	return &RecorderWorker{store: store, pub: pub, logger: logger, hooks: hooks, now: time.Now}
}

// Name implements Worker.
func (w *RecorderWorker) Name() string { return "recorder" }

// Subscribe implements Worker.
func (w *RecorderWorker) Subscribe(b *bus.Bus) {
	for _, topic := range []string{
		TopicCaseTriaged,
		TopicCaseRouted,
		TopicHospitalsSelected,
		TopicDispatchList,
		TopicConsultationReady,
		TopicOptimizedHospitals,
		TopicOptimizedDispatch,
	} {
		b.Subscribe(topic, w.Handle)
	}
}

// Handle implements Worker.
func (w *RecorderWorker) Handle(ctx context.Context, ev bus.Event) error {
	switch ev.Topic {
	case TopicCaseTriaged:
		p, err := payloadAs[CaseTriaged](ev)
		if err != nil {
			return err
		}
		return w.update(ctx, ev, p.CaseID, func(r *workflow.Result) (workflow.State, string, bool) {
			if p.Cause != "" {
				r.Fail(workflow.StateExtract, errors.New(p.Cause), "failed classifications left out of scoring")
			}
			a := p.Assessment
			if r.Case == nil {
				r.Case = p.Case()
			}
			a.Apply(r.Case)
			r.Triage = &a
			return workflow.StateTriage, fmt.Sprintf("priority=%d specialty=%s emergency=%t", a.Priority, a.Specialty, a.IsEmergency), false
		})

	case TopicCaseRouted:
		p, err := payloadAs[CaseRouted](ev)
		if err != nil {
			return err
		}
		return w.update(ctx, ev, p.CaseID(), func(r *workflow.Result) (workflow.State, string, bool) {
			d := p.Decision
			state := workflow.StateRoute
			if d.DowngradedFrom != "" {
				state = workflow.StateExecute
			}
			if p.Cause != "" {
				r.Fail(state, errors.New(p.Cause), "route "+string(d.RouteType))
			}
			r.Route = &d
			r.Match = nil
			return state, string(d.RouteType), false
		})

	case TopicHospitalsSelected, TopicDispatchList:
		p, err := payloadAs[CandidatesFound](ev)
		if err != nil {
			return err
		}
		return w.update(ctx, ev, p.CaseID, func(r *workflow.Result) (workflow.State, string, bool) {
			if p.ReceivingCause != "" {
				r.Fail(workflow.StateOptimize, errors.New("receiving hospital: "+p.ReceivingCause), "ambulance without receiving hospital")
			}
			r.Match = &matching.Result{Candidates: p.Candidates, Degraded: p.Degraded}
			return workflow.StateExecute, fmt.Sprintf("%d candidate(s), primary %s", len(p.Candidates), p.Candidates[0].ID), false
		})

	case TopicConsultationReady:
		p, err := payloadAs[ConsultationReady](ev)
		if err != nil {
			return err
		}
		return w.update(ctx, ev, p.CaseID, func(r *workflow.Result) (workflow.State, string, bool) {
			if p.Cause != "" {
				r.Fail(workflow.StateExecute, errors.New(p.Cause), "consultation without answer")
			}
			d := p.Decision
			cons := p.Consultation
			r.Route = &d
			r.Match = nil
			r.Consultation = &cons
			return workflow.StateExecute, TopicConsultationReady, true
		})

	case TopicOptimizedHospitals, TopicOptimizedDispatch:
		p, err := payloadAs[Optimized](ev)
		if err != nil {
			return err
		}
		return w.update(ctx, ev, p.CaseID, func(r *workflow.Result) (workflow.State, string, bool) {
			if p.Cause != "" {
				r.Fail(workflow.StateOptimize, errors.New(p.Cause), "primary without backups")
			}
			a := p.Assignment
			r.Assignment = &a
			return workflow.StateOptimize, a.Notes, true
		})
	}
	return fmt.Errorf("recorder: unexpected topic %q", ev.Topic)
}

// update applies fn to the stored record, appends a step covering the time
// since the previous step, and persists it. A done record is closed and
// announced with case_completed.
func (w *RecorderWorker) update(ctx context.Context, ev bus.Event, caseID string, fn func(r *workflow.Result) (state workflow.State, output string, done bool)) error {
	r, ok, err := w.store.Get(ctx, caseID)
	if err == nil && !ok {
		err = workflow.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load case %s: %w", caseID, err)
	}
	if r.State.Terminal() {
		w.logger.Warn(ctx, "event for finished case ignored", "case_id", caseID, "topic", ev.Topic)
		return nil
	}

	started := r.CreatedAt
	if n := len(r.Steps); n > 0 {
		last := r.Steps[n-1]
		started = last.Started.Add(time.Duration(last.Duration * float64(time.Second)))
	}

	state, output, done := fn(r)
	r.State = state
	r.Status = workflow.StatusInProgress
	r.Steps = append(r.Steps, workflow.Step{
		Stage:    state,
		Input:    ev.Sender,
		Output:   output,
		Started:  started,
		Duration: ev.Timestamp.Sub(started).Seconds(),
	})

	if done {
		r.State = workflow.StateDone
		r.Status = workflow.StatusComplete
		r.CompletedAt = w.now().UTC()
		r.Duration = r.CompletedAt.Sub(r.CreatedAt).Seconds()
	}

	if err := w.store.Update(ctx, r); err != nil {
		return fmt.Errorf("persist case %s: %w", caseID, err)
	}
	if !done {
		return nil
	}

	if w.hooks.OnComplete != nil {
		w.hooks.OnComplete(r)
	}
	w.pub.Publish(ctx, workflow.TopicCaseCompleted, workflow.CaseCompleted{Result: r.Clone()}, w.Name())
	w.logger.Info(ctx, "case complete",
		"case_id", caseID,
		"route", r.RouteType(),
		"failures", len(r.Failures),
		"duration", r.Duration,
	)
	return nil
}
