package agents

import (
	"context"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carepath/internal/bus"
	"github.com/linnemanlabs/carepath/internal/matching"
	"github.com/linnemanlabs/carepath/internal/patient"
	"github.com/linnemanlabs/carepath/internal/routing"
	"github.com/linnemanlabs/carepath/internal/workflow"
)

// MatcherWorker turns case_routed into a candidate list or, for the QA
// route, consultation_ready.
type MatcherWorker struct {
	matcher    workflow.ResourceMatcher
	consultant workflow.Consultant
	pub        workflow.Publisher
	logger     log.Logger
}

// MatcherOption configures a MatcherWorker.
type MatcherOption func(*MatcherWorker)

// WithConsultant answers QA-route cases through cs.
func WithConsultant(cs workflow.Consultant) MatcherOption {
	return func(w *MatcherWorker) { w.consultant = cs }
}

// NewMatcherWorker creates a MatcherWorker.
func NewMatcherWorker(m workflow.ResourceMatcher, pub workflow.Publisher, logger log.Logger, opts ...MatcherOption) *MatcherWorker {
	if logger == nil {
		logger = log.Nop()
	}
	w := &MatcherWorker{matcher: m, pub: pub, logger: logger}
	for _, fn := range opts {
		fn(w)
	}
	return w
}

// Name implements Worker.
func (w *MatcherWorker) Name() string { return "matcher" }

// Subscribe implements Worker.
func (w *MatcherWorker) Subscribe(b *bus.Bus) {
	b.Subscribe(TopicCaseRouted, w.Handle)
}

// Handle implements Worker. When no resource matches, the route is
// downgraded one level and republished as case_routed, so this worker sees
// the case again for the lower route.
func (w *MatcherWorker) Handle(ctx context.Context, ev bus.Event) error {
	r, err := payloadAs[CaseRouted](ev)
	if err != nil {
		return err
	}

	if !r.Decision.RouteType.NeedsResource() {
		out, err := NewConsultationReady(r)
		if err != nil {
			return err
		}
		if w.consultant != nil {
			cons, cerr := workflow.Consult(ctx, w.consultant, r.Triaged.Case())
			out.Consultation = cons
			if cerr != nil {
				out.Cause = cerr.Error()
				w.logger.Warn(ctx, "consultant unavailable", "case_id", r.CaseID(), "error", cerr)
			}
		}
		w.pub.Publish(ctx, TopicConsultationReady, out, w.Name())
		return nil
	}

	c := r.Triaged.Case()
	var res matching.Result
	if r.Decision.RouteType == routing.RouteEmergency {
		res, err = w.matcher.Ambulances(ctx, c)
	} else {
		res, err = w.matcher.Hospitals(ctx, c)
	}

	if err == nil {
		out, cerr := NewCandidatesFound(r, res)
		if cerr != nil {
			return cerr
		}
		if r.Decision.RouteType == routing.RouteEmergency {
			w.receive(ctx, c, &out)
		}
		w.pub.Publish(ctx, out.Topic(), out, w.Name())
		return nil
	}

	next := routing.Downgrade(r.Decision, routing.ReasonNoResource)
	w.logger.Warn(ctx, "no resource for route, downgrading",
		"case_id", c.ID,
		"from", r.Decision.RouteType,
		"to", next.RouteType,
		"error", err,
	)
	out, rerr := NewCaseRouted(r.Triaged, next, err)
	if rerr != nil {
		return rerr
	}
	w.pub.Publish(ctx, TopicCaseRouted, out, w.Name())
	return nil
}

// receive names the emergency department the dispatched ambulance delivers
// to. A failed lookup is carried on the payload; the dispatch still goes out.
func (w *MatcherWorker) receive(ctx context.Context, c *patient.Case, out *CandidatesFound) {
	h, err := w.matcher.ReceivingHospital(ctx, c)
	if err != nil {
		out.ReceivingCause = err.Error()
		w.logger.Warn(ctx, "no receiving hospital for dispatch", "case_id", c.ID, "error", err)
		return
	}
	out.ReceivingHospital = &h
}
