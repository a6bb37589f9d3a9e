package agents

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carepath/internal/bus"
	"github.com/linnemanlabs/carepath/internal/matching"
	"github.com/linnemanlabs/carepath/internal/optimize"
	"github.com/linnemanlabs/carepath/internal/patient"
	"github.com/linnemanlabs/carepath/internal/resource"
	"github.com/linnemanlabs/carepath/internal/routing"
	"github.com/linnemanlabs/carepath/internal/triage"
	"github.com/linnemanlabs/carepath/internal/workflow"
	"github.com/linnemanlabs/carepath/internal/workflow/memstore"
)

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload any, sender string) bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := bus.Event{Topic: topic, Payload: payload, Sender: sender, Timestamp: time.Now().UTC()}
	p.events = append(p.events, ev)
	return ev
}

func (p *recordingPublisher) last(t *testing.T) bus.Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		t.Fatal("nothing published")
	}
	return p.events[len(p.events)-1]
}

type panicScorer struct{}

func (panicScorer) Extract(context.Context, *patient.Case) (triage.Extraction, error) {
	return triage.Extraction{}, nil
}

func (panicScorer) ScorePair(context.Context, *patient.Case, triage.Extraction) triage.Assessment {
	panic("scorer exploded")
}

type errOptimizer struct{}

func (errOptimizer) Optimize(context.Context, optimize.Input) (optimize.Assignment, error) {
	return optimize.Assignment{}, errors.New("traffic feed down")
}

func triaged(t *testing.T, id string, priority int, emergency bool) CaseTriaged {
	t.Helper()
	p, err := NewCaseTriaged(&patient.Case{ID: id, Description: "đau bụng"}, triage.Assessment{
		Priority: priority, Specialty: patient.SpecialtyGeneral, IsEmergency: emergency,
	}, nil)
	if err != nil {
		t.Fatalf("NewCaseTriaged: %v", err)
	}
	return p
}

func TestPayloadAs(t *testing.T) {
	t.Parallel()

	nc := NewCase{CaseID: "c-1"}
	if got, err := payloadAs[NewCase](bus.Event{Payload: nc}); err != nil || got.CaseID != "c-1" {
		t.Errorf("value = (%+v, %v)", got, err)
	}
	if got, err := payloadAs[NewCase](bus.Event{Payload: &nc}); err != nil || got.CaseID != "c-1" {
		t.Errorf("pointer = (%+v, %v)", got, err)
	}

	for _, payload := range []any{nil, "string", (*NewCase)(nil), CaseTriaged{}} {
		if _, err := payloadAs[NewCase](bus.Event{Topic: TopicNewCase, Payload: payload}); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("payload %T: err = %v, want ErrInvalidPayload", payload, err)
		}
	}
}

func TestPayloadConstructors(t *testing.T) {
	t.Parallel()

	if _, err := NewCaseEvent(nil); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("nil case: %v", err)
	}
	if _, err := NewCaseEvent(&patient.Case{}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("missing id: %v", err)
	}
	if _, err := NewCaseTriaged(&patient.Case{ID: "c"}, triage.Assessment{Priority: 9}, nil); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("priority out of range: %v", err)
	}

	tr := triaged(t, "c", 3, false)
	if _, err := NewCaseRouted(tr, routing.Decision{CaseID: "c", RouteType: "teleport"}, nil); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("unknown route: %v", err)
	}
	if _, err := NewCaseRouted(tr, routing.Decide("other", 3, false), nil); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("mismatched case: %v", err)
	}

	qa, err := NewCaseRouted(tr, routing.Decide("c", 1, false), nil)
	if err != nil {
		t.Fatalf("NewCaseRouted: %v", err)
	}
	if _, err := NewCandidatesFound(qa, matching.Result{Candidates: []resource.Candidate{{ID: "H1"}}}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("qa candidates: %v", err)
	}

	hosp, _ := NewCaseRouted(tr, routing.Decide("c", 3, false), nil)
	if _, err := NewCandidatesFound(hosp, matching.Result{}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("empty candidates: %v", err)
	}
	if _, err := NewConsultationReady(hosp); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("consultation on hospital route: %v", err)
	}

	f, err := NewCandidatesFound(hosp, matching.Result{Candidates: []resource.Candidate{{ID: "H1", Kind: resource.KindHospital}}})
	if err != nil {
		t.Fatalf("NewCandidatesFound: %v", err)
	}
	if f.Topic() != TopicHospitalsSelected {
		t.Errorf("topic = %s", f.Topic())
	}
	if _, err := NewOptimized(f, optimize.Assignment{}, nil); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("no primary: %v", err)
	}
	dup := optimize.Assignment{Primary: resource.Candidate{ID: "H1"}, Backups: []resource.Candidate{{ID: "H1"}}}
	if _, err := NewOptimized(f, dup, nil); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("primary in backups: %v", err)
	}
	o, err := NewOptimized(f, optimize.Assignment{Primary: resource.Candidate{ID: "H1"}}, nil)
	if err != nil || o.Topic() != TopicOptimizedHospitals {
		t.Errorf("optimized = (%s, %v)", o.Topic(), err)
	}
}

func TestNewCaseEvent_RoundTrip(t *testing.T) {
	t.Parallel()

	c := patient.NewCase("c-rt", &patient.Input{
		Description: "khó thở",
		Images:      []string{"img"},
		Vitals:      patient.Vitals{HeartRate: 101},
		History:     []string{"hen suyễn"},
	})
	p, err := NewCaseEvent(c)
	if err != nil {
		t.Fatalf("NewCaseEvent: %v", err)
	}
	c.History[0] = "changed"

	got := p.Case()
	if got.ID != "c-rt" || got.Description != "khó thở" || got.Vitals.HeartRate != 101 {
		t.Errorf("case = %+v", got)
	}
	if p.ImageCount != 1 || got.Images != nil {
		t.Errorf("image_count = %d images = %v, want count only", p.ImageCount, got.Images)
	}
	if got.History[0] != "hen suyễn" {
		t.Error("payload shares history with the source case")
	}
}

func TestTriageWorker_ScorePanicDefaults(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	w := NewTriageWorker(panicScorer{}, nil, pub, log.Nop())
	err := w.Handle(context.Background(), bus.Event{Topic: TopicNewCase, Payload: NewCase{CaseID: "c-p", Description: "đau đầu"}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	ev := pub.last(t)
	out, _ := ev.Payload.(CaseTriaged)
	if ev.Topic != TopicCaseTriaged || out.Priority != patient.DefaultPriority || out.Specialty != patient.SpecialtyGeneral || out.IsEmergency {
		t.Errorf("published %s %+v, want default assessment", ev.Topic, out)
	}
	if out.Cause == "" {
		t.Error("expected cause for defaulted triage")
	}
}

func TestTriageWorker_WrongPayload(t *testing.T) {
	t.Parallel()

	w := NewTriageWorker(panicScorer{}, nil, &recordingPublisher{}, nil)
	if err := w.Handle(context.Background(), bus.Event{Topic: TopicNewCase, Payload: 42}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
}

// imageScorer records the images it was asked to extract from.
type imageScorer struct{ got []string }

func (s *imageScorer) Extract(_ context.Context, c *patient.Case) (triage.Extraction, error) {
	s.got = slices.Clone(c.Images)
	return triage.Extraction{}, nil
}

func (s *imageScorer) ScorePair(context.Context, *patient.Case, triage.Extraction) triage.Assessment {
	return triage.DefaultAssessment()
}

type failingLoader struct{}

func (failingLoader) Get(context.Context, string) (*workflow.Result, bool, error) {
	return nil, false, errors.New("connection reset")
}

func TestTriageWorker_LoadsImagesFromStore(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	c := patient.NewCase("c-img", &patient.Input{Description: "phát ban", Images: []string{"aGVsbG8="}})
	if err := store.Create(context.Background(), &workflow.Result{ID: "c-img", Case: c}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	nc, _ := NewCaseEvent(c)

	scorer := &imageScorer{}
	pub := &recordingPublisher{}
	w := NewTriageWorker(scorer, store, pub, log.Nop())
	if err := w.Handle(context.Background(), bus.Event{Topic: TopicNewCase, Payload: nc}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !slices.Equal(scorer.got, []string{"aGVsbG8="}) {
		t.Errorf("scored images = %v", scorer.got)
	}
	if out := pub.last(t).Payload.(CaseTriaged); out.Cause != "" {
		t.Errorf("cause = %q, want none", out.Cause)
	}
}

func TestTriageWorker_ImageLoadFailureStillTriages(t *testing.T) {
	t.Parallel()

	for name, loader := range map[string]CaseLoader{
		"store error": failingLoader{},
		"missing":     memstore.New(),
		"no store":    nil,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			scorer := &imageScorer{}
			pub := &recordingPublisher{}
			w := NewTriageWorker(scorer, loader, pub, log.Nop())
			err := w.Handle(context.Background(), bus.Event{Topic: TopicNewCase, Payload: NewCase{CaseID: "c-x", Description: "ho", ImageCount: 2}})
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if len(scorer.got) != 0 {
				t.Errorf("scored images = %v, want none", scorer.got)
			}
			out := pub.last(t).Payload.(CaseTriaged)
			if !strings.Contains(out.Cause, "load images") {
				t.Errorf("cause = %q, want load images failure", out.Cause)
			}
		})
	}
}

func TestRouterWorker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		route     workflow.RouteFunc
		priority  int
		emergency bool
		want      routing.RouteType
		cause     bool
	}{
		{"emergency", nil, 3, true, routing.RouteEmergency, false},
		{"hospital", nil, 4, false, routing.RouteHospital, false},
		{"mild", nil, 1, false, routing.RouteQA, false},
		{"invalid decision", func(id string, _ int, _ bool) routing.Decision {
			return routing.Decision{CaseID: id, RouteType: "teleport"}
		}, 5, true, routing.RouteQA, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pub := &recordingPublisher{}
			w := NewRouterWorker(tt.route, pub)
			if err := w.Handle(context.Background(), bus.Event{Topic: TopicCaseTriaged, Payload: triaged(t, "c", tt.priority, tt.emergency)}); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			out := pub.last(t).Payload.(CaseRouted)
			if out.Decision.RouteType != tt.want {
				t.Errorf("route = %s, want %s", out.Decision.RouteType, tt.want)
			}
			if (out.Cause != "") != tt.cause {
				t.Errorf("cause = %q", out.Cause)
			}
		})
	}
}

func TestMatcherWorker_EmergencyFallsThroughToQA(t *testing.T) {
	t.Parallel()

	// no ambulances and no hospitals at all
	pub := &recordingPublisher{}
	w := NewMatcherWorker(matching.New(resource.NewCatalog(nil, nil, nil)), pub, log.Nop())
	ctx := context.Background()

	routed, _ := NewCaseRouted(triaged(t, "c", 5, true), routing.Decide("c", 5, true), nil)
	if err := w.Handle(ctx, bus.Event{Topic: TopicCaseRouted, Payload: routed}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	step1 := pub.last(t).Payload.(CaseRouted)
	if step1.Decision.RouteType != routing.RouteHospital || step1.Cause == "" {
		t.Fatalf("first downgrade = %+v", step1.Decision)
	}

	if err := w.Handle(ctx, bus.Event{Topic: TopicCaseRouted, Payload: step1}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	step2 := pub.last(t).Payload.(CaseRouted)
	if step2.Decision.RouteType != routing.RouteQA || step2.Decision.DowngradedFrom != routing.RouteEmergency {
		t.Fatalf("second downgrade = %+v", step2.Decision)
	}

	if err := w.Handle(ctx, bus.Event{Topic: TopicCaseRouted, Payload: step2}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if ev := pub.last(t); ev.Topic != TopicConsultationReady {
		t.Errorf("topic = %s, want consultation_ready", ev.Topic)
	}
}

func TestMatcherWorker_DispatchNamesReceivingHospital(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	w := NewMatcherWorker(matching.New(resource.NewReferenceCatalog(nil)), pub, log.Nop())
	routed, _ := NewCaseRouted(triaged(t, "c", 5, true), routing.Decide("c", 5, true), nil)
	if err := w.Handle(context.Background(), bus.Event{Topic: TopicCaseRouted, Payload: routed}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	ev := pub.last(t)
	out := ev.Payload.(CandidatesFound)
	if ev.Topic != TopicDispatchList || out.ReceivingHospital == nil || out.ReceivingHospital.ID != "H003" || out.ReceivingCause != "" {
		t.Errorf("published %s %+v", ev.Topic, out)
	}

	// hospital routes carry no receiving hospital
	routed, _ = NewCaseRouted(triaged(t, "h", 4, false), routing.Decide("h", 4, false), nil)
	if err := w.Handle(context.Background(), bus.Event{Topic: TopicCaseRouted, Payload: routed}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out := pub.last(t).Payload.(CandidatesFound); out.ReceivingHospital != nil {
		t.Errorf("hospital route receiving = %+v", out.ReceivingHospital)
	}
}

func TestMatcherWorker_DispatchWithoutEmergencyDepartment(t *testing.T) {
	t.Parallel()

	// ambulances but only a maternity hospital
	src := resource.NewCatalog(nil, []resource.Candidate{
		{ID: "S1", Kind: resource.KindHospital, Capabilities: []string{"sản phụ khoa"}, Available: true},
	}, resource.ReferenceAmbulances())
	pub := &recordingPublisher{}
	w := NewMatcherWorker(matching.New(src), pub, log.Nop())
	routed, _ := NewCaseRouted(triaged(t, "c", 5, true), routing.Decide("c", 5, true), nil)
	if err := w.Handle(context.Background(), bus.Event{Topic: TopicCaseRouted, Payload: routed}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	out := pub.last(t).Payload.(CandidatesFound)
	if out.ReceivingHospital != nil || !strings.Contains(out.ReceivingCause, matching.ErrResourceNotFound.Error()) {
		t.Errorf("payload = %+v, want receiving cause", out)
	}

	store := memstore.New()
	_ = store.Create(context.Background(), &workflow.Result{ID: "c", Status: workflow.StatusPending, Case: &patient.Case{ID: "c"}})
	rec := NewRecorderWorker(store, &recordingPublisher{}, log.Nop(), workflow.Hooks{})
	if err := rec.Handle(context.Background(), bus.Event{Topic: TopicDispatchList, Payload: out, Timestamp: time.Now()}); err != nil {
		t.Fatalf("recorder: %v", err)
	}
	got, _, _ := store.Get(context.Background(), "c")
	if len(got.Failures) != 1 || got.Failures[0].Stage != workflow.StateOptimize {
		t.Errorf("failures = %+v, want one OPTIMIZE failure", got.Failures)
	}
}

func TestMatcherWorker_Consultant(t *testing.T) {
	t.Parallel()

	routed, _ := NewCaseRouted(triaged(t, "q", 1, false), routing.Decide("q", 1, false), nil)

	pub := &recordingPublisher{}
	ok := NewMatcherWorker(matching.New(resource.NewReferenceCatalog(nil)), pub, log.Nop(),
		WithConsultant(answerFunc(func(q, bg string) (string, error) { return "ok: " + q, nil })))
	if err := ok.Handle(context.Background(), bus.Event{Topic: TopicCaseRouted, Payload: routed}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	out := pub.last(t).Payload.(ConsultationReady)
	if out.Consultation.Answer != "ok: đau bụng" || out.Cause != "" {
		t.Errorf("consultation = %+v cause = %q", out.Consultation, out.Cause)
	}

	failing := NewMatcherWorker(matching.New(resource.NewReferenceCatalog(nil)), pub, log.Nop(),
		WithConsultant(answerFunc(func(string, string) (string, error) { return "", errors.New("overloaded") })))
	if err := failing.Handle(context.Background(), bus.Event{Topic: TopicCaseRouted, Payload: routed}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	out = pub.last(t).Payload.(ConsultationReady)
	if out.Consultation.Answer != "" || out.Consultation.Message == "" || !strings.Contains(out.Cause, "overloaded") {
		t.Errorf("consultation = %+v cause = %q, want fixed text and cause", out.Consultation, out.Cause)
	}
}

func TestOptimizerWorker_CarriesReceivingHospital(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	w := NewOptimizerWorker(optimize.New(nil), pub, 0)
	routed, _ := NewCaseRouted(triaged(t, "c", 5, true), routing.Decide("c", 5, true), nil)
	f, _ := NewCandidatesFound(routed, matching.Result{Candidates: []resource.Candidate{
		{ID: "CC01", Kind: resource.KindAmbulance, Available: true}, {ID: "CC02", Kind: resource.KindAmbulance, Available: true},
	}})
	f.ReceivingHospital = &resource.Candidate{ID: "H003", Kind: resource.KindHospital, Capabilities: []string{resource.CapabilityER}}

	if err := w.Handle(context.Background(), bus.Event{Topic: TopicDispatchList, Payload: f}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	a := pub.last(t).Payload.(Optimized).Assignment
	if a.ReceivingHospital == nil || a.ReceivingHospital.ID != "H003" {
		t.Fatalf("receiving = %+v", a.ReceivingHospital)
	}
	a.ReceivingHospital.Capabilities[0] = "changed"
	if f.ReceivingHospital.Capabilities[0] != resource.CapabilityER {
		t.Error("assignment shares the receiving hospital with the payload")
	}
}

func TestOptimizerWorker_Idempotent(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	w := NewOptimizerWorker(optimize.New(nil), pub, 0)
	routed, _ := NewCaseRouted(triaged(t, "c", 4, false), routing.Decide("c", 4, false), nil)
	f, err := NewCandidatesFound(routed, matching.Result{Candidates: []resource.Candidate{
		{ID: "H1", Kind: resource.KindHospital, Available: true, DistanceKM: 1},
		{ID: "H2", Kind: resource.KindHospital, Available: true, DistanceKM: 2},
		{ID: "H3", Kind: resource.KindHospital, Available: true, DistanceKM: 3},
		{ID: "H4", Kind: resource.KindHospital, Available: true, DistanceKM: 4},
	}})
	if err != nil {
		t.Fatalf("NewCandidatesFound: %v", err)
	}

	ids := func(a optimize.Assignment) []string {
		var out []string
		for _, b := range a.Backups {
			out = append(out, b.ID)
		}
		return out
	}

	var runs [][]string
	for range 3 {
		if err := w.Handle(context.Background(), bus.Event{Topic: TopicHospitalsSelected, Payload: f}); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		ev := pub.last(t)
		if ev.Topic != TopicOptimizedHospitals {
			t.Fatalf("topic = %s", ev.Topic)
		}
		runs = append(runs, ids(ev.Payload.(Optimized).Assignment))
	}

	want := []string{"H2", "H3"}
	for i, got := range runs {
		if !slices.Equal(got, want) {
			t.Errorf("run %d backups = %v, want %v", i, got, want)
		}
	}
	if w.cacheLen() != 1 {
		t.Errorf("cache = %d entries, want 1", w.cacheLen())
	}
}

func TestOptimizerWorker_CacheEvicts(t *testing.T) {
	t.Parallel()

	w := NewOptimizerWorker(optimize.New(nil), &recordingPublisher{}, 2)
	for _, id := range []string{"a", "b", "c"} {
		w.remember(id, optimize.Assignment{Primary: resource.Candidate{ID: "H1"}})
	}
	if w.cacheLen() != 2 {
		t.Fatalf("cache = %d, want 2", w.cacheLen())
	}
	if _, ok := w.cached("a"); ok {
		t.Error("oldest entry not evicted")
	}
}

func TestOptimizerWorker_FailureKeepsPrimary(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	w := NewOptimizerWorker(errOptimizer{}, pub, 0)
	routed, _ := NewCaseRouted(triaged(t, "c", 5, true), routing.Decide("c", 5, true), nil)
	f, _ := NewCandidatesFound(routed, matching.Result{Candidates: []resource.Candidate{
		{ID: "CC01", Kind: resource.KindAmbulance}, {ID: "CC02", Kind: resource.KindAmbulance},
	}})

	if err := w.Handle(context.Background(), bus.Event{Topic: TopicDispatchList, Payload: f}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	ev := pub.last(t)
	out := ev.Payload.(Optimized)
	if ev.Topic != TopicOptimizedDispatch || out.Assignment.Primary.ID != "CC01" || len(out.Assignment.Backups) != 0 || out.Cause == "" {
		t.Errorf("published %s %+v", ev.Topic, out)
	}
	if w.cacheLen() != 0 {
		t.Error("fallback assignment should not be cached")
	}
}

func TestRecorderWorker_UnknownCase(t *testing.T) {
	t.Parallel()

	w := NewRecorderWorker(memstore.New(), &recordingPublisher{}, log.Nop(), workflow.Hooks{})
	err := w.Handle(context.Background(), bus.Event{Topic: TopicCaseTriaged, Payload: triaged(t, "ghost", 3, false)})
	if !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecorderWorker_IgnoresFinishedCase(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()
	_ = store.Create(ctx, &workflow.Result{ID: "done", State: workflow.StateDone, Status: workflow.StatusComplete})

	pub := &recordingPublisher{}
	w := NewRecorderWorker(store, pub, log.Nop(), workflow.Hooks{})
	if err := w.Handle(ctx, bus.Event{Topic: TopicCaseTriaged, Payload: triaged(t, "done", 3, false)}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _, _ := store.Get(ctx, "done")
	if got.Triage != nil {
		t.Error("finished record was modified")
	}
}

func TestRecorderWorker_CompletesAndAnnounces(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()
	created := time.Now().Add(-time.Second).UTC()
	_ = store.Create(ctx, &workflow.Result{
		ID: "c", Status: workflow.StatusPending, State: workflow.StateExtract,
		Case: &patient.Case{ID: "c", Description: "đau bụng"}, CreatedAt: created,
	})

	var completed []string
	pub := &recordingPublisher{}
	w := NewRecorderWorker(store, pub, log.Nop(), workflow.Hooks{OnComplete: func(r *workflow.Result) { completed = append(completed, r.ID) }})

	tr := triaged(t, "c", 1, false)
	routed, _ := NewCaseRouted(tr, routing.Decide("c", 1, false), nil)
	ready, _ := NewConsultationReady(routed)

	for _, ev := range []bus.Event{
		{Topic: TopicCaseTriaged, Payload: tr, Timestamp: time.Now()},
		{Topic: TopicCaseRouted, Payload: routed, Timestamp: time.Now()},
		{Topic: TopicConsultationReady, Payload: ready, Timestamp: time.Now()},
	} {
		if err := w.Handle(ctx, ev); err != nil {
			t.Fatalf("Handle %s: %v", ev.Topic, err)
		}
	}

	got, _, _ := store.Get(ctx, "c")
	if got.State != workflow.StateDone || got.Status != workflow.StatusComplete {
		t.Errorf("state=%s status=%s", got.State, got.Status)
	}
	if len(got.Steps) != 3 || got.Steps[0].Stage != workflow.StateTriage || got.Steps[1].Stage != workflow.StateRoute {
		t.Errorf("steps = %+v", got.Steps)
	}
	if got.Duration <= 0 {
		t.Errorf("duration = %v", got.Duration)
	}
	if !slices.Equal(completed, []string{"c"}) {
		t.Errorf("OnComplete = %v", completed)
	}
	ev := pub.last(t)
	if ev.Topic != workflow.TopicCaseCompleted {
		t.Fatalf("topic = %s", ev.Topic)
	}
	if cc := ev.Payload.(workflow.CaseCompleted); cc.Result.ID != "c" || cc.Result.Consultation == nil {
		t.Errorf("payload = %+v", cc.Result)
	}
}

func TestRecorderWorker_UnexpectedTopic(t *testing.T) {
	t.Parallel()

	w := NewRecorderWorker(memstore.New(), &recordingPublisher{}, log.Nop(), workflow.Hooks{})
	if err := w.Handle(context.Background(), bus.Event{Topic: "mystery"}); err == nil {
		t.Fatal("expected error for unknown topic")
	}
}

func TestNotifyWorker(t *testing.T) {
	t.Parallel()

	emergency := &workflow.Result{ID: "e", Route: &routing.Decision{RouteType: routing.RouteEmergency}}
	qa := &workflow.Result{ID: "q", Route: &routing.Decision{RouteType: routing.RouteQA}}

	n := &recordingNotifier{}
	w := NewNotifyWorker(n, log.Nop())
	ctx := context.Background()
	for _, r := range []*workflow.Result{emergency, qa} {
		if err := w.Handle(ctx, bus.Event{Topic: workflow.TopicCaseCompleted, Payload: workflow.CaseCompleted{Result: r}}); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if !slices.Equal(n.ids(), []string{"e"}) {
		t.Errorf("notified = %v, want [e]", n.ids())
	}

	failing := NewNotifyWorker(&recordingNotifier{fail: errors.New("webhook 500")}, log.Nop())
	if err := failing.Handle(ctx, bus.Event{Topic: workflow.TopicCaseCompleted, Payload: workflow.CaseCompleted{Result: emergency}}); err == nil {
		t.Error("expected notifier error")
	}
}

func TestIntake_Dispatch(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	in := NewIntake(pub)
	r := &workflow.Result{ID: "c", Case: patient.NewCase("c", &patient.Input{Description: "ho"})}
	if err := in.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	ev := pub.last(t)
	if ev.Topic != TopicNewCase || ev.Payload.(NewCase).CaseID != "c" || ev.Sender != senderIntake {
		t.Errorf("event = %+v", ev)
	}

	if err := in.Dispatch(context.Background(), &workflow.Result{ID: "x"}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("err = %v, want ErrInvalidPayload", err)
	}
}
