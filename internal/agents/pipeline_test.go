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

type stubOracle struct {
	text  *triage.TextClassification
	image *triage.ImageClassification

	mu     sync.Mutex
	images [][]string
}

func (s *stubOracle) ClassifyText(context.Context, string) (*triage.TextClassification, error) {
	if s.text == nil {
		return nil, errors.New("no text classification")
	}
	cp := *s.text
	return &cp, nil
}

func (s *stubOracle) ClassifyImages(_ context.Context, images []string) (*triage.ImageClassification, error) {
	s.mu.Lock()
	s.images = append(s.images, slices.Clone(images))
	s.mu.Unlock()
	if s.image == nil {
		return nil, errors.New("no image classification")
	}
	cp := *s.image
	return &cp, nil
}

// recordingNotifier captures notified results.
type recordingNotifier struct {
	mu   sync.Mutex
	got  []string
	fail error
}

func (n *recordingNotifier) Notify(_ context.Context, r *workflow.Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.got = append(n.got, r.ID)
	return nil
}

func (n *recordingNotifier) ids() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.got)
}

type pipeline struct {
	bus      *bus.Bus
	store    *memstore.Store
	svc      *workflow.Service
	notifier *recordingNotifier
}

func newPipeline(t *testing.T, oracle triage.Oracle, src resource.Source, opts ...MatcherOption) *pipeline {
	t.Helper()
	if src == nil {
		src = resource.NewReferenceCatalog(nil)
	}

	b := bus.New(log.Nop())
	store := memstore.New()
	n := &recordingNotifier{}

	Register(b,
		NewTriageWorker(triage.NewEngine(oracle, time.Second, log.Nop()), store, b, log.Nop()),
		NewRouterWorker(nil, b),
		NewMatcherWorker(matching.New(src), b, log.Nop(), opts...),
		NewOptimizerWorker(optimize.New(optimize.FixedTraffic{DelayMinutes: 5}), b, 0),
		NewRecorderWorker(store, b, log.Nop(), workflow.Hooks{}),
		NewNotifyWorker(n, log.Nop()),
	)
	stop := b.Start(context.Background())
	t.Cleanup(func() { _ = stop(context.Background()) })

	svc := workflow.NewService(store, nil, log.Nop(), nil, workflow.WithDispatcher(NewIntake(b)))
	return &pipeline{bus: b, store: store, svc: svc, notifier: n}
}

func (p *pipeline) submit(t *testing.T, in *patient.Input) *workflow.Result {
	t.Helper()
	sr, err := p.svc.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sr.Mode != workflow.ModeBus {
		t.Fatalf("mode = %s, want bus", sr.Mode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, ok, err := p.store.Get(context.Background(), sr.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok && r.State == workflow.StateDone {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("case %s did not complete", sr.ID)
	return nil
}

// topicsFor returns the history topics for one case, oldest first.
func topicsFor(b *bus.Bus, caseID string) []string {
	var out []string
	for _, ev := range b.History(bus.Query{}) {
		if payloadCaseID(ev) == caseID {
			out = append(out, ev.Topic)
		}
	}
	return out
}

func payloadCaseID(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case NewCase:
		return p.CaseID
	case CaseTriaged:
		return p.CaseID
	case CaseRouted:
		return p.CaseID()
	case CandidatesFound:
		return p.CaseID
	case Optimized:
		return p.CaseID
	case ConsultationReady:
		return p.CaseID
	case workflow.CaseCompleted:
		return p.Result.ID
	}
	return ""
}

func TestPipeline_ScenarioA_Emergency(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, &stubOracle{text: &triage.TextClassification{Priority: 4, Specialty: "tim mạch"}}, nil)
	r := p.submit(t, &patient.Input{
		Description: "Bệnh nhân đau ngực dữ dội, vã mồ hôi",
		Vitals:      patient.Vitals{HeartRate: 130, SpO2: 88},
	})

	if r.Status != workflow.StatusComplete {
		t.Errorf("status = %s", r.Status)
	}
	if !r.Case.IsEmergency || r.Case.Priority != 5 {
		t.Errorf("case = emergency %v priority %d, want true 5", r.Case.IsEmergency, r.Case.Priority)
	}
	if r.RouteType() != routing.RouteEmergency {
		t.Errorf("route = %s", r.RouteType())
	}
	if r.Assignment == nil || r.Assignment.Primary.ID != "CC01" {
		t.Fatalf("assignment = %+v, want primary CC01", r.Assignment)
	}
	if len(r.Assignment.Backups) != 1 || r.Assignment.Backups[0].ID != "CC03" {
		t.Errorf("backups = %+v, want [CC03]", r.Assignment.Backups)
	}
	if h := r.Assignment.ReceivingHospital; h == nil || h.ID != "H003" {
		t.Errorf("receiving hospital = %+v, want H003", h)
	}
	if len(r.Failures) != 0 {
		t.Errorf("failures = %+v", r.Failures)
	}

	want := []string{TopicNewCase, TopicCaseTriaged, TopicCaseRouted, TopicDispatchList, TopicOptimizedDispatch, workflow.TopicCaseCompleted}
	waitFor(t, func() bool { return slices.Equal(topicsFor(p.bus, r.ID), want) })

	waitFor(t, func() bool { return slices.Equal(p.notifier.ids(), []string{r.ID}) })
}

func TestPipeline_ScenarioB_Consultation(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, &stubOracle{text: &triage.TextClassification{Priority: 2, Specialty: "hô hấp"}}, nil)
	r := p.submit(t, &patient.Input{
		Description: "sốt nhẹ, ho khan",
		Vitals:      patient.Vitals{HeartRate: 88, SpO2: 98},
	})

	if r.Case.IsEmergency || r.Case.Priority > 2 {
		t.Errorf("case = emergency %v priority %d", r.Case.IsEmergency, r.Case.Priority)
	}
	if r.RouteType() != routing.RouteQA || r.Consultation == nil {
		t.Errorf("route = %s consultation = %v", r.RouteType(), r.Consultation)
	}
	if r.Assignment != nil || r.Match != nil {
		t.Errorf("assignment = %v match = %v, want none", r.Assignment, r.Match)
	}

	want := []string{TopicNewCase, TopicCaseTriaged, TopicCaseRouted, TopicConsultationReady, workflow.TopicCaseCompleted}
	waitFor(t, func() bool { return slices.Equal(topicsFor(p.bus, r.ID), want) })
	if ids := p.notifier.ids(); len(ids) != 0 {
		t.Errorf("notified %v, want nothing for QA", ids)
	}
}

func TestPipeline_ScenarioC_Downgrade(t *testing.T) {
	t.Parallel()

	catalog := resource.NewCatalog(nil, []resource.Candidate{
		{ID: "H1", Kind: resource.KindHospital, DistanceKM: 1, Capabilities: []string{"tim mạch", "general"}, Available: false},
		{ID: "H2", Kind: resource.KindHospital, DistanceKM: 2, Capabilities: []string{"sản phụ khoa"}, Available: true},
	}, resource.ReferenceAmbulances())

	p := newPipeline(t, &stubOracle{text: &triage.TextClassification{Priority: 3, Specialty: "tim mạch"}}, catalog)
	r := p.submit(t, &patient.Input{
		Description: "hồi hộp, đánh trống ngực",
		Vitals:      patient.Vitals{HeartRate: 95, SpO2: 97},
	})

	if r.RouteType() != routing.RouteQA {
		t.Fatalf("route = %s, want qa_consultation", r.RouteType())
	}
	if r.Route.Reason != routing.ReasonNoResource || r.Route.DowngradedFrom != routing.RouteHospital {
		t.Errorf("route = %+v", r.Route)
	}
	if len(r.Failures) != 1 || r.Failures[0].Stage != workflow.StateExecute {
		t.Fatalf("failures = %+v, want one EXECUTE failure", r.Failures)
	}
	if !strings.Contains(r.Failures[0].Error, matching.ErrResourceNotFound.Error()) {
		t.Errorf("failure = %q", r.Failures[0].Error)
	}
	if r.Consultation == nil {
		t.Error("expected consultation after downgrade")
	}

	// the second case_routed is the downgrade
	want := []string{TopicNewCase, TopicCaseTriaged, TopicCaseRouted, TopicCaseRouted, TopicConsultationReady, workflow.TopicCaseCompleted}
	waitFor(t, func() bool { return slices.Equal(topicsFor(p.bus, r.ID), want) })
}

func TestPipeline_NoOracleStillCompletes(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, nil, nil)
	r := p.submit(t, &patient.Input{Description: "co giật, hôn mê"})

	if !r.Case.IsEmergency || r.RouteType() != routing.RouteEmergency {
		t.Errorf("case = %+v route = %s", r.Case, r.RouteType())
	}
	if len(r.Failures) == 0 || r.Failures[0].Stage != workflow.StateExtract {
		t.Errorf("failures = %+v, want extraction failure", r.Failures)
	}
	if len(r.Steps) == 0 {
		t.Error("expected recorded steps")
	}
}

func TestPipeline_ImagesLoadedFromStore(t *testing.T) {
	t.Parallel()

	oracle := &stubOracle{
		text:  &triage.TextClassification{Priority: 2},
		image: &triage.ImageClassification{RiskLevel: 4, Findings: []string{"vết thương hở"}},
	}
	p := newPipeline(t, oracle, nil)
	r := p.submit(t, &patient.Input{
		Description: "vết thương ở chân",
		Images:      []string{"aGVsbG8="},
	})

	if r.Triage == nil || r.Triage.Scores.Image == nil || *r.Triage.Scores.Image != 4 {
		t.Fatalf("triage = %+v, want image sub-score 4", r.Triage)
	}
	// 0.6*2 + 0.4*4 = 2.8
	if r.Case.Priority != 3 || r.RouteType() != routing.RouteHospital {
		t.Errorf("priority=%d route=%s, want 3 hospital_direct", r.Case.Priority, r.RouteType())
	}
	oracle.mu.Lock()
	calls := slices.Clone(oracle.images)
	oracle.mu.Unlock()
	if len(calls) != 1 || !slices.Equal(calls[0], []string{"aGVsbG8="}) {
		t.Errorf("image calls = %v", calls)
	}

	// history keeps the count, not the images
	for _, ev := range p.bus.History(bus.Query{Topics: []string{TopicNewCase}}) {
		if nc := ev.Payload.(NewCase); nc.CaseID == r.ID && nc.ImageCount != 1 {
			t.Errorf("new_case image_count = %d, want 1", nc.ImageCount)
		}
	}
}

func TestPipeline_ConsultantAnswers(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, &stubOracle{text: &triage.TextClassification{Priority: 1}}, nil,
		WithConsultant(answerFunc(func(question, _ string) (string, error) { return "Trả lời: " + question, nil })))
	r := p.submit(t, &patient.Input{Description: "sổ mũi"})

	if r.RouteType() != routing.RouteQA || r.Consultation == nil {
		t.Fatalf("route=%s consultation=%+v", r.RouteType(), r.Consultation)
	}
	if r.Consultation.Answer != "Trả lời: sổ mũi" {
		t.Errorf("answer = %q", r.Consultation.Answer)
	}
}

// answerFunc adapts a function to workflow.Consultant.
type answerFunc func(question, background string) (string, error)

func (f answerFunc) Answer(_ context.Context, question, background string) (string, error) {
	return f(question, background)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
