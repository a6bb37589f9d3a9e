package workflow

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/carepath/internal/bus"
	"github.com/linnemanlabs/carepath/internal/patient"
)

// Pipeline modes.
const (
	ModeOrchestrator = "orchestrator"
	ModeBus          = "bus"
)

const sender = "workflow"

// SubmitResult is the outcome of submitting a case.
type SubmitResult struct {
	ID   string `json:"id"`
	Mode string `json:"mode"`
}

// Publisher publishes bus events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, sender string) bus.Event
}

// Dispatcher hands a freshly created record to the worker pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, r *Result) error
}

// Service is the business boundary for case operations.
type Service struct {
	store      Store
	orch       *Orchestrator
	pub        Publisher
	dispatcher Dispatcher
	logger     log.Logger
	metrics    *Metrics
	now        func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPublisher publishes TopicCaseCompleted after each orchestrated case.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) { s.pub = p }
}

// WithDispatcher switches the service to bus mode: cases are handed to d
// instead of the orchestrator.
func WithDispatcher(d Dispatcher) ServiceOption {
	return func(s *Service) { s.dispatcher = d }
}

// NewService creates a new case service. metrics may be nil.
func NewService(store Store, orch *Orchestrator, logger log.Logger, metrics *Metrics, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		store:   store,
		orch:    orch,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
	for _, fn := range opts {
		fn(s)
	}
	return s
}

// Mode reports which pipeline drives submitted cases.
func (s *Service) Mode() string {
	if s.dispatcher != nil {
		return ModeBus
	}
	return ModeOrchestrator
}

// Submit accepts a case and starts its pipeline asynchronously. Input that
// fails validation is still accepted with defaults; the problem is recorded
// on the result.
func (s *Service) Submit(ctx context.Context, in *patient.Input) (*SubmitResult, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: no input", patient.ErrValidation)
	}

	id := ulid.Make().String()
	result := &Result{
		ID:        id,
		Status:    StatusPending,
		State:     StateExtract,
		Case:      patient.NewCase(id, in),
		CreatedAt: s.now().UTC(),
	}
	if err := in.Validate(); err != nil {
		result.Fail(StateExtract, err, "defaults substituted")
		s.logger.Warn(ctx, "case input defaulted", "case_id", id, "error", err)
	}

	if err := s.store.Create(ctx, result); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SubmittedTotal.Inc()
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, result); err != nil {
			return nil, fmt.Errorf("dispatch case: %w", err)
		}
		return &SubmitResult{ID: id, Mode: ModeBus}, nil
	}

	// pass only the ID so the goroutine works on its own copy
	go s.run(context.WithoutCancel(ctx), id)

	return &SubmitResult{ID: id, Mode: ModeOrchestrator}, nil
}

// Get retrieves a case record by ID.
func (s *Service) Get(ctx context.Context, id string) (*Result, bool, error) {
	return s.store.Get(ctx, id)
}

// Query returns records whose field equals value.
func (s *Service) Query(ctx context.Context, field, value string) ([]*Result, error) {
	if !slices.Contains(Fields, field) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return s.store.QueryByField(ctx, field, value)
}

func (s *Service) run(ctx context.Context, id string) {
	L := s.logger.With("case_id", id)

	result, ok, err := s.store.Get(ctx, id)
	if err == nil && !ok {
		err = ErrNotFound
	}
	if err != nil {
		L.Error(ctx, err, "failed to fetch case for pipeline")
		return
	}

	result.Status = StatusInProgress
	if err := s.store.Update(ctx, result); err != nil {
		L.Error(ctx, err, "failed to update status to in_progress")
		return
	}

	if s.metrics != nil {
		s.metrics.InFlight.Inc()
		defer s.metrics.InFlight.Dec()
	}

	s.orch.Run(ctx, result)

	if err := s.store.Update(ctx, result); err != nil {
		L.Error(ctx, err, "failed to persist case result")
	}

	if s.pub != nil {
		s.pub.Publish(ctx, TopicCaseCompleted, CaseCompleted{Result: result.Clone()}, sender)
	}

	priority := 0
	if result.Case != nil {
		priority = result.Case.Priority
	}
	L.Info(ctx, "case complete",
		"state", result.State,
		"route", result.RouteType(),
		"priority", priority,
		"failures", len(result.Failures),
		"duration", result.Duration,
	)
}
