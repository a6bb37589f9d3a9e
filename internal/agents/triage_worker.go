package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carepath/internal/bus"
	"github.com/linnemanlabs/carepath/internal/patient"
	"github.com/linnemanlabs/carepath/internal/triage"
	"github.com/linnemanlabs/carepath/internal/workflow"
)

// PairScorer extracts and scores a case from text and image sub-scores.
type PairScorer interface {
	Extract(ctx context.Context, c *patient.Case) (triage.Extraction, error)
	ScorePair(ctx context.Context, c *patient.Case, ex triage.Extraction) triage.Assessment
}

// CaseLoader reads stored case records.
type CaseLoader interface {
	Get(ctx context.Context, id string) (*workflow.Result, bool, error)
}

// TriageWorker turns new_case into case_triaged.
type TriageWorker struct {
	scorer PairScorer
	cases  CaseLoader
	pub    workflow.Publisher
	logger log.Logger
}

// NewTriageWorker creates a TriageWorker. The scorer bounds its own oracle
// calls. cases supplies the images new_case leaves out; nil scores text only.
func NewTriageWorker(scorer PairScorer, cases CaseLoader, pub workflow.Publisher, logger log.Logger) *TriageWorker {
	if logger == nil {
		logger = log.Nop()
	}
	return &TriageWorker{scorer: scorer, cases: cases, pub: pub, logger: logger}
}

// Name implements Worker.
func (w *TriageWorker) Name() string { return "triage" }

// Subscribe implements Worker.
func (w *TriageWorker) Subscribe(b *bus.Bus) {
	b.Subscribe(TopicNewCase, w.Handle)
}

// Handle implements Worker. A scoring panic falls back to the default
// assessment so the case keeps moving.
func (w *TriageWorker) Handle(ctx context.Context, ev bus.Event) error {
	in, err := payloadAs[NewCase](ev)
	if err != nil {
		return err
	}
	c := in.Case()

	var loadErr error
	if in.ImageCount > 0 {
		c.Images, loadErr = w.images(ctx, c.ID)
		if loadErr != nil {
			w.logger.Warn(ctx, "case images unavailable, scoring without them", "case_id", c.ID, "error", loadErr)
		}
	}

	ex, cause := w.scorer.Extract(ctx, c)
	cause = errors.Join(loadErr, cause)
	a, scoreErr := w.score(ctx, c, ex)
	if scoreErr != nil {
		a = triage.DefaultAssessment()
		cause = scoreErr
		w.logger.Warn(ctx, "triage failed, using default assessment", "case_id", c.ID, "error", scoreErr)
	}

	out, err := NewCaseTriaged(c, a, cause)
	if err != nil {
		return err
	}
	w.pub.Publish(ctx, TopicCaseTriaged, out, w.Name())
	return nil
}

func (w *TriageWorker) images(ctx context.Context, id string) ([]string, error) {
	if w.cases == nil {
		return nil, errors.New("load images: no case store")
	}
	r, ok, err := w.cases.Get(ctx, id)
	if err == nil && !ok {
		err = workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load images: %w", err)
	}
	if r.Case == nil {
		return nil, nil
	}
	return r.Case.Images, nil
}

func (w *TriageWorker) score(ctx context.Context, c *patient.Case, ex triage.Extraction) (a triage.Assessment, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("score panic: %v", p)
		}
	}()
	return w.scorer.ScorePair(ctx, c, ex), nil
}
