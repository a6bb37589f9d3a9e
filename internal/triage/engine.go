package triage

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
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carepath/internal/patient"
)

// DefaultOracleTimeout bounds a single oracle call when the caller sets none.
const DefaultOracleTimeout = 30 * time.Second

// ErrOracleUnavailable is returned by Extract when no oracle is configured.
var ErrOracleUnavailable = errors.New("classification oracle unavailable")

// Oracle is the external text and image classifier.
type Oracle interface {
	ClassifyText(ctx context.Context, text string) (*TextClassification, error)
	ClassifyImages(ctx context.Context, images []string) (*ImageClassification, error)
}

// EngineHooks are optional callbacks for instrumentation.
type EngineHooks struct {
	OnOracleCall func(kind string, duration float64, err error)
	OnAssessment func(a *Assessment)
}

// Engine runs extraction against the oracle and scores cases.
type Engine struct {
	oracle  Oracle
	timeout time.Duration
	logger  log.Logger
	hooks   EngineHooks
}

// NewEngine creates an engine. oracle may be nil, in which case every case
// is scored from its description and vitals alone.
func NewEngine(oracle Oracle, timeout time.Duration, logger log.Logger, hooks ...EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultOracleTimeout
	}
	var h EngineHooks
	if len(hooks) > 0 {
		h = hooks[0]
	}
	return &Engine{oracle: oracle, timeout: timeout, logger: logger, hooks: h}
}

// Extract classifies the description and images concurrently. A failed call
// leaves its half of the Extraction nil; the returned error joins every
// failure so callers can record them.
func (e *Engine) Extract(ctx context.Context, c *patient.Case) (Extraction, error) {
	var ex Extraction
	if e.oracle == nil {
		return ex, ErrOracleUnavailable
	}

	var g errgroup.Group
	var textErr, imgErr error

	if strings.TrimSpace(c.Description) != "" {
		g.Go(func() error {
			defer recoverInto(&textErr)
			tc, err := e.classifyText(ctx, c)
			if err != nil {
				textErr = fmt.Errorf("classify text: %w", err)
				return nil
			}
			ex.Text = tc
			return nil
		})
	}
	if len(c.Images) > 0 {
		g.Go(func() error {
			defer recoverInto(&imgErr)
			ic, err := e.classifyImages(ctx, c)
			if err != nil {
				imgErr = fmt.Errorf("classify images: %w", err)
				return nil
			}
			ex.Image = ic
			return nil
		})
	}
	_ = g.Wait()

	return ex, errors.Join(textErr, imgErr)
}

// Score runs the three-sub-score assessment and reports it to hooks.
func (e *Engine) Score(ctx context.Context, c *patient.Case, ex Extraction) Assessment {
	a := Assess(c, ex)
	e.observe(ctx, c, &a)
	return a
}

// ScorePair runs the text and image assessment and reports it to hooks.
func (e *Engine) ScorePair(ctx context.Context, c *patient.Case, ex Extraction) Assessment {
	a := AssessPair(c, ex)
	e.observe(ctx, c, &a)
	return a
}

func (e *Engine) observe(ctx context.Context, c *patient.Case, a *Assessment) {
	if a.IsEmergency {
		e.logger.Warn(ctx, "emergency case detected",
			"case_id", c.ID,
			"terms", a.EmergencyTerms,
			"heart_rate", c.Vitals.HeartRate,
			"spo2", c.Vitals.SpO2,
		)
	}
	if e.hooks.OnAssessment != nil {
		e.hooks.OnAssessment(a)
	}
}

func (e *Engine) classifyText(ctx context.Context, c *patient.Case) (*TextClassification, error) {
	ctx, span := tracer().Start(ctx, "oracle.classify_text", trace.WithAttributes(
		attribute.String("carepath.case.id", c.ID),
		attribute.Int("carepath.oracle.input_chars", len([]rune(c.Description))),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	tc, err := e.oracle.ClassifyText(ctx, c.Description)
	if err == nil && tc == nil {
		err = errors.New("empty classification")
	}
	e.report(ctx, span, "text", start, err)
	if err != nil {
		return nil, err
	}
	out := *tc
	out.normalize()
	span.SetAttributes(attribute.Int("carepath.oracle.priority", out.Priority))
	return &out, nil
}

func (e *Engine) classifyImages(ctx context.Context, c *patient.Case) (*ImageClassification, error) {
	ctx, span := tracer().Start(ctx, "oracle.classify_images", trace.WithAttributes(
		attribute.String("carepath.case.id", c.ID),
		attribute.Int("carepath.oracle.images", len(c.Images)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	ic, err := e.oracle.ClassifyImages(ctx, c.Images)
	if err == nil && ic == nil {
		err = errors.New("empty classification")
	}
	e.report(ctx, span, "image", start, err)
	if err != nil {
		return nil, err
	}
	out := *ic
	out.normalize()
	span.SetAttributes(attribute.Int("carepath.oracle.risk_level", out.RiskLevel))
	return &out, nil
}

func (e *Engine) report(ctx context.Context, span trace.Span, kind string, start time.Time, err error) {
	dur := time.Since(start).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error(ctx, err, "oracle call failed", "kind", kind, "duration", dur)
	}
	if e.hooks.OnOracleCall != nil {
		e.hooks.OnOracleCall(kind, dur, err)
	}
}

// recoverInto turns an oracle panic into an error.
func recoverInto(dst *error) {
	if r := recover(); r != nil {
		*dst = fmt.Errorf("oracle panic: %v", r)
	}
}

func tracer() trace.Tracer {
	return otel.Tracer("github.com/linnemanlabs/carepath/internal/triage")
}
