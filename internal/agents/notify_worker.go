package agents

import (
	"context"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carepath/internal/bus"
	"github.com/linnemanlabs/carepath/internal/routing"
	"github.com/linnemanlabs/carepath/internal/workflow"
)

// NotifyWorker forwards completed emergency cases to a Notifier.
type NotifyWorker struct {
	notifier workflow.Notifier
	logger   log.Logger
}

// NewNotifyWorker creates a NotifyWorker.
func NewNotifyWorker(n workflow.Notifier, logger log.Logger) *NotifyWorker {
	if logger == nil {
		logger = log.Nop()
	}
	return &NotifyWorker{notifier: n, logger: logger}
}

// Name implements Worker.
func (w *NotifyWorker) Name() string { return "notify" }

// Subscribe implements Worker.
func (w *NotifyWorker) Subscribe(b *bus.Bus) {
	b.Subscribe(workflow.TopicCaseCompleted, w.Handle)
}

// Handle implements Worker. Only emergency dispatches are sent.
func (w *NotifyWorker) Handle(ctx context.Context, ev bus.Event) error {
	p, err := payloadAs[workflow.CaseCompleted](ev)
	if err != nil {
		return err
	}
	r := p.Result
	if r == nil || r.RouteType() != routing.RouteEmergency {
		return nil
	}
	if err := w.notifier.Notify(ctx, r); err != nil {
		return err
	}
	w.logger.Info(ctx, "emergency notification sent", "case_id", r.ID)
	return nil
}
