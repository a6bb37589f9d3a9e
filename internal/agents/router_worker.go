package agents

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/carepath/internal/bus"
	"github.com/linnemanlabs/carepath/internal/routing"
	"github.com/linnemanlabs/carepath/internal/workflow"
)

// RouterWorker turns case_triaged into case_routed.
type RouterWorker struct {
	route workflow.RouteFunc
	pub   workflow.Publisher
}

// NewRouterWorker creates a RouterWorker. A nil route uses routing.Decide.
func NewRouterWorker(route workflow.RouteFunc, pub workflow.Publisher) *RouterWorker {
	if route == nil {
		route = routing.Decide
	}
	return &RouterWorker{route: route, pub: pub}
}

// Name implements Worker.
func (w *RouterWorker) Name() string { return "router" }

// Subscribe implements Worker.
func (w *RouterWorker) Subscribe(b *bus.Bus) {
	b.Subscribe(TopicCaseTriaged, w.Handle)
}

// Handle implements Worker. An unusable decision becomes the QA default.
func (w *RouterWorker) Handle(ctx context.Context, ev bus.Event) error {
	t, err := payloadAs[CaseTriaged](ev)
	if err != nil {
		return err
	}

	var cause error
	d := w.route(t.CaseID, t.Priority, t.IsEmergency)
	if !d.RouteType.Valid() || d.CaseID != t.CaseID {
		cause = fmt.Errorf("invalid route %q for case %q", d.RouteType, d.CaseID)
		d = routing.Default(t.CaseID)
	}

	out, err := NewCaseRouted(t, d, cause)
	if err != nil {
		return err
	}
	w.pub.Publish(ctx, TopicCaseRouted, out, w.Name())
	return nil
}
