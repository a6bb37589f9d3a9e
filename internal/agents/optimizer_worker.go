package agents

import (
	"context"
	"sync"

	"github.com/linnemanlabs/carepath/internal/bus"
	"github.com/linnemanlabs/carepath/internal/optimize"
	"github.com/linnemanlabs/carepath/internal/resource"
	"github.com/linnemanlabs/carepath/internal/workflow"
)

// DefaultBackupCacheSize bounds the optimizer's per-case cache.
const DefaultBackupCacheSize = 1024

// OptimizerWorker turns candidate lists into optimized_<event>.
type OptimizerWorker struct {
	optimizer workflow.AssignmentOptimizer
	pub       workflow.Publisher

	mu    sync.Mutex
	cache map[string]optimize.Assignment // case ID -> assignment
	order []string                       // insertion order for eviction
	size  int
}

// NewOptimizerWorker creates an OptimizerWorker. cacheSize below 1 keeps
// the default.
func NewOptimizerWorker(opt workflow.AssignmentOptimizer, pub workflow.Publisher, cacheSize int) *OptimizerWorker {
	if cacheSize < 1 {
		cacheSize = DefaultBackupCacheSize
	}
	return &OptimizerWorker{
		optimizer: opt,
		pub:       pub,
		cache:     make(map[string]optimize.Assignment),
		size:      cacheSize,
	}
}

// Name implements Worker.
func (w *OptimizerWorker) Name() string { return "optimizer" }

// Subscribe implements Worker.
func (w *OptimizerWorker) Subscribe(b *bus.Bus) {
	b.Subscribe(TopicHospitalsSelected, w.Handle)
	b.Subscribe(TopicDispatchList, w.Handle)
}

// Handle implements Worker. A case seen before reuses its cached backups,
// so redelivery never grows or reorders them. An optimizer failure still
// publishes the primary, without backups.
func (w *OptimizerWorker) Handle(ctx context.Context, ev bus.Event) error {
	f, err := payloadAs[CandidatesFound](ev)
	if err != nil {
		return err
	}
	if len(f.Candidates) == 0 {
		return invalid("%s: empty candidate list for case %q", ev.Topic, f.CaseID)
	}

	in := f.Input()
	if cached, ok := w.cached(f.CaseID); ok && cached.Primary.ID == in.Primary.ID {
		in = cached.Reinput(f.CaseID, f.Priority)
	}

	a, cause := w.optimizer.Optimize(ctx, in)
	if cause != nil {
		a = optimize.Assignment{Primary: in.Primary, Backups: []resource.Candidate{}, Notes: "optimization unavailable"}
	} else {
		w.remember(f.CaseID, a)
	}
	if f.ReceivingHospital != nil {
		h := f.ReceivingHospital.Clone()
		a.ReceivingHospital = &h
	}

	out, err := NewOptimized(f, a, cause)
	if err != nil {
		return err
	}
	w.pub.Publish(ctx, out.Topic(), out, w.Name())
	return nil
}

func (w *OptimizerWorker) cached(caseID string) (optimize.Assignment, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.cache[caseID]
	return a, ok
}

func (w *OptimizerWorker) remember(caseID string, a optimize.Assignment) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.cache[caseID]; !ok {
		w.order = append(w.order, caseID)
	}
	w.cache[caseID] = a
	for len(w.order) > w.size {
		delete(w.cache, w.order[0])
		w.order = w.order[1:]
	}
}

// cacheLen reports how many cases are cached.
func (w *OptimizerWorker) cacheLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.cache)
}
