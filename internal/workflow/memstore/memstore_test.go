package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/carepath/internal/patient"
	"github.com/linnemanlabs/carepath/internal/routing"
	"github.com/linnemanlabs/carepath/internal/workflow"
)

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	r := &workflow.Result{ID: "c-1", Status: workflow.StatusPending, State: workflow.StateExtract}
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok, err := s.Get(ctx, "c-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected record to be found")
	}
	if got.ID != "c-1" || got.Status != workflow.StatusPending {
		t.Errorf("got = %+v", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_CreateDuplicate(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Create(ctx, &workflow.Result{ID: "c-dup"})
	if err := s.Create(ctx, &workflow.Result{ID: "c-dup"}); !errors.Is(err, workflow.ErrExists) {
		t.Fatalf("err = %v, want ErrExists", err)
	}
}

func TestStore_UpdateMissing(t *testing.T) {
	t.Parallel()

	s := New()
	if err := s.Update(context.Background(), &workflow.Result{ID: "ghost"}); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_UpdateOverwrites(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Create(ctx, &workflow.Result{ID: "c-3", Status: workflow.StatusPending})
	if err := s.Update(ctx, &workflow.Result{
		ID:     "c-3",
		Status: workflow.StatusComplete,
		State:  workflow.StateDone,
		Route:  &routing.Decision{CaseID: "c-3", RouteType: routing.RouteQA},
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _, _ := s.Get(ctx, "c-3")
	if got.Status != workflow.StatusComplete || got.RouteType() != routing.RouteQA {
		t.Errorf("got = %+v", got)
	}
}

func TestStore_CopiesAreIsolated(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	r := &workflow.Result{ID: "c-iso", Case: &patient.Case{ID: "c-iso", Symptoms: []string{"ho"}}}
	_ = s.Create(ctx, r)

	// mutating the caller's value after Create must not leak in
	r.Case.Symptoms[0] = "changed"

	got, _, _ := s.Get(ctx, "c-iso")
	if got.Case.Symptoms[0] != "ho" {
		t.Fatalf("stored record shares memory with caller")
	}

	got.Case.Symptoms[0] = "changed again"
	again, _, _ := s.Get(ctx, "c-iso")
	if again.Case.Symptoms[0] != "ho" {
		t.Fatalf("returned record shares memory with store")
	}
}

func TestStore_QueryByField(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	for i, rt := range []routing.RouteType{routing.RouteQA, routing.RouteHospital, routing.RouteQA, routing.RouteEmergency} {
		id := fmt.Sprintf("c-%d", i)
		_ = s.Create(ctx, &workflow.Result{
			ID:        id,
			Status:    workflow.StatusComplete,
			Route:     &routing.Decision{CaseID: id, RouteType: rt},
			Case:      &patient.Case{ID: id, Priority: i + 1},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	got, err := s.QueryByField(ctx, workflow.FieldRouteType, string(routing.RouteQA))
	if err != nil {
		t.Fatalf("QueryByField: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].ID != "c-2" || got[1].ID != "c-0" {
		t.Errorf("order = [%s %s], want newest first [c-2 c-0]", got[0].ID, got[1].ID)
	}

	got, err = s.QueryByField(ctx, workflow.FieldPriority, "4")
	if err != nil {
		t.Fatalf("QueryByField: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c-3" {
		t.Errorf("priority query = %v", got)
	}

	got, err = s.QueryByField(ctx, workflow.FieldStatus, "failed")
	if err != nil || len(got) != 0 {
		t.Errorf("empty query = (%v, %v)", got, err)
	}

	if _, err := s.QueryByField(ctx, "password", "x"); !errors.Is(err, workflow.ErrUnknownField) {
		t.Errorf("err = %v, want ErrUnknownField", err)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 2)

	for i := range n {
		id := fmt.Sprintf("id-%d", i)

		go func() {
			defer wg.Done()
			_ = s.Create(ctx, &workflow.Result{ID: id, Status: workflow.StatusPending})
			_ = s.Update(ctx, &workflow.Result{ID: id, Status: workflow.StatusComplete})
		}()

		go func() {
			defer wg.Done()
			_, _, _ = s.Get(ctx, id)
			_, _ = s.QueryByField(ctx, workflow.FieldStatus, "complete")
		}()
	}

	wg.Wait()

	got, err := s.QueryByField(ctx, workflow.FieldStatus, "complete")
	if err != nil {
		t.Fatalf("QueryByField: %v", err)
	}
	if len(got) != n {
		t.Errorf("complete = %d, want %d", len(got), n)
	}
}
