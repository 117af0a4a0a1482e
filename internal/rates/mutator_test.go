package rates

import (
	"context"
	"errors"
	"testing"

	"fleetpricing/internal/store"
)

func seedVehicle(t *testing.T, s store.Store, id string, base, cost float64) {
	t.Helper()
	err := s.Put(context.Background(), store.ColVehicles, id, store.Doc{
		"base_daily_rate": base,
		"cost_per_day":    cost,
		"vehicle_class":   "sedan",
		"branch_id":       "riyadh_city",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func historyCount(t *testing.T, s store.Store, vehicleID string) int {
	t.Helper()
	docs, err := s.Query(context.Background(), store.ColVehicleHistory, store.Query{
		Filters: []store.Filter{{Field: "vehicle_id", Op: "==", Value: vehicleID}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return len(docs)
}

func TestUpdateBaseRateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	seedVehicle(t, s, "v1", 150, 90)
	m := NewMutator(s)

	first, err := m.UpdateBaseRate(ctx, "v1", 175, "manual", "tester", nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != StatusApplied {
		t.Fatalf("status = %q, want applied", first.Status)
	}
	if first.OldRate != 150 || first.NewRate != 175 || first.DeltaAmount != 25 {
		t.Errorf("result = %+v", first)
	}
	if first.DeltaPercent == nil || *first.DeltaPercent != 16.67 {
		t.Errorf("delta_percent = %v, want 16.67", first.DeltaPercent)
	}
	if historyCount(t, s, "v1") != 1 {
		t.Error("applied update must write exactly one history record")
	}

	vehicle, err := s.Get(ctx, store.ColVehicles, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if vehicle.Float("base_daily_rate") != 175 {
		t.Errorf("vehicle rate = %v, want 175", vehicle.Float("base_daily_rate"))
	}

	// The history's new rate matches the vehicle's committed value.
	h, err := s.Get(ctx, store.ColVehicleHistory, first.HistoryID)
	if err != nil {
		t.Fatal(err)
	}
	if h.Float("new_base_daily_rate") != vehicle.Float("base_daily_rate") {
		t.Error("history new rate diverges from vehicle state")
	}

	second, err := m.UpdateBaseRate(ctx, "v1", 175, "manual", "tester", nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != StatusNoChange {
		t.Errorf("status = %q, want no_change", second.Status)
	}
	if historyCount(t, s, "v1") != 1 {
		t.Error("no_change must not write history")
	}
}

func TestUpdateBaseRateValidation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	seedVehicle(t, s, "v1", 150, 90)
	m := NewMutator(s)

	if _, err := m.UpdateBaseRate(ctx, "v1", 0, "manual", "tester", nil); !errors.Is(err, ErrNonPositiveRate) {
		t.Errorf("zero rate: err = %v", err)
	}
	if _, err := m.UpdateBaseRate(ctx, "v1", 80, "manual", "tester", nil); !errors.Is(err, ErrRateBelowCost) {
		t.Errorf("below cost: err = %v", err)
	}
	if _, err := m.UpdateBaseRate(ctx, "missing", 120, "manual", "tester", nil); !errors.Is(err, ErrVehicleNotFound) {
		t.Errorf("missing vehicle: err = %v", err)
	}

	// rejected updates leave no partial writes
	if historyCount(t, s, "v1") != 0 {
		t.Error("failed update leaked a history record")
	}
	vehicle, _ := s.Get(ctx, store.ColVehicles, "v1")
	if vehicle.Float("base_daily_rate") != 150 {
		t.Errorf("vehicle rate = %v, want untouched 150", vehicle.Float("base_daily_rate"))
	}
}

func TestUpdateBaseRateNilDeltaPercent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	err := s.Put(ctx, store.ColVehicles, "v0", store.Doc{"base_daily_rate": 0.0})
	if err != nil {
		t.Fatal(err)
	}
	m := NewMutator(s)

	res, err := m.UpdateBaseRate(ctx, "v0", 120, "seed", "tester", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.DeltaPercent != nil {
		t.Errorf("delta_percent = %v, want nil for zero old rate", *res.DeltaPercent)
	}
}

func TestRollbackViaHistory(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	seedVehicle(t, s, "v1", 150, 90)
	m := NewMutator(s)

	applied, err := m.UpdateBaseRate(ctx, "v1", 175, "recommendation", "engine", nil)
	if err != nil {
		t.Fatal(err)
	}

	rolled, err := m.Rollback(ctx, "v1", applied.HistoryID, 0, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if rolled.Status != StatusApplied || rolled.NewRate != 150 {
		t.Fatalf("rollback = %+v", rolled)
	}

	vehicle, _ := s.Get(ctx, store.ColVehicles, "v1")
	if vehicle.Float("base_daily_rate") != 150 {
		t.Errorf("vehicle rate = %v, want restored 150", vehicle.Float("base_daily_rate"))
	}

	// rollback appends its own audit entry with the rollback reason
	if historyCount(t, s, "v1") != 2 {
		t.Error("rollback must append a second history record")
	}
	h, err := s.Get(ctx, store.ColVehicleHistory, rolled.HistoryID)
	if err != nil {
		t.Fatal(err)
	}
	if h.Str("reason") != ReasonRollback {
		t.Errorf("reason = %q, want %q", h.Str("reason"), ReasonRollback)
	}
	linked, _ := h["context"].(map[string]interface{})
	if linked["rolled_back_from"] != applied.HistoryID {
		t.Errorf("context = %v, want link to %s", linked, applied.HistoryID)
	}

	// reapplying the change captured in the history restores the state
	reapplied, err := m.UpdateBaseRate(ctx, "v1", 175, "recommendation", "engine", nil)
	if err != nil {
		t.Fatal(err)
	}
	if reapplied.Status != StatusApplied || reapplied.NewRate != 175 {
		t.Fatalf("reapply = %+v", reapplied)
	}
}

func TestRollbackTargetForms(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	seedVehicle(t, s, "v1", 150, 90)
	m := NewMutator(s)

	if _, err := m.Rollback(ctx, "v1", "", 0, "tester"); !errors.Is(err, ErrAmbiguousTarget) {
		t.Errorf("no target: err = %v", err)
	}
	if _, err := m.Rollback(ctx, "v1", "h1", 120, "tester"); !errors.Is(err, ErrAmbiguousTarget) {
		t.Errorf("both targets: err = %v", err)
	}
	if _, err := m.Rollback(ctx, "v1", "nope", 0, "tester"); !errors.Is(err, ErrHistoryNotFound) {
		t.Errorf("missing history: err = %v", err)
	}

	res, err := m.Rollback(ctx, "v1", "", 140, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.NewRate != 140 || res.Status != StatusApplied {
		t.Errorf("direct target rollback = %+v", res)
	}
}
