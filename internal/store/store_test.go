package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]Store{
		"mem":    NewMemStore(),
		"sqlite": sqlStore,
	}
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, ColVehicles, "v1", Doc{"name": "Camry", "base_daily_rate": 150.0}); err != nil {
				t.Fatalf("put: %v", err)
			}
			d, err := s.Get(ctx, ColVehicles, "v1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if d.Float("base_daily_rate") != 150.0 {
				t.Errorf("base_daily_rate = %v, want 150", d.Float("base_daily_rate"))
			}
			if err := s.Delete(ctx, ColVehicles, "v1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.Get(ctx, ColVehicles, "v1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("get after delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestPatchMerges(t *testing.T) {
	ctx := context.Background()
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			s.Put(ctx, ColVehicles, "v1", Doc{"name": "Camry", "base_daily_rate": 150.0})
			if err := s.Patch(ctx, ColVehicles, "v1", Doc{"base_daily_rate": 175.0}); err != nil {
				t.Fatalf("patch: %v", err)
			}
			d, _ := s.Get(ctx, ColVehicles, "v1")
			if d.Str("name") != "Camry" {
				t.Errorf("name = %q, want Camry (patch must merge, not replace)", d.Str("name"))
			}
			if d.Float("base_daily_rate") != 175.0 {
				t.Errorf("base_daily_rate = %v, want 175", d.Float("base_daily_rate"))
			}
		})
	}
}

func TestQueryFiltersOrderLimit(t *testing.T) {
	ctx := context.Background()
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			s.Put(ctx, ColCompetitorPrices, "a", Doc{"provider": "yelo", "price_per_day": 120.0, "scraped_at": now.Format(time.RFC3339Nano)})
			s.Put(ctx, ColCompetitorPrices, "b", Doc{"provider": "yelo", "price_per_day": 90.0, "scraped_at": now.Add(-8 * time.Hour).Format(time.RFC3339Nano)})
			s.Put(ctx, ColCompetitorPrices, "c", Doc{"provider": "key", "price_per_day": 200.0, "scraped_at": now.Format(time.RFC3339Nano)})

			docs, err := s.Query(ctx, ColCompetitorPrices, Query{
				Filters: []Filter{
					{Field: "provider", Op: "==", Value: "yelo"},
					{Field: "scraped_at", Op: ">=", Value: now.Add(-6 * time.Hour)},
				},
			})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(docs) != 1 || docs[0].ID() != "a" {
				t.Fatalf("query returned %d docs, want exactly doc a", len(docs))
			}

			docs, _ = s.Query(ctx, ColCompetitorPrices, Query{OrderBy: "price_per_day", Desc: true, Limit: 2})
			if len(docs) != 2 || docs[0].Float("price_per_day") != 200.0 {
				t.Errorf("order desc limit 2: got %d docs, first price %v", len(docs), docs[0].Float("price_per_day"))
			}
		})
	}
}

func TestTransactionAtomicity(t *testing.T) {
	ctx := context.Background()
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			s.Put(ctx, ColVehicles, "v1", Doc{"base_daily_rate": 150.0})

			// A failing body must leave no writes behind.
			wantErr := errors.New("boom")
			err := s.Transaction(ctx, func(tx Tx) error {
				tx.Patch(ColVehicles, "v1", Doc{"base_daily_rate": 999.0})
				tx.Put(ColVehicleHistory, "h1", Doc{"vehicle_id": "v1"})
				return wantErr
			})
			if !errors.Is(err, wantErr) {
				t.Fatalf("transaction err = %v, want boom", err)
			}
			d, _ := s.Get(ctx, ColVehicles, "v1")
			if d.Float("base_daily_rate") != 150.0 {
				t.Errorf("rate after aborted tx = %v, want 150", d.Float("base_daily_rate"))
			}
			if _, err := s.Get(ctx, ColVehicleHistory, "h1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("history doc leaked from aborted tx")
			}

			// A successful body commits both writes.
			err = s.Transaction(ctx, func(tx Tx) error {
				d, err := tx.Get(ColVehicles, "v1")
				if err != nil {
					return err
				}
				tx.Patch(ColVehicles, "v1", Doc{"base_daily_rate": d.Float("base_daily_rate") + 25})
				tx.Put(ColVehicleHistory, "h1", Doc{"vehicle_id": "v1"})
				return nil
			})
			if err != nil {
				t.Fatalf("transaction: %v", err)
			}
			d, _ = s.Get(ctx, ColVehicles, "v1")
			if d.Float("base_daily_rate") != 175.0 {
				t.Errorf("rate after tx = %v, want 175", d.Float("base_daily_rate"))
			}
		})
	}
}

func TestTxReadsSeeOwnWrites(t *testing.T) {
	ctx := context.Background()
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Transaction(ctx, func(tx Tx) error {
				tx.Put(ColSchedulerLocks, "job", Doc{"worker_id": "w1"})
				d, err := tx.Get(ColSchedulerLocks, "job")
				if err != nil {
					return err
				}
				if d.Str("worker_id") != "w1" {
					t.Errorf("tx read = %q, want own write w1", d.Str("worker_id"))
				}
				tx.Delete(ColSchedulerLocks, "job")
				if _, err := tx.Get(ColSchedulerLocks, "job"); !errors.Is(err, ErrNotFound) {
					t.Errorf("tx read after staged delete should be not found")
				}
				return nil
			})
			if err != nil {
				t.Fatalf("transaction: %v", err)
			}
		})
	}
}

func TestBatch(t *testing.T) {
	ctx := context.Background()
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ops := []Op{
				{Kind: "put", Collection: ColCompetitorPrices, ID: "x", Doc: Doc{"price_per_day": 100.0}},
				{Kind: "put", Collection: ColCompetitorPrices, ID: "y", Doc: Doc{"price_per_day": 110.0}},
				{Kind: "delete", Collection: ColCompetitorPrices, ID: "x"},
			}
			if err := s.Batch(ctx, ops); err != nil {
				t.Fatalf("batch: %v", err)
			}
			if _, err := s.Get(ctx, ColCompetitorPrices, "x"); !errors.Is(err, ErrNotFound) {
				t.Errorf("x should be deleted by later batch op")
			}
			if _, err := s.Get(ctx, ColCompetitorPrices, "y"); err != nil {
				t.Errorf("y missing after batch: %v", err)
			}
		})
	}
}

func TestBranchCache(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.Put(ctx, ColBranches, "riyadh_airport", Doc{"branch_key": "riyadh_airport", "city": "riyadh", "type": "Airport"})
	s.Put(ctx, ColBranches, "riyadh_city", Doc{"branch_key": "riyadh_city", "city": "riyadh", "type": "City"})
	s.Put(ctx, ColBranches, "jeddah_airport", Doc{"branch_key": "jeddah_airport", "city": "jeddah", "type": "Airport"})

	cache := NewBranchCache(s)
	cities, err := cache.Cities(ctx)
	if err != nil {
		t.Fatalf("cities: %v", err)
	}
	if len(cities) != 2 {
		t.Errorf("cities = %v, want 2 distinct", cities)
	}
	airports, _ := cache.Airports(ctx)
	if len(airports) != 2 {
		t.Errorf("airports = %d, want 2", len(airports))
	}

	// Cache does not observe new writes until Reload.
	s.Put(ctx, ColBranches, "dammam_airport", Doc{"branch_key": "dammam_airport", "city": "dammam", "type": "Airport"})
	branches, _ := cache.Branches(ctx)
	if len(branches) != 3 {
		t.Errorf("cached branches = %d, want 3 before reload", len(branches))
	}
	branches, _ = cache.Reload(ctx)
	if len(branches) != 4 {
		t.Errorf("branches after reload = %d, want 4", len(branches))
	}
}

func TestCityOf(t *testing.T) {
	cases := map[string]string{
		"riyadh_airport": "riyadh",
		"jeddah":         "jeddah",
		"Dammam_City":    "dammam",
	}
	for in, want := range cases {
		if got := CityOf(in); got != want {
			t.Errorf("CityOf(%q) = %q, want %q", in, got, want)
		}
	}
}
