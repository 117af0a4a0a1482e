package market

import (
	"context"
	"testing"
	"time"

	"fleetpricing/internal/store"
)

func putSnapshot(t *testing.T, s store.Store, id string, doc store.Doc) {
	t.Helper()
	if err := s.Put(context.Background(), store.ColCompetitorPrices, id, doc); err != nil {
		t.Fatal(err)
	}
}

func snapshot(provider, city, class string, price float64, age time.Duration) store.Doc {
	return store.Doc{
		"provider":      provider,
		"branch_id":     city + "_airport",
		"city":          city,
		"vehicle_class": class,
		"price_per_day": price,
		"scraped_at":    time.Now().UTC().Add(-age),
	}
}

func TestAggregatorRefresh(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	branches := seedBranches(t, s, store.Branch{BranchKey: "riyadh_airport", City: "riyadh", Type: "Airport"})

	putSnapshot(t, s, "a", snapshot("yelo", "riyadh", "economy", 100, time.Hour))
	putSnapshot(t, s, "b", snapshot("key", "riyadh", "economy", 140, time.Hour))
	putSnapshot(t, s, "c", snapshot("budget", "riyadh", "suv", 300, time.Hour))
	// outside the fresh window, must not count
	putSnapshot(t, s, "d", snapshot("lumi", "riyadh", "economy", 999, 10*time.Hour))

	agg := NewAggregator(s, branches)
	written, err := agg.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if written != 2 { // economy + suv
		t.Errorf("written = %d, want 2", written)
	}

	doc, err := s.Get(ctx, store.ColCompetitorAggregates, "riyadh_airport_economy")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Int("count") != 2 {
		t.Errorf("economy count = %d, want 2", doc.Int("count"))
	}
	if doc.Float("median") != 120 {
		t.Errorf("economy median = %v, want 120", doc.Float("median"))
	}
	providers := doc["providers"].([]string)
	if len(providers) != 2 || providers[0] != "key" || providers[1] != "yelo" {
		t.Errorf("providers = %v", providers)
	}
	newest, ok := doc.Time("newest_scraped_at")
	if !ok {
		t.Fatal("aggregate missing newest_scraped_at")
	}
	if age := time.Since(newest); age < 50*time.Minute || age > 70*time.Minute {
		t.Errorf("newest_scraped_at age = %v, want about an hour", age)
	}
	if stale, ok := doc["is_stale"].(bool); !ok || stale {
		t.Errorf("is_stale = %v, want false for hour-old data", doc["is_stale"])
	}
}

func TestReaderPrefersAggregateDoc(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	err := s.Put(ctx, store.ColCompetitorAggregates, "riyadh_airport_economy", store.Doc{
		"branch_key":    "riyadh_airport",
		"vehicle_class": "economy",
		"count":         3,
		"min":           90.0,
		"median":        120.0,
		"mean":          118.0,
		"p75":           130.0,
		"p90":           140.0,
		"std":           12.0,
		"providers":     []string{"key", "yelo"},
		"computed_at":   time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	r := NewReader(s)
	ms, err := r.Read(ctx, "riyadh_airport", "economy")
	if err != nil {
		t.Fatal(err)
	}
	if ms.Stats.Count != 3 || ms.Stats.Median != 120 {
		t.Errorf("stats = %+v", ms.Stats)
	}
	if ms.IsStale {
		t.Error("hour-old aggregate should not be stale")
	}
	if !ms.HasData() {
		t.Error("HasData should be true")
	}
}

func TestReaderWidensWindowOverSnapshots(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	// Nothing in the 6h window, two matches inside 168h. One is a class
	// variant (compact counts as economy).
	putSnapshot(t, s, "a", snapshot("yelo", "riyadh", "economy", 110, 30*time.Hour))
	putSnapshot(t, s, "b", snapshot("key", "riyadh", "compact", 130, 40*time.Hour))
	// different city, must not match
	putSnapshot(t, s, "c", snapshot("key", "jeddah", "economy", 500, 30*time.Hour))

	r := NewReader(s)
	ms, err := r.Read(ctx, "riyadh_airport", "economy")
	if err != nil {
		t.Fatal(err)
	}
	if ms.Stats.Count != 2 {
		t.Fatalf("count = %d, want 2", ms.Stats.Count)
	}
	if ms.Stats.Median != 120 {
		t.Errorf("median = %v, want 120", ms.Stats.Median)
	}
	if !ms.IsStale {
		t.Error("30h-old data should be flagged stale")
	}
}

func TestReaderNoData(t *testing.T) {
	r := NewReader(store.NewMemStore())
	ms, err := r.Read(context.Background(), "dammam_airport", "luxury")
	if err != nil {
		t.Fatal(err)
	}
	if ms.HasData() {
		t.Errorf("expected empty market view, got %+v", ms)
	}
	if ms.IsStale {
		t.Error("empty view should not be stale")
	}
}
