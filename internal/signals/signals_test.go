package signals

import (
	"context"
	"math"
	"testing"
	"time"

	"fleetpricing/internal/store"
)

func TestEstimateUtilization(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) // Tuesday
	tests := []struct {
		name string
		date time.Time
		want float64
	}{
		{"tomorrow", now.AddDate(0, 0, 1), 0.75},
		{"five days out", now.AddDate(0, 0, 5), 0.6},
		{"two weeks out", now.AddDate(0, 0, 14), 0.5},
		{"two months out", now.AddDate(0, 0, 63), 0.4},
		{"past date neutral", now.AddDate(0, 0, -3), 0.5},
		// Thursday two days out: 0.75 base + 0.1 weekend
		{"weekend bump", time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), 0.85},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateUtilization(tt.date, now)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("EstimateUtilization(%v) = %v, want %v", tt.date, got, tt.want)
			}
		})
	}
}

func TestUtilizationPrefersSnapshot(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	svc := NewService(s)

	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	err := s.Put(ctx, store.ColUtilizationSnapshots, "riyadh_airport_economy_2026-09-01", store.Doc{
		"utilization_rate": 0.82,
	})
	if err != nil {
		t.Fatal(err)
	}

	rate, fromSnapshot := svc.Utilization(ctx, "riyadh_airport", "economy", date)
	if !fromSnapshot || rate != 0.82 {
		t.Errorf("got (%v, %v), want (0.82, true)", rate, fromSnapshot)
	}

	rate, fromSnapshot = svc.Utilization(ctx, "riyadh_airport", "suv", date)
	if fromSnapshot {
		t.Error("missing snapshot should use the estimate")
	}
	if rate <= 0 || rate > 1 {
		t.Errorf("estimate out of range: %v", rate)
	}
}

func TestDemandIndex(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	svc := NewService(s)
	at := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC) // Tuesday
	pickup := at.AddDate(0, 0, 14)                       // far enough out to be neutral

	// no signal -> lead-time estimate (14 days, Tuesday pickup -> 0.5)
	if got := svc.DemandIndex(ctx, "riyadh_airport", "economy", pickup, at); got != 0.5 {
		t.Errorf("empty index = %v, want 0.5", got)
	}

	for i := 0; i < 5; i++ {
		if err := svc.RecordQuote(ctx, "riyadh_airport", "economy", at); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.RecordBooking(ctx, "riyadh_airport", "economy", at); err != nil {
		t.Fatal(err)
	}

	// 5 quotes, 1 booking: 0.4*min(5/10,1) + 0.6*(1/5) = 0.2 + 0.12 = 0.32
	got := svc.DemandIndex(ctx, "riyadh_airport", "economy", pickup, at)
	if math.Abs(got-0.32) > 1e-9 {
		t.Errorf("index = %v, want 0.32", got)
	}

	// pressure saturates at 10 quotes per hour
	for i := 0; i < 20; i++ {
		if err := svc.RecordQuote(ctx, "riyadh_airport", "economy", at); err != nil {
			t.Fatal(err)
		}
	}
	got = svc.DemandIndex(ctx, "riyadh_airport", "economy", pickup, at)
	// 25 quotes, 1 booking: 0.4*1 + 0.6*(1/25) = 0.424
	if math.Abs(got-0.424) > 1e-9 {
		t.Errorf("saturated index = %v, want 0.424", got)
	}

	// a different hour bucket is independent: no signal, so the estimate
	if got := svc.DemandIndex(ctx, "riyadh_airport", "economy", pickup, at.Add(time.Hour)); got != 0.5 {
		t.Errorf("other bucket = %v, want the 0.5 estimate", got)
	}
}

func TestDemandIndexFallbackHeuristic(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) // Tuesday
	tests := []struct {
		name   string
		pickup time.Time
		want   float64
	}{
		{"tomorrow", now.AddDate(0, 0, 1), 0.75},
		// Thursday two days out: 0.75 + 0.1 weekend bump
		{"imminent weekend", time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), 0.85},
		{"five days out", now.AddDate(0, 0, 5), 0.6},
		{"two weeks out", now.AddDate(0, 0, 14), 0.5},
		{"two months out", now.AddDate(0, 0, 63), 0.4},
		// Friday far out: 0.4 + 0.1
		{"distant weekend", time.Date(2026, 10, 30, 0, 0, 0, 0, time.UTC), 0.5},
		{"past pickup neutral", now.AddDate(0, 0, -3), NeutralDemand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateDemand(tt.pickup, now); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("EstimateDemand(%v) = %v, want %v", tt.pickup, got, tt.want)
			}
		})
	}

	// the service uses the estimate whenever the bucket is empty
	svc := NewService(store.NewMemStore())
	got := svc.DemandIndex(context.Background(), "riyadh_city", "sedan", now.AddDate(0, 0, 1), now)
	if math.Abs(got-0.75) > 1e-9 {
		t.Errorf("empty-store index = %v, want 0.75 for a pickup tomorrow", got)
	}
}

func TestSnapshotUtilization(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	svc := NewService(s)
	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	vehicles := []struct {
		id, branch, class string
	}{
		{"v1", "riyadh_airport", "economy"},
		{"v2", "riyadh_airport", "economy"},
		{"v3", "riyadh_airport", "economy"},
		{"v4", "riyadh_airport", "suv"},
	}
	for _, v := range vehicles {
		err := s.Put(ctx, store.ColVehicles, v.id, store.Doc{
			"branch_id":     v.branch,
			"vehicle_class": v.class,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	bookings := []struct {
		id, vehicle, status string
		from, to            time.Time
	}{
		{"b1", "v1", "confirmed", date, date.AddDate(0, 0, 3)},
		{"b2", "v2", "active", date.AddDate(0, 0, -1), date.AddDate(0, 0, 1)},
		// cancelled bookings do not occupy the vehicle
		{"b3", "v3", "cancelled", date, date.AddDate(0, 0, 2)},
		// ends before the snapshot date
		{"b4", "v4", "confirmed", date.AddDate(0, 0, -5), date.AddDate(0, 0, -2)},
	}
	for _, b := range bookings {
		err := s.Put(ctx, store.ColBookings, b.id, store.Doc{
			"vehicle_id": b.vehicle,
			"status":     b.status,
			"pickup_at":  b.from,
			"dropoff_at": b.to,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	written, err := svc.SnapshotUtilization(ctx, date)
	if err != nil {
		t.Fatal(err)
	}
	if written != 2 {
		t.Errorf("written = %d, want 2", written)
	}

	eco, err := s.Get(ctx, store.ColUtilizationSnapshots, "riyadh_airport_economy_2026-09-01")
	if err != nil {
		t.Fatal(err)
	}
	// 2 of 3 economy vehicles booked
	if eco.Int("total_vehicles") != 3 || eco.Int("booked_vehicles") != 2 {
		t.Errorf("economy snapshot = %+v", eco)
	}
	if math.Abs(eco.Float("utilization_rate")-2.0/3.0) > 1e-9 {
		t.Errorf("economy rate = %v", eco.Float("utilization_rate"))
	}

	suv, err := s.Get(ctx, store.ColUtilizationSnapshots, "riyadh_airport_suv_2026-09-01")
	if err != nil {
		t.Fatal(err)
	}
	if suv.Float("utilization_rate") != 0 {
		t.Errorf("suv rate = %v, want 0", suv.Float("utilization_rate"))
	}
}
