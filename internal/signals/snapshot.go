package signals

import (
	"context"
	"fmt"
	"time"

	"fleetpricing/internal/logger"
	"fleetpricing/internal/store"
)

// bookingBlocks lists the booking statuses that occupy a vehicle.
var bookingBlocks = map[string]bool{
	"confirmed": true,
	"active":    true,
	"picked_up": true,
}

// SnapshotUtilization computes today's utilization per branch and class from
// the vehicle fleet and the bookings overlapping the date, and writes one
// snapshot doc per (branch, class). Returns the number of snapshots written.
func (s *Service) SnapshotUtilization(ctx context.Context, date time.Time) (int, error) {
	vehicles, err := s.store.Query(ctx, store.ColVehicles, store.Query{})
	if err != nil {
		return 0, fmt.Errorf("snapshot utilization: load vehicles: %w", err)
	}

	type key struct{ branch, class string }
	total := map[key]int{}
	vehicleKey := map[string]key{}
	for _, v := range vehicles {
		k := key{branch: v.Str("branch_id"), class: v.Str("vehicle_class")}
		if k.branch == "" || k.class == "" {
			continue
		}
		total[k]++
		vehicleKey[v.ID()] = k
	}

	bookings, err := s.store.Query(ctx, store.ColBookings, store.Query{})
	if err != nil {
		return 0, fmt.Errorf("snapshot utilization: load bookings: %w", err)
	}
	booked := map[key]int{}
	dayStart := midnight(date)
	dayEnd := dayStart.AddDate(0, 0, 1)
	for _, b := range bookings {
		if !bookingBlocks[b.Str("status")] {
			continue
		}
		from, okFrom := b.Time("pickup_at")
		to, okTo := b.Time("dropoff_at")
		if !okFrom || !okTo {
			continue
		}
		if !from.Before(dayEnd) || !to.After(dayStart) {
			continue
		}
		k, ok := vehicleKey[b.Str("vehicle_id")]
		if !ok {
			continue
		}
		booked[k]++
	}

	written := 0
	for k, n := range total {
		rate := 0.0
		if n > 0 {
			rate = clamp01(float64(booked[k]) / float64(n))
		}
		id := utilizationID(k.branch, k.class, dayStart)
		err := s.store.Put(ctx, store.ColUtilizationSnapshots, id, store.Doc{
			"branch_key":       k.branch,
			"vehicle_class":    k.class,
			"date":             dayStart.Format("2006-01-02"),
			"total_vehicles":   n,
			"booked_vehicles":  booked[k],
			"utilization_rate": rate,
			"computed_at":      time.Now().UTC(),
		})
		if err != nil {
			return written, fmt.Errorf("snapshot utilization: write %s: %w", id, err)
		}
		written++
	}
	logger.Infof("SIGNALS", "utilization snapshot for %s: %d docs", dayStart.Format("2006-01-02"), written)
	return written, nil
}
