// Package signals derives fleet-side pricing inputs: utilization snapshots
// and short-horizon demand indicators.
package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetpricing/internal/store"
)

// NeutralDemand is the demand index used when no signal exists.
const NeutralDemand = 0.5

// demandQuoteSaturation is the hourly quote count treated as full pressure.
const demandQuoteSaturation = 10.0

// Service reads and writes utilization and demand documents.
type Service struct {
	store store.Store
}

// NewService wires the signals service.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

func utilizationID(branchKey, class string, date time.Time) string {
	return fmt.Sprintf("%s_%s_%s", branchKey, class, date.Format("2006-01-02"))
}

func demandID(branchKey, class string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s", branchKey, class, at.UTC().Format("2006-01-02-15"))
}

// Utilization returns the utilization rate for a branch, class, and pickup
// date. When no snapshot exists it falls back to a lead-time heuristic; the
// boolean reports whether the value came from a real snapshot.
func (s *Service) Utilization(ctx context.Context, branchKey, class string, date time.Time) (float64, bool) {
	doc, err := s.store.Get(ctx, store.ColUtilizationSnapshots, utilizationID(branchKey, class, date))
	if err == nil {
		if rate, ok := store.AsFloat(doc["utilization_rate"]); ok {
			return clamp01(rate), true
		}
	}
	return EstimateUtilization(date, time.Now()), false
}

// EstimateUtilization is the heuristic used when no snapshot exists: near
// dates run hotter, far dates cooler, with a weekend bump. Past dates get a
// neutral value.
func EstimateUtilization(date, now time.Time) float64 {
	lead := int(date.Sub(midnight(now)).Hours() / 24)
	if lead < 0 {
		return 0.5
	}
	var u float64
	switch {
	case lead <= 2:
		u = 0.75
	case lead <= 7:
		u = 0.6
	case lead <= 30:
		u = 0.5
	default:
		u = 0.4
	}
	if isSaudiWeekend(date) {
		u += 0.1
	}
	return clamp01(u)
}

// RecordQuote bumps the hourly demand bucket for a branch and class. Called
// on every priced quote; the increment runs inside a store transaction so
// concurrent quotes do not lose counts.
func (s *Service) RecordQuote(ctx context.Context, branchKey, class string, at time.Time) error {
	id := demandID(branchKey, class, at)
	return s.store.Transaction(ctx, func(tx store.Tx) error {
		doc, err := tx.Get(store.ColDemandSignals, id)
		if errors.Is(err, store.ErrNotFound) {
			doc = store.Doc{
				"branch_key":      branchKey,
				"vehicle_class":   class,
				"quote_count":     0,
				"booking_count":   0,
				"conversion_rate": 0.0,
			}
		} else if err != nil {
			return err
		}
		doc["quote_count"] = doc.Int("quote_count") + 1
		doc["conversion_rate"] = conversion(doc.Int("booking_count"), doc.Int("quote_count"))
		doc["updated_at"] = time.Now().UTC()
		tx.Put(store.ColDemandSignals, id, doc)
		return nil
	})
}

// RecordBooking bumps the hourly booking count, moving the conversion rate.
func (s *Service) RecordBooking(ctx context.Context, branchKey, class string, at time.Time) error {
	id := demandID(branchKey, class, at)
	return s.store.Transaction(ctx, func(tx store.Tx) error {
		doc, err := tx.Get(store.ColDemandSignals, id)
		if errors.Is(err, store.ErrNotFound) {
			doc = store.Doc{
				"branch_key":    branchKey,
				"vehicle_class": class,
				"quote_count":   0,
			}
		} else if err != nil {
			return err
		}
		doc["booking_count"] = doc.Int("booking_count") + 1
		doc["conversion_rate"] = conversion(doc.Int("booking_count"), doc.Int("quote_count"))
		doc["updated_at"] = time.Now().UTC()
		tx.Put(store.ColDemandSignals, id, doc)
		return nil
	})
}

// DemandIndex blends hourly quote pressure with the conversion rate:
// 0.4 * min(quotes/10, 1) + 0.6 * conversion. The bucket is the hour ending
// at now; with no signal recorded the index falls back to a lead-time
// estimate for the pickup date.
func (s *Service) DemandIndex(ctx context.Context, branchKey, class string, pickup, now time.Time) float64 {
	doc, err := s.store.Get(ctx, store.ColDemandSignals, demandID(branchKey, class, now))
	if err != nil {
		return EstimateDemand(pickup, now)
	}
	quotes := float64(doc.Int("quote_count"))
	pressure := quotes / demandQuoteSaturation
	if pressure > 1 {
		pressure = 1
	}
	return clamp01(0.4*pressure + 0.6*doc.Float("conversion_rate"))
}

// EstimateDemand is the missing-signal heuristic: near pickups run hotter,
// far pickups cooler, with a weekend bump. Past pickups are neutral.
func EstimateDemand(pickup, now time.Time) float64 {
	lead := int(pickup.Sub(midnight(now)).Hours() / 24)
	if lead < 0 {
		return NeutralDemand
	}
	var d float64
	switch {
	case lead <= 2:
		d = 0.75
	case lead <= 7:
		d = 0.6
	case lead <= 30:
		d = 0.5
	default:
		d = 0.4
	}
	if isSaudiWeekend(pickup) {
		d += 0.1
	}
	return clamp01(d)
}

func conversion(bookings, quotes int) float64 {
	if quotes <= 0 {
		return 0
	}
	return clamp01(float64(bookings) / float64(quotes))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// isSaudiWeekend reports Thursday, Friday, or Saturday.
func isSaudiWeekend(t time.Time) bool {
	w := t.Weekday()
	return w == time.Thursday || w == time.Friday || w == time.Saturday
}
