package pricing

import (
	"context"
	"fmt"
	"time"

	"fleetpricing/internal/market"
	"fleetpricing/internal/signals"
	"fleetpricing/internal/store"
)

// Recommendation is a suggested base-rate change for one vehicle, produced
// by the full rule engine over live signals.
type Recommendation struct {
	VehicleID       string     `json:"vehicle_id"`
	CurrentBaseRate float64    `json:"current_base_rate"`
	RecommendedRate float64    `json:"recommended_rate"`
	Result          RuleResult `json:"result"`
	MarketAvailable bool       `json:"market_available"`
	GeneratedAt     time.Time  `json:"generated_at"`
}

// Recommender builds rate recommendations from the rule engine.
type Recommender struct {
	store   store.Store
	model   Model
	market  *market.Reader
	signals *signals.Service
	rules   *RuleEngine
}

// NewRecommender wires the recommendation path.
func NewRecommender(s store.Store, model Model, reader *market.Reader, sig *signals.Service) *Recommender {
	return &Recommender{
		store:   s,
		model:   model,
		market:  reader,
		signals: sig,
		rules:   NewRuleEngine(),
	}
}

// Recommend evaluates the rule engine for one vehicle over a rental window.
func (r *Recommender) Recommend(ctx context.Context, vehicleID string, pickup time.Time, rentalDays int) (Recommendation, error) {
	vehicle, err := r.store.Get(ctx, store.ColVehicles, vehicleID)
	if err != nil {
		return Recommendation{}, fmt.Errorf("recommend %s: %w", vehicleID, err)
	}
	branchKey := vehicle.Str("branch_id")
	class := vehicle.Str("vehicle_class")
	base := vehicle.Float("base_daily_rate")

	ms, err := r.market.Read(ctx, branchKey, class)
	if err != nil {
		return Recommendation{}, fmt.Errorf("recommend %s: market: %w", vehicleID, err)
	}

	utilization, _ := r.signals.Utilization(ctx, branchKey, class, pickup)
	demandIdx := r.signals.DemandIndex(ctx, branchKey, class, pickup, time.Now())

	features := Features(rentalDays, pickup, base, ms.Stats.Median, demandIdx)
	baseline, _, err := r.model.Predict(ctx, features)
	if err != nil {
		baseline = base
	}

	now := time.Now()
	leadDays := int(pickup.Sub(now).Hours() / 24)
	if leadDays < 0 {
		leadDays = 0
	}

	result := r.rules.Calculate(RuleFactors{
		BaselineML:      baseline,
		BaseDailyRate:   base,
		RentalDays:      rentalDays,
		LeadTimeDays:    leadDays,
		UtilizationRate: utilization,
		DemandIndex:     demandIdx,
		CompetitorAvg:   ms.Stats.Mean,
		DayOfWeek:       mondayWeekday(pickup),
		Month:           int(pickup.Month()),
		BookingHour:     now.Hour(),
		LastQuotedPrice: r.lastQuotedPrice(ctx, vehicleID),
	})

	return Recommendation{
		VehicleID:       vehicleID,
		CurrentBaseRate: base,
		RecommendedRate: result.FinalPricePerDay,
		Result:          result,
		MarketAvailable: ms.HasData(),
		GeneratedAt:     now.UTC(),
	}, nil
}

// lastQuotedPrice looks up the most recent decision for rate-change damping.
// Zero means no history, which disables the clamp and smoothing.
func (r *Recommender) lastQuotedPrice(ctx context.Context, vehicleID string) float64 {
	docs, err := r.store.Query(ctx, store.ColPricingDecisions, store.Query{
		Filters: []store.Filter{{Field: "vehicle_id", Op: "==", Value: vehicleID}},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   1,
	})
	if err != nil || len(docs) == 0 {
		return 0
	}
	return docs[0].Float("daily_price")
}
