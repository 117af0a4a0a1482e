package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fleetpricing/internal/logger"
	"fleetpricing/internal/market"
	"fleetpricing/internal/metrics"
	"fleetpricing/internal/signals"
	"fleetpricing/internal/store"
)

// Duration keys bucket rental lengths for caching and discounts.
const (
	DurationD1 = "D1" // exactly one day
	DurationD3 = "D3" // 2-4 days
	DurationD7 = "D7" // 5-10 days
	DurationM1 = "M1" // 11+ days
)

const (
	blendRuleWeight = 0.6
	blendMLWeight   = 0.4

	airportPremium  = 1.05
	weekendPremium  = 1.03
	oneWayPremium   = 0.15
	insuranceShare  = 0.15

	defaultFanout = 4
)

// Validation errors surfaced as 400s by the API layer.
var (
	ErrInvalidWindow = errors.New("dropoff must be after pickup")
	ErrPickupInPast  = errors.New("pickup date is in the past")
	ErrNoVehicles    = errors.New("quote requires at least one vehicle")
)

// VehicleInput is one vehicle to price within a quote.
type VehicleInput struct {
	VehicleID     string  `json:"vehicle_id"`
	ClassBucket   string  `json:"class_bucket"`
	BaseDailyRate float64 `json:"base_daily_rate"`
	CostPerDay    float64 `json:"cost_per_day"`
	BranchType    string  `json:"branch_type"` // City | Airport
}

// QuoteRequest prices a set of vehicles for one rental window.
type QuoteRequest struct {
	BranchKey        string         `json:"branch_key"`
	DropoffBranchKey string         `json:"dropoff_branch_key"`
	PickupAt         time.Time      `json:"pickup_at"`
	DropoffAt        time.Time      `json:"dropoff_at"`
	Vehicles         []VehicleInput `json:"vehicles"`
}

// VehicleQuote is the priced result for one vehicle.
type VehicleQuote struct {
	VehicleID      string                 `json:"vehicle_id"`
	DailyPrice     float64                `json:"daily_price"`
	TotalPrice     float64                `json:"total_price"`
	InsuranceTotal float64                `json:"insurance_total"`
	Breakdown      map[string]interface{} `json:"breakdown"`
	Cached         bool                   `json:"cached"`
}

// QuoteResponse is the result of one quote call.
type QuoteResponse struct {
	QuoteID              string         `json:"quote_id"`
	DurationDays         int            `json:"duration_days"`
	DurationKey          string         `json:"duration_key"`
	Vehicles             []VehicleQuote `json:"vehicles"`
	MarketStatsAvailable bool           `json:"market_stats_available"`
	IsOneWay             bool           `json:"is_one_way"`
	OneWayPremium        float64        `json:"one_way_premium"`
	Currency             string         `json:"currency"`
	Timestamp            time.Time      `json:"timestamp"`
}

// Engine prices quotes by blending a local rule price with the numeric
// model, then clamping into market-derived guardrails.
type Engine struct {
	store   store.Store
	model   Model
	market  *market.Reader
	signals *signals.Service

	cacheEnabled bool
	cacheTTL     time.Duration
	fanout       int
}

// NewEngine wires the quote engine.
func NewEngine(s store.Store, model Model, reader *market.Reader, sig *signals.Service, cacheEnabled bool, cacheTTL time.Duration, fanout int) *Engine {
	if fanout < 1 {
		fanout = defaultFanout
	}
	return &Engine{
		store:        s,
		model:        model,
		market:       reader,
		signals:      sig,
		cacheEnabled: cacheEnabled,
		cacheTTL:     cacheTTL,
		fanout:       fanout,
	}
}

// DurationKey buckets a rental length.
func DurationKey(days int) string {
	switch {
	case days <= 1:
		return DurationD1
	case days <= 4:
		return DurationD3
	case days <= 10:
		return DurationD7
	default:
		return DurationM1
	}
}

// DurationDays counts rental days, rounding partial days up, minimum one.
func DurationDays(pickup, dropoff time.Time) int {
	hours := dropoff.Sub(pickup).Hours()
	days := int(math.Ceil(hours / 24))
	if days < 1 {
		days = 1
	}
	return days
}

// Quote prices every vehicle in the request. Single-vehicle failures
// degrade to a base-rate fallback; only request-level validation fails the
// whole call.
func (e *Engine) Quote(ctx context.Context, req QuoteRequest) (QuoteResponse, error) {
	started := time.Now()
	defer func() { metrics.QuoteDuration.Observe(time.Since(started).Seconds()) }()

	if err := validateRequest(req); err != nil {
		return QuoteResponse{}, err
	}

	days := DurationDays(req.PickupAt, req.DropoffAt)
	durKey := DurationKey(days)

	resp := QuoteResponse{
		QuoteID:      uuid.NewString(),
		DurationDays: days,
		DurationKey:  durKey,
		Currency:     Currency,
		Timestamp:    time.Now().UTC(),
	}
	if req.DropoffBranchKey != "" && store.CityOf(req.DropoffBranchKey) != store.CityOf(req.BranchKey) {
		resp.IsOneWay = true
		resp.OneWayPremium = oneWayPremium
	}

	// One market and demand read per distinct class, not per vehicle.
	views := map[string]market.MarketStats{}
	demand := map[string]float64{}
	for _, v := range req.Vehicles {
		if _, ok := views[v.ClassBucket]; ok {
			continue
		}
		ms, err := e.market.Read(ctx, req.BranchKey, v.ClassBucket)
		if err != nil {
			logger.Warn("PRICING", fmt.Sprintf("market read %s/%s: %v", req.BranchKey, v.ClassBucket, err))
			ms = market.MarketStats{BranchKey: req.BranchKey, VehicleClass: v.ClassBucket}
		}
		views[v.ClassBucket] = ms
		demand[v.ClassBucket] = e.signals.DemandIndex(ctx, req.BranchKey, v.ClassBucket, req.PickupAt, time.Now())
		if ms.HasData() {
			resp.MarketStatsAvailable = true
		}
	}

	quotes := make([]VehicleQuote, len(req.Vehicles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fanout)
	for i, v := range req.Vehicles {
		i, v := i, v
		g.Go(func() error {
			quotes[i] = e.priceVehicle(gctx, req, v, days, durKey, views[v.ClassBucket], demand[v.ClassBucket], resp.IsOneWay)
			return nil
		})
	}
	_ = g.Wait()
	resp.Vehicles = quotes

	e.recordQuote(ctx, req, resp)
	return resp, nil
}

func validateRequest(req QuoteRequest) error {
	if len(req.Vehicles) == 0 {
		return ErrNoVehicles
	}
	if !req.DropoffAt.After(req.PickupAt) {
		return ErrInvalidWindow
	}
	if req.PickupAt.Before(time.Now().Add(-time.Hour)) {
		return ErrPickupInPast
	}
	return nil
}

// priceVehicle runs the full pipeline for one vehicle. Any failure or an
// expired deadline yields the base-rate fallback with an error breakdown.
func (e *Engine) priceVehicle(ctx context.Context, req QuoteRequest, v VehicleInput, days int, durKey string, ms market.MarketStats, demandIdx float64, oneWay bool) VehicleQuote {
	if ctx.Err() != nil {
		return e.fallbackQuote(v, days, oneWay, ctx.Err())
	}

	cacheID := quoteCacheID(req.BranchKey, v.VehicleID, req.PickupAt, durKey)
	if e.cacheEnabled {
		if q, ok := e.cachedQuote(ctx, cacheID); ok {
			metrics.QuoteCacheHits.WithLabelValues("hit").Inc()
			q.VehicleID = v.VehicleID
			return applyOneWay(q, days, oneWay)
		}
		metrics.QuoteCacheHits.WithLabelValues("miss").Inc()
	}

	rulePrice, discounts, premiums := localRulePrice(v, durKey, req.PickupAt)

	features := Features(days, req.PickupAt, v.BaseDailyRate, ms.Stats.Median, demandIdx)
	mlPrice, modelVersion, err := e.model.Predict(ctx, features)

	var blended float64
	if err != nil {
		// Model down: skip the blend entirely, price on rules alone.
		blended = rulePrice
		mlPrice = 0
		modelVersion = FallbackVersion
		logger.Warn("PRICING", fmt.Sprintf("model predict for %s: %v", v.VehicleID, err))
	} else {
		blended = blendRuleWeight*rulePrice + blendMLWeight*mlPrice
	}

	floor, ceiling := guardrails(v, ms)
	clamped := clip(blended, floor, ceiling)
	daily := roundToStep(clamped, floor, ceiling)

	quote := VehicleQuote{
		VehicleID:      v.VehicleID,
		DailyPrice:     round2(daily),
		InsuranceTotal: round2(insuranceShare * v.BaseDailyRate * float64(days)),
		Breakdown: map[string]interface{}{
			"rule_price":       round2(rulePrice),
			"ml_price":         round2(mlPrice),
			"model_version":    modelVersion,
			"blended":          round2(blended),
			"floor":            round2(floor),
			"ceiling":          round2(ceiling),
			"market_median":    round2(ms.Stats.Median),
			"market_available": ms.HasData(),
			"demand_index":     demandIdx,
		},
	}
	quote.TotalPrice = round2(quote.DailyPrice * float64(days))

	// The cache holds the round-trip price; the one-way premium is applied
	// on the way out so one direction never poisons the other.
	if e.cacheEnabled {
		e.writeCache(ctx, cacheID, quote)
	}
	quote = applyOneWay(quote, days, oneWay)
	if oneWay {
		premiums = append(premiums, "one_way")
	}

	e.writeDecision(ctx, req, v, days, durKey, ms, demandIdx, features, quote, modelVersion, discounts, premiums)
	if modelVersion == FallbackVersion {
		metrics.QuotesTotal.WithLabelValues("fallback").Inc()
	} else {
		metrics.QuotesTotal.WithLabelValues("priced").Inc()
	}
	return quote
}

// fallbackQuote is the degraded result when a vehicle cannot be priced:
// plain base rate times duration.
func (e *Engine) fallbackQuote(v VehicleInput, days int, oneWay bool, cause error) VehicleQuote {
	metrics.QuotesTotal.WithLabelValues("error").Inc()
	daily := v.BaseDailyRate
	if oneWay {
		daily = daily * (1 + oneWayPremium)
	}
	return VehicleQuote{
		VehicleID:  v.VehicleID,
		DailyPrice: round2(daily),
		TotalPrice: round2(daily * float64(days)),
		Breakdown: map[string]interface{}{
			"fallback": true,
			"error":    cause.Error(),
		},
	}
}

// applyOneWay finalizes a quote for the requested direction: premium on the
// daily rate after rounding, total recomputed from it.
func applyOneWay(q VehicleQuote, days int, oneWay bool) VehicleQuote {
	if oneWay {
		q.DailyPrice = round2(q.DailyPrice * (1 + oneWayPremium))
		q.TotalPrice = round2(q.DailyPrice * float64(days))
	}
	return q
}

// localRulePrice is the quote-path rule price: duration discount, airport
// premium, Saudi-weekend premium on the pickup day. The symbolic names of
// what fired feed the decision record.
func localRulePrice(v VehicleInput, durKey string, pickup time.Time) (float64, []string, []string) {
	price := v.BaseDailyRate
	var discounts, premiums []string
	switch durKey {
	case DurationD3:
		price *= 0.97
		discounts = append(discounts, "duration_d3")
	case DurationD7:
		price *= 0.93
		discounts = append(discounts, "duration_d7")
	case DurationM1:
		price *= 0.85
		discounts = append(discounts, "duration_m1")
	}
	if v.BranchType == "Airport" {
		price *= airportPremium
		premiums = append(premiums, "airport")
	}
	if IsSaudiWeekend(pickup) {
		price *= weekendPremium
		premiums = append(premiums, "weekend")
	}
	return price, discounts, premiums
}

// guardrails derives the allowed price band. With market data the band
// tracks the competitor median; without it the base rate anchors the band.
// Profit-first: the floor never yields, the ceiling rises to meet it.
func guardrails(v VehicleInput, ms market.MarketStats) (floor, ceiling float64) {
	costFloor := v.BaseDailyRate * 0.70
	if v.CostPerDay > 0 {
		costFloor = v.CostPerDay * 1.15
	}
	if ms.HasData() {
		ceiling = ms.Stats.Median * 1.10
		floor = math.Max(costFloor, ms.Stats.Median*0.85)
	} else {
		floor = math.Max(costFloor, v.BaseDailyRate*0.80)
		ceiling = v.BaseDailyRate * 1.10
	}
	if floor > ceiling {
		ceiling = floor
	}
	return floor, ceiling
}

// roundToStep snaps a clamped price to the rounding step (5 riyal above 50,
// 1 below) without leaving the band.
func roundToStep(clamped, floor, ceiling float64) float64 {
	step := 1.0
	if clamped >= 50 {
		step = 5.0
	}
	r := math.Round(clamped/step) * step
	if r > ceiling {
		r = math.Floor(clamped/step) * step
	}
	if r < floor {
		r = math.Ceil(clamped/step) * step
	}
	return clip(r, floor, ceiling)
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func quoteCacheID(branchKey, vehicleID string, pickup time.Time, durKey string) string {
	return fmt.Sprintf("%s_%s_%s_%s", branchKey, vehicleID, pickup.Format("20060102"), durKey)
}

func (e *Engine) cachedQuote(ctx context.Context, id string) (VehicleQuote, bool) {
	doc, err := e.store.Get(ctx, store.ColQuoteCache, id)
	if err != nil {
		return VehicleQuote{}, false
	}
	expires, ok := doc.Time("expires_at")
	if !ok || !expires.After(time.Now()) {
		return VehicleQuote{}, false
	}
	breakdown, _ := doc["breakdown"].(map[string]interface{})
	return VehicleQuote{
		DailyPrice:     doc.Float("daily_price"),
		TotalPrice:     doc.Float("total_price"),
		InsuranceTotal: doc.Float("insurance_total"),
		Breakdown:      breakdown,
		Cached:         true,
	}, true
}

func (e *Engine) writeCache(ctx context.Context, id string, q VehicleQuote) {
	err := e.store.Put(ctx, store.ColQuoteCache, id, store.Doc{
		"daily_price":     q.DailyPrice,
		"total_price":     q.TotalPrice,
		"insurance_total": q.InsuranceTotal,
		"breakdown":       q.Breakdown,
		"created_at":      time.Now().UTC(),
		"expires_at":      time.Now().UTC().Add(e.cacheTTL),
	})
	if err != nil {
		logger.Warn("PRICING", fmt.Sprintf("cache write %s: %v", id, err))
	}
}

// writeDecision records the audit document for one priced vehicle. A write
// failure is logged, never surfaced.
func (e *Engine) writeDecision(ctx context.Context, req QuoteRequest, v VehicleInput, days int, durKey string, ms market.MarketStats, demandIdx float64, features [FeatureCount]float64, q VehicleQuote, modelVersion string, discounts, premiums []string) {
	err := e.store.Put(ctx, store.ColPricingDecisions, uuid.NewString(), store.Doc{
		"vehicle_id":        v.VehicleID,
		"branch_key":        req.BranchKey,
		"vehicle_class":     v.ClassBucket,
		"duration_days":     days,
		"duration_key":      durKey,
		"pickup_at":         req.PickupAt.UTC(),
		"daily_price":       q.DailyPrice,
		"total_price":       q.TotalPrice,
		"cost_per_day":      v.CostPerDay,
		"model_version":     modelVersion,
		"market_available":  ms.HasData(),
		"market_median":     ms.Stats.Median,
		"demand_index":      demandIdx,
		"cache_hit":         q.Cached,
		"discounts_applied": discounts,
		"premiums_applied":  premiums,
		"features":          FeatureMap(features),
		"breakdown":         q.Breakdown,
		"created_at":        time.Now().UTC(),
	})
	if err != nil {
		logger.Warn("PRICING", fmt.Sprintf("decision write for %s: %v", v.VehicleID, err))
	}
}

// recordQuote persists the quote summary and bumps the demand signal for
// each distinct class in the request.
func (e *Engine) recordQuote(ctx context.Context, req QuoteRequest, resp QuoteResponse) {
	err := e.store.Put(ctx, store.ColPriceQuotes, resp.QuoteID, store.Doc{
		"branch_key":    req.BranchKey,
		"pickup_at":     req.PickupAt.UTC(),
		"dropoff_at":    req.DropoffAt.UTC(),
		"duration_days": resp.DurationDays,
		"duration_key":  resp.DurationKey,
		"vehicle_count": len(req.Vehicles),
		"is_one_way":    resp.IsOneWay,
		"created_at":    resp.Timestamp,
	})
	if err != nil {
		logger.Warn("PRICING", fmt.Sprintf("quote record %s: %v", resp.QuoteID, err))
	}

	seen := map[string]bool{}
	for _, v := range req.Vehicles {
		if seen[v.ClassBucket] {
			continue
		}
		seen[v.ClassBucket] = true
		if err := e.signals.RecordQuote(ctx, req.BranchKey, v.ClassBucket, time.Now()); err != nil {
			logger.Warn("PRICING", fmt.Sprintf("demand signal for %s: %v", v.ClassBucket, err))
		}
	}
}
