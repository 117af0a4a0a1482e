package pricing

// RuleFactors are the inputs to the rule engine. All signals are optional
// in the sense that neutral values (0.5 utilization, 0.5 demand, zero
// competitor price, zero last price) yield neutral behavior.
type RuleFactors struct {
	BaselineML      float64
	BaseDailyRate   float64
	RentalDays      int
	LeadTimeDays    int
	UtilizationRate float64
	DemandIndex     float64
	CompetitorAvg   float64
	DayOfWeek       int // 0 = Monday
	Month           int // 1-12
	BookingHour     int // 0-23, -1 when unknown
	LastQuotedPrice float64
}

// RuleResult is the rule engine output: the final per-day price plus a full
// audit of which multipliers and clamps produced it.
type RuleResult struct {
	FinalPricePerDay  float64            `json:"final_price_per_day"`
	BaselinePrice     float64            `json:"baseline_price"`
	FactorsApplied    map[string]float64 `json:"factors_applied"`
	GuardrailsApplied []string           `json:"guardrails_applied"`
	Breakdown         map[string]float64 `json:"price_breakdown"`
}

// RuleEngine applies multiplicative factors and guardrails to an ML baseline.
// It is a pure function of its inputs.
type RuleEngine struct {
	MinMargin            float64 // minimum margin over the base rate
	MaxCeilingMultiplier float64 // absolute ceiling as a multiple of base rate
	CompetitorBand       float64 // tolerated deviation from competitor average
	MaxRateChange        float64 // max relative change vs last quoted price
	SmoothingAlpha       float64 // exponential smoothing weight on the new price
}

// NewRuleEngine returns the production rule engine configuration.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{
		MinMargin:            0.15,
		MaxCeilingMultiplier: 3.0,
		CompetitorBand:       0.20,
		MaxRateChange:        0.08,
		SmoothingAlpha:       0.3,
	}
}

// Calculate applies all factors in fixed order, then the guardrails.
func (e *RuleEngine) Calculate(f RuleFactors) RuleResult {
	price := f.BaselineML
	factors := map[string]float64{}
	breakdown := map[string]float64{"baseline_ml": f.BaselineML}
	var guardrails []string

	apply := func(name, breakdownKey string, factor float64) {
		price *= factor
		factors[name] = factor
		breakdown[breakdownKey] = price
	}

	apply("utilization", "after_utilization", utilizationFactor(f.UtilizationRate))
	apply("lead_time", "after_lead_time", leadTimeFactor(f.LeadTimeDays))
	apply("duration", "after_duration", durationFactor(f.RentalDays))

	if f.BookingHour >= 0 {
		apply("late_night", "after_late_night", lateNightFactor(f.BookingHour))
	}

	weekend := weekendFactor(f.DayOfWeek)
	season := seasonFactor(f.Month)
	price *= weekend * season
	factors["weekend"] = weekend
	factors["season"] = season
	breakdown["after_temporal"] = price

	apply("demand", "after_demand", demandFactor(f.DemandIndex))

	// Guardrails, in order: cost floor, absolute ceiling, competitor band,
	// rate-of-change clamp, exponential smoothing.
	costFloor := f.BaseDailyRate * (1 + e.MinMargin)
	if price < costFloor {
		price = costFloor
		guardrails = append(guardrails, "cost_floor")
		breakdown["cost_floor_applied"] = costFloor
	}

	ceiling := f.BaseDailyRate * e.MaxCeilingMultiplier
	if price > ceiling {
		price = ceiling
		guardrails = append(guardrails, "absolute_ceiling")
		breakdown["ceiling_applied"] = ceiling
	}

	if f.CompetitorAvg > 0 {
		lower := f.CompetitorAvg * (1 - e.CompetitorBand)
		upper := f.CompetitorAvg * (1 + e.CompetitorBand)
		if price < lower {
			price = lower
			guardrails = append(guardrails, "competitor_floor")
			breakdown["competitor_floor"] = lower
		} else if price > upper {
			price = upper
			guardrails = append(guardrails, "competitor_ceiling")
			breakdown["competitor_ceiling"] = upper
		}
	}

	if f.LastQuotedPrice > 0 {
		maxUp := f.LastQuotedPrice * (1 + e.MaxRateChange)
		maxDown := f.LastQuotedPrice * (1 - e.MaxRateChange)
		if price > maxUp {
			price = maxUp
			guardrails = append(guardrails, "rate_change_cap")
			breakdown["rate_change_cap"] = maxUp
		} else if price < maxDown {
			price = maxDown
			guardrails = append(guardrails, "rate_change_floor")
			breakdown["rate_change_floor"] = maxDown
		}

		price = e.SmoothingAlpha*price + (1-e.SmoothingAlpha)*f.LastQuotedPrice
		guardrails = append(guardrails, "exponential_smoothing")
		breakdown["after_smoothing"] = price
	}

	breakdown["final_price"] = price

	return RuleResult{
		FinalPricePerDay:  round2(price),
		BaselinePrice:     f.BaselineML,
		FactorsApplied:    factors,
		GuardrailsApplied: guardrails,
		Breakdown:         breakdown,
	}
}

func utilizationFactor(rate float64) float64 {
	switch {
	case rate <= 0.3:
		return 0.90
	case rate <= 0.5:
		return 0.95
	case rate <= 0.7:
		return 1.00
	case rate <= 0.85:
		return 1.10
	default:
		return 1.20
	}
}

func leadTimeFactor(days int) float64 {
	switch {
	case days < 1:
		return 1.25
	case days < 3:
		return 1.15
	case days < 7:
		return 1.05
	case days < 14:
		return 1.00
	case days < 30:
		return 0.95
	default:
		return 0.90
	}
}

func durationFactor(days int) float64 {
	switch {
	case days >= 30:
		return 0.80
	case days >= 15:
		return 0.82
	case days >= 14:
		return 0.85
	case days >= 8:
		return 0.88
	case days >= 7:
		return 0.90
	case days >= 4:
		return 0.95
	case days >= 3:
		return 0.97
	default:
		return 1.00
	}
}

func lateNightFactor(hour int) float64 {
	if hour >= 22 || hour <= 5 {
		return 1.10
	}
	return 1.00
}

// weekendFactor uses Saudi weekend days: Thursday, Friday, Saturday.
// DayOfWeek is 0-based on Monday, so those are 3, 4, 5.
func weekendFactor(dayOfWeek int) float64 {
	if dayOfWeek == 3 || dayOfWeek == 4 || dayOfWeek == 5 {
		return 1.10
	}
	return 1.00
}

// seasonFactor reflects the Saudi climate: Oct-Apr is peak season,
// Jul-Aug is too hot, the rest is shoulder.
func seasonFactor(month int) float64 {
	switch month {
	case 10, 11, 12, 1, 2, 3, 4:
		return 1.15
	case 7, 8:
		return 0.90
	default:
		return 0.95
	}
}

func demandFactor(index float64) float64 {
	switch {
	case index < 0.2:
		return 0.90
	case index < 0.4:
		return 0.95
	case index < 0.6:
		return 1.00
	case index < 0.8:
		return 1.10
	default:
		return 1.20
	}
}
