package pricing

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestRuleEngineNeutralInputs(t *testing.T) {
	e := NewRuleEngine()
	// All factors neutral except season (May = 0.95):
	// 200 * 1.0 * 1.0 * 1.0 * 1.0 * 0.95 * 1.0 = 190
	res := e.Calculate(RuleFactors{
		BaselineML:      200,
		BaseDailyRate:   100,
		RentalDays:      1,
		LeadTimeDays:    10,
		UtilizationRate: 0.6,
		DemandIndex:     0.5,
		DayOfWeek:       0, // Monday
		Month:           5,
		BookingHour:     -1,
	})
	if !almostEqual(res.FinalPricePerDay, 190) {
		t.Errorf("final = %v, want 190", res.FinalPricePerDay)
	}
	if len(res.GuardrailsApplied) != 0 {
		t.Errorf("guardrails = %v, want none", res.GuardrailsApplied)
	}
	if _, ok := res.FactorsApplied["late_night"]; ok {
		t.Error("late_night must be skipped when booking hour is unknown")
	}
	if !almostEqual(res.Breakdown["baseline_ml"], 200) || !almostEqual(res.Breakdown["final_price"], 190) {
		t.Errorf("breakdown = %v", res.Breakdown)
	}
}

func TestRuleEngineHotEverything(t *testing.T) {
	e := NewRuleEngine()
	// 100 * 1.20 (util .9) * 1.25 (lead 0) * 1.00 (1 day) * 1.10 (23h)
	//     * 1.10 (Friday) * 1.15 (Dec) * 1.20 (demand .9) = 250.47
	res := e.Calculate(RuleFactors{
		BaselineML:      100,
		BaseDailyRate:   100,
		RentalDays:      1,
		LeadTimeDays:    0,
		UtilizationRate: 0.9,
		DemandIndex:     0.9,
		DayOfWeek:       4,
		Month:           12,
		BookingHour:     23,
	})
	want := 100.0 * 1.20 * 1.25 * 1.10 * 1.10 * 1.15 * 1.20
	if !almostEqual(res.FinalPricePerDay, round2(want)) {
		t.Errorf("final = %v, want %v", res.FinalPricePerDay, round2(want))
	}
}

func TestRuleEngineCostFloor(t *testing.T) {
	e := NewRuleEngine()
	// Cheap baseline against an expensive fleet: floor = 200*1.15 = 230.
	res := e.Calculate(RuleFactors{
		BaselineML:      50,
		BaseDailyRate:   200,
		RentalDays:      30, // 0.80
		LeadTimeDays:    60, // 0.90
		UtilizationRate: 0.1,
		DemandIndex:     0.1,
		DayOfWeek:       0,
		Month:           7,
		BookingHour:     -1,
	})
	if !almostEqual(res.FinalPricePerDay, 230) {
		t.Errorf("final = %v, want cost floor 230", res.FinalPricePerDay)
	}
	if !contains(res.GuardrailsApplied, "cost_floor") {
		t.Errorf("guardrails = %v, want cost_floor", res.GuardrailsApplied)
	}
}

func TestRuleEngineAbsoluteCeiling(t *testing.T) {
	e := NewRuleEngine()
	res := e.Calculate(RuleFactors{
		BaselineML:      5000,
		BaseDailyRate:   100,
		RentalDays:      1,
		LeadTimeDays:    0,
		UtilizationRate: 0.95,
		DemandIndex:     0.95,
		DayOfWeek:       4,
		Month:           12,
		BookingHour:     23,
	})
	if !almostEqual(res.FinalPricePerDay, 300) {
		t.Errorf("final = %v, want 3x base = 300", res.FinalPricePerDay)
	}
	if !contains(res.GuardrailsApplied, "absolute_ceiling") {
		t.Errorf("guardrails = %v", res.GuardrailsApplied)
	}
}

func TestRuleEngineCompetitorBand(t *testing.T) {
	e := NewRuleEngine()

	// Price lands far below the competitor average: pulled up to -20%.
	low := e.Calculate(RuleFactors{
		BaselineML:      140,
		BaseDailyRate:   100,
		RentalDays:      30,
		LeadTimeDays:    60,
		UtilizationRate: 0.1,
		DemandIndex:     0.1,
		DayOfWeek:       0,
		Month:           7,
		BookingHour:     -1,
		CompetitorAvg:   300,
	})
	if !almostEqual(low.FinalPricePerDay, 240) {
		t.Errorf("final = %v, want competitor floor 240", low.FinalPricePerDay)
	}
	if !contains(low.GuardrailsApplied, "competitor_floor") {
		t.Errorf("guardrails = %v", low.GuardrailsApplied)
	}

	// Price lands far above: capped at +20%.
	high := e.Calculate(RuleFactors{
		BaselineML:      280,
		BaseDailyRate:   200,
		RentalDays:      1,
		LeadTimeDays:    0,
		UtilizationRate: 0.9,
		DemandIndex:     0.9,
		DayOfWeek:       4,
		Month:           12,
		BookingHour:     23,
		CompetitorAvg:   200,
	})
	if !almostEqual(high.FinalPricePerDay, 240) {
		t.Errorf("final = %v, want competitor ceiling 240", high.FinalPricePerDay)
	}
	if !contains(high.GuardrailsApplied, "competitor_ceiling") {
		t.Errorf("guardrails = %v", high.GuardrailsApplied)
	}
}

func TestRuleEngineRateChangeAndSmoothing(t *testing.T) {
	e := NewRuleEngine()
	// Raw factors push far above the last quote of 100; the clamp caps the
	// move at +8% (108), then smoothing: 0.3*108 + 0.7*100 = 102.4.
	res := e.Calculate(RuleFactors{
		BaselineML:      150,
		BaseDailyRate:   100,
		RentalDays:      1,
		LeadTimeDays:    0,
		UtilizationRate: 0.9,
		DemandIndex:     0.9,
		DayOfWeek:       4,
		Month:           12,
		BookingHour:     23,
		LastQuotedPrice: 100,
	})
	if !almostEqual(res.FinalPricePerDay, 102.4) {
		t.Errorf("final = %v, want 102.4", res.FinalPricePerDay)
	}
	if !contains(res.GuardrailsApplied, "rate_change_cap") || !contains(res.GuardrailsApplied, "exponential_smoothing") {
		t.Errorf("guardrails = %v", res.GuardrailsApplied)
	}

	// Downward moves clamp symmetrically: floor at -8% (92), then
	// 0.3*92 + 0.7*100 = 97.6.
	down := e.Calculate(RuleFactors{
		BaselineML:      120,
		BaseDailyRate:   60,
		RentalDays:      30,
		LeadTimeDays:    60,
		UtilizationRate: 0.1,
		DemandIndex:     0.1,
		DayOfWeek:       0,
		Month:           7,
		BookingHour:     -1,
		LastQuotedPrice: 100,
	})
	if !almostEqual(down.FinalPricePerDay, 97.6) {
		t.Errorf("final = %v, want 97.6", down.FinalPricePerDay)
	}
	if !contains(down.GuardrailsApplied, "rate_change_floor") {
		t.Errorf("guardrails = %v", down.GuardrailsApplied)
	}
}

func TestRuleEngineBreakdownKeys(t *testing.T) {
	e := NewRuleEngine()
	res := e.Calculate(RuleFactors{
		BaselineML:      200,
		BaseDailyRate:   150,
		RentalDays:      7,
		LeadTimeDays:    5,
		UtilizationRate: 0.75,
		DemandIndex:     0.7,
		DayOfWeek:       3,
		Month:           1,
		BookingHour:     14,
		CompetitorAvg:   210,
		LastQuotedPrice: 205,
	})
	for _, key := range []string{
		"baseline_ml", "after_utilization", "after_lead_time", "after_duration",
		"after_late_night", "after_temporal", "after_demand", "after_smoothing",
		"final_price",
	} {
		if _, ok := res.Breakdown[key]; !ok {
			t.Errorf("breakdown missing %q", key)
		}
	}
}

func TestFactorBoundaries(t *testing.T) {
	if got := durationFactor(29); got != 0.82 {
		t.Errorf("durationFactor(29) = %v, want 0.82", got)
	}
	if got := durationFactor(30); got != 0.80 {
		t.Errorf("durationFactor(30) = %v, want 0.80", got)
	}
	if got := seasonFactor(4); got != 1.15 {
		t.Errorf("seasonFactor(4) = %v, want 1.15", got)
	}
	if got := seasonFactor(5); got != 0.95 {
		t.Errorf("seasonFactor(5) = %v, want 0.95", got)
	}
	if got := seasonFactor(8); got != 0.90 {
		t.Errorf("seasonFactor(8) = %v, want 0.90", got)
	}
	if got := seasonFactor(9); got != 0.95 {
		t.Errorf("seasonFactor(9) = %v, want 0.95", got)
	}
	if got := lateNightFactor(22); got != 1.10 {
		t.Errorf("lateNightFactor(22) = %v, want 1.10", got)
	}
	if got := lateNightFactor(6); got != 1.00 {
		t.Errorf("lateNightFactor(6) = %v, want 1.00", got)
	}
	if got := weekendFactor(2); got != 1.00 {
		t.Errorf("weekendFactor(2) = %v, want 1.00 (Wednesday)", got)
	}
	if got := weekendFactor(3); got != 1.10 {
		t.Errorf("weekendFactor(3) = %v, want 1.10 (Thursday)", got)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
