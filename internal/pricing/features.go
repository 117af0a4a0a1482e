package pricing

import "time"

// Weather defaults used until a live feed is attached.
const (
	DefaultAvgTemp = 25.0
	DefaultRain    = 0.0
	DefaultWind    = 10.0
)

// Features assembles the model feature vector in training order.
// avgCompetitorPrice falls back to the base rate when no market data exists.
func Features(rentalDays int, pickup time.Time, baseDailyRate, avgCompetitorPrice, demandIndex float64) [FeatureCount]float64 {
	if avgCompetitorPrice <= 0 {
		avgCompetitorPrice = baseDailyRate
	}
	var f [FeatureCount]float64
	f[FeatRentalLengthDays] = float64(rentalDays)
	f[FeatDayOfWeek] = float64(mondayWeekday(pickup))
	f[FeatMonth] = float64(pickup.Month())
	f[FeatBaseDailyRate] = baseDailyRate
	f[FeatAvgTemp] = DefaultAvgTemp
	f[FeatRain] = DefaultRain
	f[FeatWind] = DefaultWind
	f[FeatAvgCompetitorPrice] = avgCompetitorPrice
	f[FeatDemandIndex] = demandIndex
	f[FeatBias] = 1.0
	return f
}

// FeatureMap expands the vector into named fields for decision records.
func FeatureMap(f [FeatureCount]float64) map[string]float64 {
	return map[string]float64{
		"rental_length_days":   f[FeatRentalLengthDays],
		"day_of_week":          f[FeatDayOfWeek],
		"month":                f[FeatMonth],
		"base_daily_rate":      f[FeatBaseDailyRate],
		"avg_temp":             f[FeatAvgTemp],
		"rain":                 f[FeatRain],
		"wind":                 f[FeatWind],
		"avg_competitor_price": f[FeatAvgCompetitorPrice],
		"demand_index":         f[FeatDemandIndex],
		"bias":                 f[FeatBias],
	}
}

// mondayWeekday maps Go's Sunday-based weekday to the 0=Monday convention
// the model was trained with.
func mondayWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// IsSaudiWeekend reports whether t falls on Thursday, Friday, or Saturday.
func IsSaudiWeekend(t time.Time) bool {
	w := mondayWeekday(t)
	return w == 3 || w == 4 || w == 5
}
