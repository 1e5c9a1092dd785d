package forecast

import (
	"math"

	"github.com/ppirong/townly-sub003/internal/models"
)

// Summary condenses a run of forecast records for answer text.
type Summary struct {
	Count           int
	TempMin         float64
	TempMax         float64
	MaxPrecip       int
	Dominant        WeatherCondition
	WetHours        int
	FirstWetHour    int // -1 when no record is wet
	FirstRecordDate string
}

// Summarize computes min/max temperature, the highest precipitation
// probability and the most frequent condition. Ties between conditions go
// to the wetter one so rain is never hidden by an equal count of clear hours.
func Summarize(records []models.ForecastRecord) Summary {
	s := Summary{
		TempMin:      math.Inf(1),
		TempMax:      math.Inf(-1),
		FirstWetHour: -1,
	}
	if len(records) == 0 {
		s.TempMin, s.TempMax = 0, 0
		s.Dominant = ConditionUnknown
		return s
	}

	counts := make(map[WeatherCondition]int)
	var order []WeatherCondition
	for _, r := range records {
		s.Count++
		low := r.Temperature
		if r.TempMin != nil {
			low = *r.TempMin
		}
		s.TempMin = math.Min(s.TempMin, low)
		s.TempMax = math.Max(s.TempMax, r.Temperature)
		s.MaxPrecip = max(s.MaxPrecip, r.PrecipProbability)

		c := Classify(r.ConditionCode, r.Condition)
		if counts[c] == 0 {
			order = append(order, c)
		}
		counts[c]++
		if c.IsWet() {
			s.WetHours++
			if s.FirstWetHour < 0 && r.Granularity != models.GranularityDaily {
				s.FirstWetHour = models.Normalize(r.ForecastAt).Hour()
			}
		}
	}
	s.FirstRecordDate = records[0].ForecastDate()

	for _, c := range order {
		switch {
		case s.Dominant == "":
			s.Dominant = c
		case counts[c] > counts[s.Dominant]:
			s.Dominant = c
		case counts[c] == counts[s.Dominant] && c.IsWet() && !s.Dominant.IsWet():
			s.Dominant = c
		}
	}
	return s
}
