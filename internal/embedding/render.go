package embedding

import (
	"fmt"
	"strings"

	"github.com/ppirong/townly-sub003/internal/forecast"
	"github.com/ppirong/townly-sub003/internal/models"
)

// Render turns a forecast record into the sentence that gets embedded.
//
//	On 2025-09-28 at 14:00 in Seoul: 19°C, showers (비), 80% precipitation
func Render(r models.ForecastRecord) string {
	at := models.Normalize(r.ForecastAt)
	cond := describe(r)

	switch r.Granularity {
	case models.GranularityDaily:
		if r.TempMin != nil {
			return fmt.Sprintf("On %s in %s: high %s, low %s, %s, %d%% precipitation",
				at.Format("2006-01-02"), r.LocationName, celsius(r.Temperature), celsius(*r.TempMin),
				cond, r.PrecipProbability)
		}
		return fmt.Sprintf("On %s in %s: high %s, %s, %d%% precipitation",
			at.Format("2006-01-02"), r.LocationName, celsius(r.Temperature), cond, r.PrecipProbability)
	case models.GranularityCurrent:
		return fmt.Sprintf("Current conditions on %s at %s in %s: %s, %s, %d%% precipitation",
			at.Format("2006-01-02"), at.Format("15:04"), r.LocationName, celsius(r.Temperature),
			cond, r.PrecipProbability)
	}
	return fmt.Sprintf("On %s at %s in %s: %s, %s, %d%% precipitation",
		at.Format("2006-01-02"), at.Format("15:00"), r.LocationName, celsius(r.Temperature),
		cond, r.PrecipProbability)
}

func describe(r models.ForecastRecord) string {
	c := forecast.Classify(r.ConditionCode, r.Condition)
	phrase := strings.ToLower(strings.TrimSpace(r.Condition))
	if phrase == "" {
		phrase = strings.ReplaceAll(string(c), "_", " ")
	}
	if c == forecast.ConditionUnknown {
		return phrase
	}
	return fmt.Sprintf("%s (%s)", phrase, c.Korean())
}

func celsius(v float64) string {
	return fmt.Sprintf("%.0f°C", v)
}
