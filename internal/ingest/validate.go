package ingest

import (
	"encoding/json"
	"math"

	"github.com/ppirong/townly-sub003/internal/models"
)

const (
	FlagTempOutOfRange     = "temp_out_of_range"
	FlagTempMinAboveMax    = "temp_min_above_max"
	FlagPrecipOutOfRange   = "precip_out_of_range"
	FlagMissingTimestamp   = "missing_timestamp"
	FlagMissingLocationKey = "missing_location_key"
	FlagUnknownGranularity = "unknown_granularity"
)

// Flags that make a record unusable. Anything else is logged and kept.
var rejectFlags = map[string]bool{
	FlagTempOutOfRange:     true,
	FlagMissingTimestamp:   true,
	FlagMissingLocationKey: true,
	FlagUnknownGranularity: true,
}

// ValidateRecord returns quality flags for a forecast record. Korean
// temperature extremes sit well inside -40..50.
func ValidateRecord(r models.ForecastRecord) []string {
	var flags []string

	if math.IsNaN(r.Temperature) || r.Temperature < -40 || r.Temperature > 50 {
		flags = append(flags, FlagTempOutOfRange)
	}
	if r.TempMin != nil && *r.TempMin > r.Temperature {
		flags = append(flags, FlagTempMinAboveMax)
	}
	if r.PrecipProbability < 0 || r.PrecipProbability > 100 {
		flags = append(flags, FlagPrecipOutOfRange)
	}
	if r.ForecastAt.IsZero() {
		flags = append(flags, FlagMissingTimestamp)
	}
	if r.LocationKey == "" {
		flags = append(flags, FlagMissingLocationKey)
	}
	if !r.Granularity.Valid() {
		flags = append(flags, FlagUnknownGranularity)
	}

	return flags
}

// Usable reports whether none of the flags reject the record.
func Usable(flags []string) bool {
	for _, f := range flags {
		if rejectFlags[f] {
			return false
		}
	}
	return true
}

func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}
