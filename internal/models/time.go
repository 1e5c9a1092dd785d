package models

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// CanonicalZone is the zone every forecast timestamp is normalized to.
var CanonicalZone = loadCanonicalZone()

func loadCanonicalZone() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}

// Normalize converts an upstream timestamp into the canonical zone with
// second precision. All provider payloads go through this function.
func Normalize(t time.Time) time.Time {
	return t.In(CanonicalZone).Truncate(time.Second)
}

// DateString formats t as YYYY-MM-DD in the canonical zone.
func DateString(t time.Time) string {
	return Normalize(t).Format(time.DateOnly)
}

// StartOfDay returns midnight of t's canonical-zone date.
func StartOfDay(t time.Time) time.Time {
	n := Normalize(t)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, CanonicalZone)
}

// FormatCoordinates renders a coordinate pair the way the location resolver expects.
func FormatCoordinates(lat, lon float64) string {
	return fmt.Sprintf("%.4f,%.4f", lat, lon)
}
