package models

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Granularity is the resolution of a forecast record. It doubles as the
// content-type tag of a weather embedding.
type Granularity string

const (
	GranularityHourly  Granularity = "hourly"
	GranularityDaily   Granularity = "daily"
	GranularityCurrent Granularity = "current"
)

func (g Granularity) Valid() bool {
	switch g {
	case GranularityHourly, GranularityDaily, GranularityCurrent:
		return true
	}
	return false
}

// ForecastRecord is one normalized forecast fact for a location. Owner is
// empty for location-only records that are shared by every user.
type ForecastRecord struct {
	ID                int64       `json:"id,omitempty"`
	Owner             string      `json:"owner,omitempty"`
	LocationKey       string      `json:"locationKey"`
	LocationName      string      `json:"locationName"`
	Granularity       Granularity `json:"granularity"`
	ForecastAt        time.Time   `json:"forecastAt"`
	Temperature       float64     `json:"temperature"`
	TempMin           *float64    `json:"tempMin,omitempty"`
	PrecipProbability int         `json:"precipProbability"`
	ConditionCode     int         `json:"conditionCode"`
	Condition         string      `json:"condition"`
	FetchedAt         time.Time   `json:"fetchedAt"`
	CreatedAt         time.Time   `json:"createdAt,omitempty"`
}

// ForecastDate is the calendar date of the record in the canonical zone.
func (r ForecastRecord) ForecastDate() string {
	return DateString(r.ForecastAt)
}

// ForecastHour is the hour of day in the canonical zone. Daily records have no hour.
func (r ForecastRecord) ForecastHour() sql.NullInt64 {
	if r.Granularity == GranularityDaily {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(Normalize(r.ForecastAt).Hour()), Valid: true}
}

// WeatherEmbedding pairs a rendered forecast sentence with its embedding
// vector. Rows are immutable once written.
type WeatherEmbedding struct {
	ID           int64
	Owner        string
	ContentType  Granularity
	LocationName string
	ForecastDate string // YYYY-MM-DD, canonical zone
	ForecastHour sql.NullInt64
	Content      string
	Vector       []float32
	Model        string
	CreatedAt    time.Time
}

// UserLocation is a place a user wants forecasts collected for.
type UserLocation struct {
	UserID      string
	Name        string
	Latitude    sql.NullFloat64
	Longitude   sql.NullFloat64
	LocationKey sql.NullString
	Active      bool
	UpdatedAt   time.Time
}

// NewUserLocation builds an active location from user input. Coordinates
// are optional but must be given as a pair.
func NewUserLocation(userID, name string, lat, lon *float64) (UserLocation, error) {
	u := UserLocation{UserID: strings.TrimSpace(userID), Name: strings.TrimSpace(name), Active: true}
	var errs []error
	if u.UserID == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if u.Name == "" {
		errs = append(errs, errors.New("location name is required"))
	}
	switch {
	case (lat == nil) != (lon == nil):
		errs = append(errs, errors.New("latitude and longitude must be given together"))
	case lat != nil:
		if *lat < -90 || *lat > 90 {
			errs = append(errs, errors.New("latitude must be within [-90, 90]"))
		}
		if *lon < -180 || *lon > 180 {
			errs = append(errs, errors.New("longitude must be within [-180, 180]"))
		}
		u.Latitude = sql.NullFloat64{Float64: *lat, Valid: true}
		u.Longitude = sql.NullFloat64{Float64: *lon, Valid: true}
	}
	return u, errors.Join(errs...)
}

// Query returns what should be sent to the location resolver: coordinates
// when present, otherwise the free-text name.
func (u UserLocation) Query() string {
	if u.Latitude.Valid && u.Longitude.Valid {
		return FormatCoordinates(u.Latitude.Float64, u.Longitude.Float64)
	}
	return u.Name
}

// DailyAPIStats aggregates upstream calls for one provider on one day.
type DailyAPIStats struct {
	Provider       string  `json:"provider"`
	Day            string  `json:"day"`
	TotalCalls     int     `json:"totalCalls"`
	SuccessCalls   int     `json:"successCalls"`
	FailedCalls    int     `json:"failedCalls"`
	TotalLatencyMs int64   `json:"-"`
	HourHistogram  [24]int `json:"hourHistogram"`
}

// AvgLatencyMs returns the mean call latency in milliseconds.
func (s DailyAPIStats) AvgLatencyMs() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.TotalLatencyMs) / float64(s.TotalCalls)
}
