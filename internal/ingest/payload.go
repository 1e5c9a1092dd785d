package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ppirong/townly-sub003/internal/models"
)

// Payload is a decoded provider response. Each variant converts itself to
// forecast records; timestamps pass through models.Normalize exactly once.
type Payload interface {
	Granularity() models.Granularity
	Records(owner string) []models.ForecastRecord
	RawBody() []byte
	Problems() []string
}

type payloadBase struct {
	Location  Location
	FetchedAt time.Time
	Raw       []byte
	problems  []string
}

func (p *payloadBase) RawBody() []byte    { return p.Raw }
func (p *payloadBase) Problems() []string { return p.problems }

func (p *payloadBase) record(owner string, g models.Granularity) models.ForecastRecord {
	return models.ForecastRecord{
		Owner:        owner,
		LocationKey:  p.Location.Key,
		LocationName: p.Location.Name,
		Granularity:  g,
		FetchedAt:    p.FetchedAt.UTC(),
	}
}

type measurement struct {
	Value float64 `json:"Value"`
	Unit  string  `json:"Unit"`
}

type hourlyForecast struct {
	DateTime                 string      `json:"DateTime"`
	EpochDateTime            int64       `json:"EpochDateTime"`
	WeatherIcon              int         `json:"WeatherIcon"`
	IconPhrase               string      `json:"IconPhrase"`
	Temperature              measurement `json:"Temperature"`
	PrecipitationProbability int         `json:"PrecipitationProbability"`
}

// HourlyPayload is the 12-hour forecast.
type HourlyPayload struct {
	payloadBase
	Hours []hourlyForecast
}

func (p *HourlyPayload) Granularity() models.Granularity { return models.GranularityHourly }

func (p *HourlyPayload) Records(owner string) []models.ForecastRecord {
	records := make([]models.ForecastRecord, 0, len(p.Hours))
	for _, h := range p.Hours {
		at, err := timestamp(h.EpochDateTime, h.DateTime)
		if err != nil {
			continue
		}
		r := p.record(owner, models.GranularityHourly)
		r.ForecastAt = at
		r.Temperature = h.Temperature.Value
		r.PrecipProbability = clampPercent(h.PrecipitationProbability)
		r.ConditionCode = h.WeatherIcon
		r.Condition = h.IconPhrase
		records = append(records, r)
	}
	return records
}

type dailyHalf struct {
	Icon                     int    `json:"Icon"`
	IconPhrase               string `json:"IconPhrase"`
	PrecipitationProbability int    `json:"PrecipitationProbability"`
}

type dailyForecast struct {
	Date        string `json:"Date"`
	EpochDate   int64  `json:"EpochDate"`
	Temperature struct {
		Minimum measurement `json:"Minimum"`
		Maximum measurement `json:"Maximum"`
	} `json:"Temperature"`
	Day   dailyHalf `json:"Day"`
	Night dailyHalf `json:"Night"`
}

// DailyPayload is the 5-day forecast.
type DailyPayload struct {
	payloadBase
	Headline string
	Days     []dailyForecast
}

func (p *DailyPayload) Granularity() models.Granularity { return models.GranularityDaily }

// Records uses the daytime icon for the condition and the wetter half of
// the day for the precipitation probability.
func (p *DailyPayload) Records(owner string) []models.ForecastRecord {
	records := make([]models.ForecastRecord, 0, len(p.Days))
	for _, d := range p.Days {
		at, err := timestamp(d.EpochDate, d.Date)
		if err != nil {
			continue
		}
		low := d.Temperature.Minimum.Value
		r := p.record(owner, models.GranularityDaily)
		r.ForecastAt = models.StartOfDay(at)
		r.Temperature = d.Temperature.Maximum.Value
		r.TempMin = &low
		r.PrecipProbability = clampPercent(max(d.Day.PrecipitationProbability, d.Night.PrecipitationProbability))
		r.ConditionCode = d.Day.Icon
		r.Condition = d.Day.IconPhrase
		records = append(records, r)
	}
	return records
}

type currentObservation struct {
	LocalObservationDateTime string `json:"LocalObservationDateTime"`
	EpochTime                int64  `json:"EpochTime"`
	WeatherText              string `json:"WeatherText"`
	WeatherIcon              int    `json:"WeatherIcon"`
	HasPrecipitation         bool   `json:"HasPrecipitation"`
	Temperature              struct {
		Metric measurement `json:"Metric"`
	} `json:"Temperature"`
}

// CurrentPayload is the latest observation.
type CurrentPayload struct {
	payloadBase
	Observation currentObservation
}

func (p *CurrentPayload) Granularity() models.Granularity { return models.GranularityCurrent }

func (p *CurrentPayload) Records(owner string) []models.ForecastRecord {
	o := p.Observation
	at, err := timestamp(o.EpochTime, o.LocalObservationDateTime)
	if err != nil {
		return nil
	}
	r := p.record(owner, models.GranularityCurrent)
	r.ForecastAt = at
	r.Temperature = o.Temperature.Metric.Value
	if o.HasPrecipitation {
		r.PrecipProbability = 100
	}
	r.ConditionCode = o.WeatherIcon
	r.Condition = o.WeatherText
	return []models.ForecastRecord{r}
}

func ParseHourly(loc Location, body []byte, fetchedAt time.Time) (*HourlyPayload, error) {
	var hours []hourlyForecast
	if err := json.Unmarshal(body, &hours); err != nil {
		return nil, fmt.Errorf("unmarshal hourly: %w", err)
	}
	p := &HourlyPayload{payloadBase: payloadBase{Location: loc, FetchedAt: fetchedAt, Raw: body}}
	for i, h := range hours {
		if _, err := timestamp(h.EpochDateTime, h.DateTime); err != nil {
			p.problems = append(p.problems, fmt.Sprintf("hour[%d]: %v", i, err))
			continue
		}
		p.Hours = append(p.Hours, h)
	}
	return p, nil
}

func ParseDaily(loc Location, body []byte, fetchedAt time.Time) (*DailyPayload, error) {
	var data struct {
		Headline struct {
			Text string `json:"Text"`
		} `json:"Headline"`
		DailyForecasts []dailyForecast `json:"DailyForecasts"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("unmarshal daily: %w", err)
	}
	p := &DailyPayload{
		payloadBase: payloadBase{Location: loc, FetchedAt: fetchedAt, Raw: body},
		Headline:    data.Headline.Text,
	}
	for i, d := range data.DailyForecasts {
		if _, err := timestamp(d.EpochDate, d.Date); err != nil {
			p.problems = append(p.problems, fmt.Sprintf("day[%d]: %v", i, err))
			continue
		}
		p.Days = append(p.Days, d)
	}
	return p, nil
}

func ParseCurrent(loc Location, body []byte, fetchedAt time.Time) (*CurrentPayload, error) {
	var obs []currentObservation
	if err := json.Unmarshal(body, &obs); err != nil {
		return nil, fmt.Errorf("unmarshal current: %w", err)
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("no current conditions returned for %s", loc.Key)
	}
	if _, err := timestamp(obs[0].EpochTime, obs[0].LocalObservationDateTime); err != nil {
		return nil, fmt.Errorf("current conditions: %w", err)
	}
	return &CurrentPayload{
		payloadBase: payloadBase{Location: loc, FetchedAt: fetchedAt, Raw: body},
		Observation: obs[0],
	}, nil
}

// timestamp prefers the epoch field and falls back to the RFC 3339 string.
func timestamp(epoch int64, s string) (time.Time, error) {
	if epoch > 0 {
		return models.Normalize(time.Unix(epoch, 0)), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return models.Normalize(t), nil
}

func clampPercent(v int) int {
	return min(max(v, 0), 100)
}
