// Package ingesttest provides a fake AccuWeather API for tests.
package ingesttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

type location struct {
	Key           string `json:"Key"`
	LocalizedName string `json:"LocalizedName"`
	EnglishName   string `json:"EnglishName"`
}

var knownLocations = map[string]location{
	"seoul": {Key: "226081", LocalizedName: "서울", EnglishName: "Seoul"},
	"서울":    {Key: "226081", LocalizedName: "서울", EnglishName: "Seoul"},
	"busan": {Key: "223551", LocalizedName: "부산", EnglishName: "Busan"},
	"부산":    {Key: "223551", LocalizedName: "부산", EnglishName: "Busan"},
}

// Server answers the location, forecast and current-conditions endpoints
// with deterministic data starting at Base.
type Server struct {
	*httptest.Server

	mu     sync.Mutex
	base   time.Time
	fail   map[string]int
	gates  map[string]chan struct{}
	hits   map[string]int
	apiKey string
}

// NewServer starts a fake whose first hourly forecast is at base.
func NewServer(base time.Time) *Server {
	s := &Server{
		base:  base,
		fail:  make(map[string]int),
		gates: make(map[string]chan struct{}),
		hits:  make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Fail makes every request whose path contains fragment return status.
// A zero status clears the failure.
func (s *Server) Fail(fragment string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.fail, fragment)
		return
	}
	s.fail[fragment] = status
}

// Hold makes requests whose path contains fragment wait until the returned
// release func is called.
func (s *Server) Hold(fragment string) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[fragment] = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.gates, fragment)
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Hits counts requests whose path contains fragment.
func (s *Server) Hits(fragment string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for path, c := range s.hits {
		if strings.Contains(path, fragment) {
			n += c
		}
	}
	return n
}

// LastAPIKey is the apikey parameter of the most recent request.
func (s *Server) LastAPIKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiKey
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	s.apiKey = r.URL.Query().Get("apikey")
	for fragment, status := range s.fail {
		if strings.Contains(r.URL.Path, fragment) {
			s.mu.Unlock()
			http.Error(w, `{"Code":"ServiceUnavailable","Message":"fake failure"}`, status)
			return
		}
	}
	var gate chan struct{}
	for fragment, g := range s.gates {
		if strings.Contains(r.URL.Path, fragment) {
			gate = g
		}
	}
	base := s.base
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/locations/v1/cities/geoposition/search"):
		writeJSON(w, knownLocations["seoul"])
	case strings.HasPrefix(path, "/locations/v1/cities/search"):
		q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
		if loc, ok := knownLocations[q]; ok {
			writeJSON(w, []location{loc})
			return
		}
		writeJSON(w, []location{})
	case strings.HasPrefix(path, "/forecasts/v1/hourly/12hour/"):
		writeJSON(w, hourly(base))
	case strings.HasPrefix(path, "/forecasts/v1/daily/5day/"):
		writeJSON(w, daily(base))
	case strings.HasPrefix(path, "/currentconditions/v1/"):
		writeJSON(w, current(base))
	default:
		http.NotFound(w, r)
	}
}

// HourlyTemperature is the temperature the fake reports for hour i.
func HourlyTemperature(i int) float64 { return 18 + float64(i)*0.5 }

func hourly(base time.Time) []map[string]any {
	out := make([]map[string]any, 0, 12)
	for i := range 12 {
		at := base.Add(time.Duration(i) * time.Hour)
		icon, phrase, precip := 12, "Showers", 80
		if i >= 6 {
			icon, phrase, precip = 1, "Sunny", 10
		}
		out = append(out, map[string]any{
			"DateTime":                 at.Format(time.RFC3339),
			"EpochDateTime":            at.Unix(),
			"WeatherIcon":              icon,
			"IconPhrase":               phrase,
			"Temperature":              map[string]any{"Value": HourlyTemperature(i), "Unit": "C"},
			"PrecipitationProbability": precip,
		})
	}
	return out
}

func daily(base time.Time) map[string]any {
	day := time.Date(base.Year(), base.Month(), base.Day(), 7, 0, 0, 0, base.Location())
	days := make([]map[string]any, 0, 5)
	for i := range 5 {
		at := day.AddDate(0, 0, i)
		icon, phrase, precip := 1, "Sunny", 10
		if i == 1 {
			icon, phrase, precip = 18, "Rain", 90
		}
		days = append(days, map[string]any{
			"Date":      at.Format(time.RFC3339),
			"EpochDate": at.Unix(),
			"Temperature": map[string]any{
				"Minimum": map[string]any{"Value": 15.0 + float64(i), "Unit": "C"},
				"Maximum": map[string]any{"Value": 24.0 + float64(i), "Unit": "C"},
			},
			"Day":   map[string]any{"Icon": icon, "IconPhrase": phrase, "PrecipitationProbability": precip},
			"Night": map[string]any{"Icon": 33, "IconPhrase": "Clear", "PrecipitationProbability": 20},
		})
	}
	return map[string]any{
		"Headline":       map[string]any{"Text": "Rain tomorrow"},
		"DailyForecasts": days,
	}
}

func current(base time.Time) []map[string]any {
	return []map[string]any{{
		"LocalObservationDateTime": base.Format(time.RFC3339),
		"EpochTime":                base.Unix(),
		"WeatherText":              "Cloudy",
		"WeatherIcon":              7,
		"HasPrecipitation":         false,
		"Temperature": map[string]any{
			"Metric": map[string]any{"Value": 20.5, "Unit": "C"},
		},
	}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
