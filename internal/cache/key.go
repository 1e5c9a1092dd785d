package cache

import (
	"strings"
	"time"

	"github.com/ppirong/townly-sub003/internal/models"
)

// Kind is the lookup kind of a cache entry.
type Kind string

const (
	KindForecast    Kind = "forecast"
	KindLocationKey Kind = "location_key"
)

// Key identifies a cache entry. UserID is empty for entries shared by all users.
type Key struct {
	Kind        Kind
	Location    string
	Granularity models.Granularity
	UserID      string
}

func ForecastKey(location string, g models.Granularity, userID string) Key {
	return Key{Kind: KindForecast, Location: location, Granularity: g, UserID: userID}
}

func LocationKeyKey(query string) Key {
	return Key{Kind: KindLocationKey, Location: query}
}

func (k Key) String() string {
	var b strings.Builder
	b.WriteString(string(k.Kind))
	b.WriteByte(':')
	if k.Granularity != "" {
		b.WriteString(string(k.Granularity))
		b.WriteByte(':')
	}
	b.WriteString(normalizeLocation(k.Location))
	if k.UserID != "" {
		b.WriteString(":u=")
		b.WriteString(k.UserID)
	}
	return b.String()
}

// label is used for metrics; it never includes the location or user.
func (k Key) label() string {
	if k.Kind == KindForecast && k.Granularity != "" {
		return string(k.Granularity)
	}
	return string(k.Kind)
}

func normalizeLocation(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// TTL is the lifetime of an entry in each tier.
type TTL struct {
	Memory     time.Duration
	Persistent time.Duration
}

// DefaultPolicy is the TTL table for each lookup kind.
var DefaultPolicy = map[string]TTL{
	string(models.GranularityHourly):  {Memory: 10 * time.Minute, Persistent: time.Hour},
	string(models.GranularityDaily):   {Memory: 30 * time.Minute, Persistent: 6 * time.Hour},
	string(models.GranularityCurrent): {Memory: 5 * time.Minute, Persistent: 30 * time.Minute},
	string(KindLocationKey):           {Memory: 24 * time.Hour, Persistent: 7 * 24 * time.Hour},
}

var fallbackTTL = TTL{Memory: 10 * time.Minute, Persistent: time.Hour}
