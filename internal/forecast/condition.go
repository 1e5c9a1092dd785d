package forecast

import (
	"strings"
)

// WeatherCondition is a coarse weather category used when describing
// forecasts to users.
type WeatherCondition string

const (
	ConditionClear        WeatherCondition = "clear"
	ConditionPartlyCloudy WeatherCondition = "partly_cloudy"
	ConditionMostlyCloudy WeatherCondition = "mostly_cloudy"
	ConditionLightRain    WeatherCondition = "light_rain"
	ConditionHeavyRain    WeatherCondition = "heavy_rain"
	ConditionStorm        WeatherCondition = "storm"
	ConditionFog          WeatherCondition = "fog"
	ConditionSnow         WeatherCondition = "snow"
	ConditionSleet        WeatherCondition = "sleet"
	ConditionHot          WeatherCondition = "hot"
	ConditionCold         WeatherCondition = "cold"
	ConditionWindy        WeatherCondition = "windy"
	ConditionUnknown      WeatherCondition = "unknown"
)

// ConditionFromIcon maps an AccuWeather icon number to a category. Day and
// night icons for the same sky share a category.
func ConditionFromIcon(icon int) WeatherCondition {
	switch icon {
	case 1, 2, 33, 34:
		return ConditionClear
	case 3, 4, 5, 35, 36, 37:
		return ConditionPartlyCloudy
	case 6, 7, 8, 38:
		return ConditionMostlyCloudy
	case 11:
		return ConditionFog
	case 12, 13, 14, 39, 40:
		return ConditionLightRain
	case 18:
		return ConditionHeavyRain
	case 15, 16, 17, 41, 42:
		return ConditionStorm
	case 19, 20, 21, 22, 23, 43, 44:
		return ConditionSnow
	case 24, 25, 26, 29:
		return ConditionSleet
	case 30:
		return ConditionHot
	case 31:
		return ConditionCold
	case 32:
		return ConditionWindy
	}
	return ConditionUnknown
}

// ExtractCondition categorizes a free-text condition phrase. It is used when
// the provider sends a phrase without a usable icon.
func ExtractCondition(phrase string) WeatherCondition {
	lower := strings.ToLower(phrase)

	switch {
	case strings.Contains(lower, "thunder") || strings.Contains(lower, "t-storm") || strings.Contains(lower, "storm"):
		return ConditionStorm
	case strings.Contains(lower, "sleet") || strings.Contains(lower, "freezing") || strings.Contains(lower, "ice"):
		return ConditionSleet
	case strings.Contains(lower, "snow") || strings.Contains(lower, "flurries"):
		return ConditionSnow
	case strings.Contains(lower, "heavy rain") || lower == "rain":
		return ConditionHeavyRain
	case strings.Contains(lower, "rain") || strings.Contains(lower, "shower") || strings.Contains(lower, "drizzle"):
		return ConditionLightRain
	case strings.Contains(lower, "fog") || strings.Contains(lower, "mist") || strings.Contains(lower, "haz"):
		return ConditionFog
	case strings.Contains(lower, "mostly cloudy") || strings.Contains(lower, "overcast") ||
		strings.Contains(lower, "dreary") || lower == "cloudy":
		return ConditionMostlyCloudy
	case strings.Contains(lower, "partly") || strings.Contains(lower, "intermittent"):
		return ConditionPartlyCloudy
	case strings.Contains(lower, "sunny") || strings.Contains(lower, "clear"):
		return ConditionClear
	case strings.Contains(lower, "hot"):
		return ConditionHot
	case strings.Contains(lower, "cold"):
		return ConditionCold
	case strings.Contains(lower, "wind"):
		return ConditionWindy
	}
	return ConditionUnknown
}

// Classify prefers the icon and falls back to the phrase.
func Classify(icon int, phrase string) WeatherCondition {
	if c := ConditionFromIcon(icon); c != ConditionUnknown {
		return c
	}
	return ExtractCondition(phrase)
}

var koreanLabels = map[WeatherCondition]string{
	ConditionClear:        "맑음",
	ConditionPartlyCloudy: "구름 조금",
	ConditionMostlyCloudy: "흐림",
	ConditionLightRain:    "비",
	ConditionHeavyRain:    "강한 비",
	ConditionStorm:        "뇌우",
	ConditionFog:          "안개",
	ConditionSnow:         "눈",
	ConditionSleet:        "진눈깨비",
	ConditionHot:          "무더움",
	ConditionCold:         "추움",
	ConditionWindy:        "강풍",
}

// Korean returns the Korean label for the category.
func (c WeatherCondition) Korean() string {
	if s, ok := koreanLabels[c]; ok {
		return s
	}
	return "알 수 없음"
}

// IsWet reports whether the category involves precipitation.
func (c WeatherCondition) IsWet() bool {
	switch c {
	case ConditionLightRain, ConditionHeavyRain, ConditionStorm, ConditionSnow, ConditionSleet:
		return true
	}
	return false
}
