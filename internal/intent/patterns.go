package intent

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ppirong/townly-sub003/internal/models"
)

const (
	baseConfidence       = 0.3
	weatherBonus         = 0.3
	dateBonus            = 0.25
	typeBonus            = 0.15
	locationBonus        = 0.1
	maxPatternConfidence = 0.95
)

var weatherKeywords = []string{
	"날씨", "기온", "온도", "강수", "우산", "비 ", "비가", "비와", "눈이", "눈 ", "맑", "흐리", "흐림", "더워", "더운", "추워", "추운", "바람", "미세먼지",
	"weather", "forecast", "temperature", "rain", "umbrella", "snow", "sunny", "cloudy", " hot", " cold", " wind",
}

var typeKeywords = map[models.Granularity][]string{
	models.GranularityHourly: {
		"시간별", "시간대", "몇 시", "몇시", "오전", "오후", "저녁", "아침", "밤",
		"hourly", "hour by hour", "afternoon", "morning", "tonight", "evening",
	},
	models.GranularityDaily: {
		"주간", "이번 주", "이번주", "일주일", "며칠", "5일간", "주말",
		"daily", "this week", "weekly", "next few days", "weekend",
	},
	models.GranularityCurrent: {
		"지금", "현재", "실시간",
		"right now", "current", "currently", " now",
	},
}

type relativeDate struct {
	words  []string
	offset int
}

// Longer phrases come first so "day after tomorrow" wins over "tomorrow".
var relativeDates = []relativeDate{
	{[]string{"내일모레", "모레", "day after tomorrow"}, 2},
	{[]string{"내일", "tomorrow"}, 1},
	{[]string{"오늘", "today", "tonight", "this afternoon", "this morning", "this evening"}, 0},
	{[]string{"어제", "yesterday"}, -1},
}

var (
	isoDateRe      = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	koreanDateRe   = regexp.MustCompile(`(\d{1,2})월\s*(\d{1,2})일`)
	koreanPlaceRe  = regexp.MustCompile(`^[가-힣]{2,}(?:특별시|광역시|시|구|동|군|읍|면)$`)
	englishPlaceRe = regexp.MustCompile(`\b(?:in|at|for) ([A-Z][a-zA-Z-]+(?: [A-Z][a-zA-Z-]+)?)`)
)

// Particles that may follow a place name, longest first.
var placeParticles = []string{"에서는", "에서도", "에서", "에는", "으로", "의", "은", "는", "이", "가", "에", "도", "로"}

// Word endings that look like an administrative suffix but are verb forms
// or common nouns.
var notPlaceEndings = []string{
	"려면", "다면", "으면", "하면", "오면", "되면", "보면", "이면", "자면", "시면",
	"주시", "하시", "드시", "보시", "가시", "오시",
	"활동", "운동", "이동", "행동", "변동", "자동",
	"친구", "야구", "도구", "연구", "요구", "입구", "출구",
}

// knownPlaces maps spellings to the name the collector stores records under.
var knownPlaces = map[string]string{
	"서울": "Seoul", "seoul": "Seoul",
	"부산": "Busan", "busan": "Busan",
	"인천": "Incheon", "incheon": "Incheon",
	"대구": "Daegu", "daegu": "Daegu",
	"대전": "Daejeon", "daejeon": "Daejeon",
	"광주": "Gwangju", "gwangju": "Gwangju",
	"울산": "Ulsan", "ulsan": "Ulsan",
	"세종": "Sejong", "sejong": "Sejong",
	"제주": "Jeju", "jeju": "Jeju",
	"수원": "Suwon", "suwon": "Suwon",
	"성남": "Seongnam", "seongnam": "Seongnam",
	"고양": "Goyang", "goyang": "Goyang",
	"용인": "Yongin", "yongin": "Yongin",
	"창원": "Changwon", "changwon": "Changwon",
	"강릉": "Gangneung", "gangneung": "Gangneung",
	"춘천": "Chuncheon", "chuncheon": "Chuncheon",
	"전주": "Jeonju", "jeonju": "Jeonju",
	"포항": "Pohang", "pohang": "Pohang",
}

// Patterns is the keyword matcher used on every question.
type Patterns struct {
	places map[string]string
}

func NewPatterns() *Patterns {
	return &Patterns{places: knownPlaces}
}

// Match classifies query by keyword. Confidence starts at 0.3 and grows
// with each kind of evidence found, capped at 0.95.
func (p *Patterns) Match(query string, now time.Time) Intent {
	lower := strings.ToLower(" " + query + " ")
	today := models.StartOfDay(now)
	in := Intent{Method: MethodPattern}
	confidence := baseConfidence

	for _, kw := range weatherKeywords {
		if strings.Contains(lower, kw) {
			in.Keywords = append(in.Keywords, strings.TrimSpace(kw))
		}
	}
	if len(in.Keywords) > 0 {
		confidence += weatherBonus
	}

	date, dateTo, dateFound := p.matchDate(query, lower, today)
	if dateFound {
		confidence += dateBonus
		in.Date, in.DateTo = date, dateTo
	} else {
		in.Date = today.Format(time.DateOnly)
	}

	explicitType, typeFound := matchType(lower)
	if typeFound {
		confidence += typeBonus
	}

	if loc := p.matchLocation(query); loc != "" {
		confidence += locationBonus
		in.Location = loc
	}

	switch {
	case typeFound:
		in.Type = explicitType
	case !dateFound:
		in.Type = models.GranularityCurrent
	case in.Date == today.Format(time.DateOnly) && in.DateTo == "":
		in.Type = models.GranularityHourly
	default:
		in.Type = models.GranularityDaily
	}
	if in.Type == models.GranularityDaily && typeFound && !dateFound {
		// "this week" without a day: cover the collector's five-day horizon.
		in.DateTo = today.AddDate(0, 0, 4).Format(time.DateOnly)
	}

	in.Confidence = round2(min(confidence, maxPatternConfidence))
	return in
}

func (p *Patterns) matchDate(query, lower string, today time.Time) (string, string, bool) {
	if m := isoDateRe.FindStringSubmatch(query); m != nil {
		if d, err := time.ParseInLocation(time.DateOnly, m[0], models.CanonicalZone); err == nil {
			return d.Format(time.DateOnly), "", true
		}
	}
	if m := koreanDateRe.FindStringSubmatch(query); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			d := time.Date(today.Year(), time.Month(month), day, 0, 0, 0, 0, models.CanonicalZone)
			// A date well in the past most likely means next year.
			if d.Before(today.AddDate(0, -6, 0)) {
				d = d.AddDate(1, 0, 0)
			}
			return d.Format(time.DateOnly), "", true
		}
	}
	for _, rd := range relativeDates {
		for _, w := range rd.words {
			if strings.Contains(lower, w) {
				return today.AddDate(0, 0, rd.offset).Format(time.DateOnly), "", true
			}
		}
	}
	if strings.Contains(lower, "이번 주") || strings.Contains(lower, "이번주") || strings.Contains(lower, "this week") {
		return today.Format(time.DateOnly), today.AddDate(0, 0, 6).Format(time.DateOnly), true
	}
	if strings.Contains(lower, "주말") || strings.Contains(lower, "weekend") {
		if today.Weekday() == time.Sunday {
			return today.Format(time.DateOnly), "", true
		}
		sat := today.AddDate(0, 0, int(time.Saturday-today.Weekday()))
		return sat.Format(time.DateOnly), sat.AddDate(0, 0, 1).Format(time.DateOnly), true
	}
	return "", "", false
}

func matchType(lower string) (models.Granularity, bool) {
	// Checked in a fixed order so "지금" beats a stray hourly word.
	for _, g := range []models.Granularity{models.GranularityCurrent, models.GranularityHourly, models.GranularityDaily} {
		for _, kw := range typeKeywords[g] {
			if strings.Contains(lower, kw) {
				return g, true
			}
		}
	}
	return "", false
}

func (p *Patterns) matchLocation(query string) string {
	lower := strings.ToLower(query)
	best := ""
	bestAt := -1
	for spelling, name := range p.places {
		if i := strings.Index(lower, spelling); i >= 0 && (bestAt < 0 || i < bestAt || (i == bestAt && len(name) > len(best))) {
			best, bestAt = name, i
		}
	}
	if best != "" {
		return best
	}
	if place := koreanPlace(query); place != "" {
		return place
	}
	if m := englishPlaceRe.FindStringSubmatch(query); m != nil {
		return m[1]
	}
	return ""
}

// koreanPlace returns the first word that reads as an administrative area
// name ("강남구", "수원시에서"), with any trailing particle removed.
func koreanPlace(query string) string {
	for _, word := range strings.Fields(query) {
		word = strings.TrimFunc(word, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if strings.Contains(word, "겠") {
			continue
		}
		for _, candidate := range placeCandidates(word) {
			if koreanPlaceRe.MatchString(candidate) && !hasNotPlaceEnding(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func placeCandidates(word string) []string {
	out := []string{word}
	for _, p := range placeParticles {
		if stem, ok := strings.CutSuffix(word, p); ok && stem != "" {
			out = append(out, stem)
		}
	}
	return out
}

func hasNotPlaceEnding(word string) bool {
	for _, e := range notPlaceEndings {
		if strings.HasSuffix(word, e) {
			return true
		}
	}
	return false
}
