package weather

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ppirong/townly-sub003/internal/failure"
	"github.com/ppirong/townly-sub003/internal/forecast"
	"github.com/ppirong/townly-sub003/internal/intent"
	"github.com/ppirong/townly-sub003/internal/models"
	"github.com/ppirong/townly-sub003/internal/search"
)

const (
	staleNotice       = "(최신 데이터를 가져오지 못해 이전에 저장된 정보를 보여드립니다.)"
	unavailableNotice = "날씨 데이터를 일시적으로 가져올 수 없습니다. 잠시 후 다시 시도해 주세요."
	quotaNotice       = "날씨 API 호출 한도에 도달해 데이터를 일시적으로 가져올 수 없습니다. 잠시 후 다시 시도해 주세요."
	noLocationNotice  = "어느 지역의 날씨를 알려드릴까요? 지역을 함께 말씀해 주세요."
)

func unavailableAnswer(err error) string {
	switch {
	case errors.Is(err, ErrNoLocation):
		return noLocationNotice
	case failure.KindOf(err) == failure.QuotaExceeded:
		return quotaNotice
	}
	return unavailableNotice
}

// composeFromResults lists the matched facts in date order.
func composeFromResults(in intent.Intent, results []search.Result) string {
	ordered := chronological(results)
	loc := in.Location
	if loc == "" && len(ordered) > 0 {
		loc = ordered[0].Embedding.LocationName
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s 날씨 정보입니다.", loc, dateLabel(in))
	for _, r := range ordered {
		b.WriteString("\n- ")
		b.WriteString(r.Embedding.Content)
	}
	return b.String()
}

func composeFromRecords(in intent.Intent, location string, records []models.ForecastRecord, degraded bool) string {
	var b strings.Builder
	switch {
	case len(records) == 0:
		b.WriteString(unavailableNotice)
	case in.Type == models.GranularityCurrent:
		r := records[len(records)-1]
		cond := forecast.Classify(r.ConditionCode, r.Condition)
		fmt.Fprintf(&b, "%s 현재 기온은 %.1f°C, %s입니다.", location, r.Temperature, cond.Korean())
		if r.PrecipProbability > 0 {
			fmt.Fprintf(&b, " 강수확률 %d%%.", r.PrecipProbability)
		}
	case in.Type == models.GranularityDaily:
		fmt.Fprintf(&b, "%s %s 예보입니다.", location, dateLabel(in))
		for _, r := range records {
			cond := forecast.Classify(r.ConditionCode, r.Condition)
			low := r.Temperature
			if r.TempMin != nil {
				low = *r.TempMin
			}
			fmt.Fprintf(&b, "\n- %s: 최고 %.0f°C / 최저 %.0f°C, %s, 강수확률 %d%%",
				r.ForecastDate(), r.Temperature, low, cond.Korean(), r.PrecipProbability)
		}
	default:
		sum := forecast.Summarize(records)
		fmt.Fprintf(&b, "%s %s 시간별 예보: 기온 %.0f~%.0f°C, 대체로 %s, 최대 강수확률 %d%%.",
			location, sum.FirstRecordDate, sum.TempMin, sum.TempMax, sum.Dominant.Korean(), sum.MaxPrecip)
		if sum.FirstWetHour >= 0 {
			fmt.Fprintf(&b, " %d시부터 비나 눈 소식이 있으니 우산을 챙기세요.", sum.FirstWetHour)
		}
	}
	if degraded && len(records) > 0 {
		b.WriteString("\n")
		b.WriteString(staleNotice)
	}
	return b.String()
}

func dateLabel(in intent.Intent) string {
	if in.DateTo != "" && in.DateTo != in.Date {
		return in.Date + " ~ " + in.DateTo
	}
	return in.Date
}
