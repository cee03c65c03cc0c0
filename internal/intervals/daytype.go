package intervals

import "time"

const (
	DaytypeWeekday        = "weekday"
	DaytypeWeekendHoliday = "weekend_holiday"

	HorizonShort  = "short"  // ETA <= 5 min
	HorizonMedium = "medium" // 6-15 min
	HorizonLong   = "long"   // > 15 min
)

// HolidayCalendar is a set of YYYY-MM-DD dates observed as public holidays.
// An empty or nil calendar degrades to plain weekday/weekend classification.
type HolidayCalendar map[string]struct{}

func NewHolidayCalendar(dates []string) HolidayCalendar {
	cal := make(HolidayCalendar, len(dates))
	for _, d := range dates {
		if d != "" {
			cal[d] = struct{}{}
		}
	}
	return cal
}

// DaytypeFor classifies Saturdays, Sundays and recognized holidays as
// weekend_holiday, everything else as weekday.
func DaytypeFor(t time.Time, holidays HolidayCalendar) string {
	wd := t.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return DaytypeWeekendHoliday
	}
	if _, ok := holidays[t.Format("2006-01-02")]; ok {
		return DaytypeWeekendHoliday
	}
	return DaytypeWeekday
}

// HorizonBucket maps a point-estimate ETA in minutes to a coarse horizon.
func HorizonBucket(etaMinutes float64) string {
	switch {
	case etaMinutes <= 5:
		return HorizonShort
	case etaMinutes <= 15:
		return HorizonMedium
	default:
		return HorizonLong
	}
}
