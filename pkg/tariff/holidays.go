package tariff

import "time"

// Holidays returns the US federal holidays the tariff calendar observes for
// the year. Fixed-date holidays are flagged on the date itself even when it
// falls on a weekend.
func Holidays(year int) map[time.Time]string {
	date := func(m time.Month, d int) time.Time {
		return time.Date(year, m, d, 0, 0, 0, 0, time.UTC)
	}
	return map[time.Time]string{
		date(time.January, 1):                             "New Year's Day",
		nthWeekday(year, time.February, time.Monday, 3):   "Presidents' Day",
		lastWeekday(year, time.May, time.Monday):          "Memorial Day",
		date(time.July, 4):                                "Independence Day",
		nthWeekday(year, time.September, time.Monday, 1):  "Labor Day",
		date(time.November, 11):                           "Veterans Day",
		nthWeekday(year, time.November, time.Thursday, 4): "Thanksgiving",
		date(time.December, 25):                           "Christmas",
	}
}

// IsHoliday reports whether the date is one of the observed holidays.
func IsHoliday(t time.Time) bool {
	_, ok := Holidays(t.Year())[time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)]
	return ok
}

// IsWeekend reports whether the date is a Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// nthWeekday returns the n-th (1-based) weekday of the month.
func nthWeekday(year int, month time.Month, wd time.Weekday, n int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+7*(n-1))
}

// lastWeekday returns the last weekday of the month.
func lastWeekday(year int, month time.Month, wd time.Weekday) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	offset := (int(last.Weekday()) - int(wd) + 7) % 7
	return last.AddDate(0, 0, -offset)
}
