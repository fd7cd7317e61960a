package billing

import "strings"

// Advance moves date forward by number units. Units are day, week, month
// and year, singular or plural, in any case. Month and year arithmetic
// follows time.AddDate, so 2024-01-31 plus one month is 2024-03-02.
//
// An unknown unit, a non-positive number or a zero date returns date
// unchanged.
func Advance(date Date, number int, unit string) Date {
	if date.IsZero() || number <= 0 {
		return date
	}

	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "day", "days":
		return date.AddDate(0, 0, number)
	case "week", "weeks":
		return date.AddDate(0, 0, 7*number)
	case "month", "months":
		return date.AddDate(0, number, 0)
	case "year", "years":
		return date.AddDate(number, 0, 0)
	default:
		return date
	}
}
