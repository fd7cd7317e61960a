package billing

import "time"

// Today returns the current calendar date in loc. A nil loc means UTC.
func Today(now time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	return DateOf(now.In(loc))
}

// IsDue reports whether sub should be billed on today.
func IsDue(sub Subscription, today Date) bool {
	return sub.Status == StatusActive && !sub.NextBillingDate.IsZero() && sub.NextBillingDate == today
}

// SelectDue returns the active subscriptions whose next billing date is today.
func SelectDue(subs []Subscription, today Date) []Subscription {
	due := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		if IsDue(sub, today) {
			due = append(due, sub)
		}
	}
	return due
}
