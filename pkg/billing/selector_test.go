package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToday_UsesBusinessTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 03:30 UTC on the 2nd is still the evening of the 1st in New York.
	now := time.Date(2024, time.March, 2, 3, 30, 0, 0, time.UTC)

	assert.Equal(t, "2024-03-01", Today(now, ny).String())
	assert.Equal(t, "2024-03-02", Today(now, time.UTC).String())
	assert.Equal(t, "2024-03-02", Today(now, nil).String())
}

func TestSelectDue(t *testing.T) {
	today := MustParseDate("2024-05-10")
	subs := []Subscription{
		{ID: "due", Status: StatusActive, NextBillingDate: today},
		{ID: "tomorrow", Status: StatusActive, NextBillingDate: MustParseDate("2024-05-11")},
		{ID: "yesterday", Status: StatusActive, NextBillingDate: MustParseDate("2024-05-09")},
		{ID: "card-failed", Status: StatusCardFailed, NextBillingDate: today},
		{ID: "paused", Status: "paused", NextBillingDate: today},
		{ID: "no-date", Status: StatusActive},
		{ID: "also-due", Status: StatusActive, NextBillingDate: today},
	}

	due := SelectDue(subs, today)

	ids := make([]string, 0, len(due))
	for _, s := range due {
		ids = append(ids, s.ID)
		assert.Equal(t, StatusActive, s.Status)
		assert.Equal(t, today, s.NextBillingDate)
	}
	assert.Equal(t, []string{"due", "also-due"}, ids)
}

func TestSelectDue_Empty(t *testing.T) {
	assert.Empty(t, SelectDue(nil, MustParseDate("2024-01-01")))
}
