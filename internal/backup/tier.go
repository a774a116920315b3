package backup

import "time"

// Classifier maps a calendar date to exactly one retention tier.
// Monthly wins over weekly, weekly wins over daily.
type Classifier struct {
	WeeklyDay time.Weekday
}

// NewClassifier returns a classifier that rolls weekly snapshots on the given day
func NewClassifier(weeklyDay time.Weekday) Classifier {
	return Classifier{WeeklyDay: weeklyDay}
}

// DefaultClassifier rolls weekly snapshots on Sunday
func DefaultClassifier() Classifier {
	return Classifier{WeeklyDay: time.Sunday}
}

// Classify returns the tier of the calendar date of t, in t's location
func (c Classifier) Classify(t time.Time) Tier {
	if t.Day() == 1 {
		return TierMonthly
	}
	if t.Weekday() == c.WeeklyDay {
		return TierWeekly
	}
	return TierDaily
}
