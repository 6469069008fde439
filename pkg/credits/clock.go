package credits

import (
	"strings"
	"time"
)

// TodayMidnightUTC returns the start of the current UTC calendar day.
func TodayMidnightUTC(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// NextMidnightUTC returns the start of the next UTC calendar day.
func NextMidnightUTC(now time.Time) time.Time {
	return TodayMidnightUTC(now).Add(24 * time.Hour)
}

// SecondsUntilMidnightUTC returns the flag TTL: the rounded-up number of
// seconds until the next UTC midnight. At exact midnight the full day remains.
func SecondsUntilMidnightUTC(now time.Time) int64 {
	remaining := NextMidnightUTC(now).Sub(now.UTC())
	seconds := int64((remaining + time.Second - 1) / time.Second)
	if seconds < 0 {
		return 0
	}
	if seconds > secondsPerDay {
		return secondsPerDay
	}
	return seconds
}

// FreeCreditKey derives the cache key for a user's daily allowance flag.
// The key depends only on the user id and the UTC calendar date.
func FreeCreditKey(userID UserID, now time.Time) string {
	return strings.Join([]string{
		freeCreditKeyPrefix,
		userID.String(),
		now.UTC().Format(utcDateLayout),
	}, freeCreditKeySep)
}
