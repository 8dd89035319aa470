package scheduler

import "time"

// FirstAlignedTick returns the earliest instant >= now that lies on a
// multiple of period measured from the top of now's hour, in now's location.
// When the next boundary would reach the end of the hour it rolls to the next
// hour at minute 0, so periods that do not divide an hour restart at :00 and
// periods longer than an hour are only aligned to the hour.
func FirstAlignedTick(now time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return now
	}

	hourStart := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	elapsed := now.Sub(hourStart)

	k := elapsed / period
	if elapsed%period != 0 {
		k++
	}
	offset := k * period
	if offset < time.Hour {
		return hourStart.Add(offset)
	}
	return hourStart.Add(time.Hour)
}

// NextMidnight returns local midnight of the calendar day after now.
func NextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}
