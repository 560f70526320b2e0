package util

import (
	"time"
)

// TradingCalendar provides market-hours awareness for the KRX equity market.
// Regular session is 09:00-15:30 KST on weekdays. Exchange holidays are not
// tracked; callers that need holiday awareness should layer it on top.
type TradingCalendar struct {
	loc *time.Location
}

// NewTradingCalendar creates a TradingCalendar in Asia/Seoul. If the zone
// database is unavailable it falls back to a fixed KST offset.
func NewTradingCalendar() *TradingCalendar {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*60*60)
	}
	return &TradingCalendar{loc: loc}
}

// IsMarketOpen returns whether the KRX regular session is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	lt := t.In(tc.loc)
	switch lt.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	open := time.Date(lt.Year(), lt.Month(), lt.Day(), 9, 0, 0, 0, tc.loc)
	sessionEnd := time.Date(lt.Year(), lt.Month(), lt.Day(), 15, 30, 0, 0, tc.loc)
	return !lt.Before(open) && lt.Before(sessionEnd)
}

// NextOpen returns the next session open time at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	lt := t.In(tc.loc)
	open := time.Date(lt.Year(), lt.Month(), lt.Day(), 9, 0, 0, 0, tc.loc)
	if !lt.Before(open) {
		open = open.AddDate(0, 0, 1)
	}
	for open.Weekday() == time.Saturday || open.Weekday() == time.Sunday {
		open = open.AddDate(0, 0, 1)
	}
	return open
}
