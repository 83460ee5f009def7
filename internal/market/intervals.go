package market

import (
	"fmt"
	"time"
)

// Interval is the kline interval name used in subscription keys and on the
// wire, e.g. "1m", "4h", "1d".
type Interval string

// IntervalMeta holds the wire value and duration for a kline interval.
type IntervalMeta struct {
	WireValue string
	Duration  time.Duration
}

const (
	Interval1Min   Interval = "1m"
	Interval3Min   Interval = "3m"
	Interval5Min   Interval = "5m"
	Interval15Min  Interval = "15m"
	Interval30Min  Interval = "30m"
	Interval1Hour  Interval = "1h"
	Interval2Hour  Interval = "2h"
	Interval4Hour  Interval = "4h"
	Interval6Hour  Interval = "6h"
	Interval12Hour Interval = "12h"
	IntervalDaily  Interval = "1d"
	IntervalWeekly Interval = "1w"
)

// validIntervals maps Interval to its wire representation and duration.
var validIntervals = map[Interval]IntervalMeta{
	Interval1Min:   {WireValue: "1m", Duration: time.Minute},
	Interval3Min:   {WireValue: "3m", Duration: 3 * time.Minute},
	Interval5Min:   {WireValue: "5m", Duration: 5 * time.Minute},
	Interval15Min:  {WireValue: "15m", Duration: 15 * time.Minute},
	Interval30Min:  {WireValue: "30m", Duration: 30 * time.Minute},
	Interval1Hour:  {WireValue: "1h", Duration: time.Hour},
	Interval2Hour:  {WireValue: "2h", Duration: 2 * time.Hour},
	Interval4Hour:  {WireValue: "4h", Duration: 4 * time.Hour},
	Interval6Hour:  {WireValue: "6h", Duration: 6 * time.Hour},
	Interval12Hour: {WireValue: "12h", Duration: 12 * time.Hour},
	IntervalDaily:  {WireValue: "1d", Duration: 24 * time.Hour},
	IntervalWeekly: {WireValue: "1w", Duration: 7 * 24 * time.Hour},
}

// IsValid checks if the Interval is a valid predefined interval.
func (i Interval) IsValid() bool {
	_, ok := validIntervals[i]
	return ok
}

// ParseInterval parses a string into a valid IntervalMeta.
func ParseInterval(s string) (IntervalMeta, error) {
	meta, ok := validIntervals[Interval(s)]
	if !ok {
		return IntervalMeta{}, fmt.Errorf("invalid interval: %s", s)
	}
	return meta, nil
}
