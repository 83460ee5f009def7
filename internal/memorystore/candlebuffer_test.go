package memorystore

import (
	"sort"
	"testing"
	"time"

	"marketstream/internal/market"
)

func minuteCandle(ts int64, close float64) market.Candle {
	return market.Candle{
		Timestamp: ts,
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    1,
	}
}

func sortedAscending(candles []market.Candle) bool {
	return sort.SliceIsSorted(candles, func(i, j int) bool {
		return candles[i].Timestamp < candles[j].Timestamp
	})
}

func TestMergeAppendsNewWindows(t *testing.T) {
	b := NewCandleBuffer(time.Minute, 10)
	base := int64(1700000000000) - 1700000000000%60000

	for i := 0; i < 5; i++ {
		res := b.Merge(minuteCandle(base+int64(i)*60000, 100+float64(i)))
		if res != MergeAppended {
			t.Fatalf("candle %d: expected append, got %s", i, res)
		}
	}
	if b.Len() != 5 {
		t.Fatalf("expected 5 candles, got %d", b.Len())
	}
	if !sortedAscending(b.Snapshot()) {
		t.Error("buffer not sorted ascending")
	}
}

func TestMergeReplacesSameWindow(t *testing.T) {
	b := NewCandleBuffer(time.Minute, 10)
	base := int64(1700000040000)

	b.Merge(minuteCandle(base, 100))
	res := b.Merge(minuteCandle(base+30000, 105)) // same window, later tick
	if res != MergeReplaced {
		t.Fatalf("expected replace, got %s", res)
	}
	if b.Len() != 1 {
		t.Fatalf("replace must not grow buffer, len=%d", b.Len())
	}
	latest, _ := b.Latest()
	if latest.Close != 105 {
		t.Errorf("expected latest close 105, got %v", latest.Close)
	}
}

func TestMergeIgnoresStaleWindows(t *testing.T) {
	b := NewCandleBuffer(time.Minute, 3)
	base := int64(1700000040000)

	for i := 0; i < 5; i++ {
		b.Merge(minuteCandle(base+int64(i)*60000, 100))
	}
	// Capacity 3, so the first two windows were evicted.
	if b.Len() != 3 {
		t.Fatalf("expected len 3 after eviction, got %d", b.Len())
	}
	res := b.Merge(minuteCandle(base, 999))
	if res != MergeIgnored {
		t.Fatalf("expected stale merge to be ignored, got %s", res)
	}
	if b.Len() != 3 {
		t.Errorf("stale merge changed buffer length: %d", b.Len())
	}
	snap := b.Snapshot()
	if snap[0].Timestamp != base+2*60000 {
		t.Errorf("eviction resurrected old window: %d", snap[0].Timestamp)
	}
}

func TestMergeInsertsIntoRetainedGap(t *testing.T) {
	b := NewCandleBuffer(time.Minute, 10)
	base := int64(1700000040000)

	b.Merge(minuteCandle(base, 100))
	b.Merge(minuteCandle(base+2*60000, 102))
	res := b.Merge(minuteCandle(base+60000, 101))
	if res != MergeAppended {
		t.Fatalf("expected gap insert to append, got %s", res)
	}
	snap := b.Snapshot()
	if len(snap) != 3 || !sortedAscending(snap) {
		t.Fatalf("buffer out of order after gap insert: %+v", snap)
	}
}

func TestMergeEnforcesMaxLen(t *testing.T) {
	b := NewCandleBuffer(time.Minute, 4)
	base := int64(1700000040000)

	for i := 0; i < 50; i++ {
		b.Merge(minuteCandle(base+int64(i)*60000, 100))
		if b.Len() > 4 {
			t.Fatalf("buffer exceeded maxLen at candle %d", i)
		}
		if !sortedAscending(b.Snapshot()) {
			t.Fatalf("buffer unsorted at candle %d", i)
		}
	}
	snap := b.Snapshot()
	if snap[len(snap)-1].Timestamp != base+49*60000 {
		t.Error("eviction dropped the wrong end")
	}
}

func TestMergeCorrectsOHLC(t *testing.T) {
	b := NewCandleBuffer(time.Minute, 10)
	b.Merge(market.Candle{Timestamp: 1700000040000, Open: 100, High: 90, Low: 105, Close: 104})
	got, _ := b.Latest()
	if got.High < 104 || got.Low > 100 {
		t.Errorf("stored candle violates envelope: %+v", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b := NewCandleBuffer(time.Minute, 10)
	b.Merge(minuteCandle(1700000040000, 100))

	snap := b.Snapshot()
	snap[0].Close = -1

	again, _ := b.Latest()
	if again.Close == -1 {
		t.Error("mutating a snapshot leaked into the buffer")
	}
}
