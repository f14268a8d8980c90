package data

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"candle-stream-bridge/internal/model"
	"go.uber.org/zap"
)

func newTestAggregator(minutes int) *CandleAggregator {
	return NewCandleAggregator(minutes, 0, zap.NewNop())
}

func TestIngestScenarioOneMinute(t *testing.T) {
	agg := newTestAggregator(1)

	ticks := []model.Tick{
		{Asset: "EURUSD", Timestamp: 0, Price: 1.0},
		{Asset: "EURUSD", Timestamp: 30, Price: 1.2},
		{Asset: "EURUSD", Timestamp: 61, Price: 0.9},
	}

	var last Update
	for _, tick := range ticks {
		upd, err := agg.Ingest(tick)
		if err != nil {
			t.Fatalf("Ingest(%+v): %v", tick, err)
		}
		last = upd
	}

	if last.Frozen == nil {
		t.Fatal("Expected bucket 0 to freeze on the third tick")
	}
	want := model.Candle{Timestamp: 0, Open: 1.0, High: 1.2, Low: 1.0, Close: 1.2}
	if *last.Frozen != want {
		t.Errorf("Frozen candle = %+v, want %+v", *last.Frozen, want)
	}

	wantOpen := model.Candle{Timestamp: 60, Open: 0.9, High: 0.9, Low: 0.9, Close: 0.9}
	if last.Candle != wantOpen {
		t.Errorf("Forming candle = %+v, want %+v", last.Candle, wantOpen)
	}

	history := agg.History("EURUSD")
	if len(history) != 1 || history[0] != want {
		t.Errorf("History = %+v, want [%+v]", history, want)
	}

	latest, ok := agg.Latest("EURUSD")
	if !ok || latest != wantOpen {
		t.Errorf("Latest = %+v (%v), want %+v", latest, ok, wantOpen)
	}
}

func TestIngestInvariantsHoldOnEveryTick(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for _, minutes := range []int{1, 5, 15} {
		agg := newTestAggregator(minutes)
		width := int64(minutes) * 60
		ts := 1700000000.0
		price := 100.0

		for i := 0; i < 5000; i++ {
			ts += rng.Float64() * 40
			price += rng.NormFloat64()
			if price <= 0 {
				price = 1
			}

			upd, err := agg.Ingest(model.Tick{Asset: "X", Timestamp: ts, Price: price})
			if err != nil {
				t.Fatalf("unexpected error at tick %d: %v", i, err)
			}
			if !upd.Candle.Valid() {
				t.Fatalf("forming candle violates OHLC bounds: %+v", upd.Candle)
			}
			if upd.Candle.Timestamp%width != 0 {
				t.Fatalf("forming candle not aligned to %ds: %d", width, upd.Candle.Timestamp)
			}
		}

		history := agg.History("X")
		if len(history) == 0 {
			t.Fatalf("expected frozen history for %dm", minutes)
		}
		for i, c := range history {
			if !c.Valid() {
				t.Errorf("%dm candle %d violates OHLC bounds: %+v", minutes, i, c)
			}
			if c.Timestamp%width != 0 {
				t.Errorf("%dm candle %d not aligned: %d", minutes, i, c.Timestamp)
			}
			if i > 0 && c.Timestamp-history[i-1].Timestamp < width {
				t.Errorf("%dm candles %d/%d overlap or are out of order", minutes, i-1, i)
			}
		}
	}
}

func TestIngestDropsLateTicks(t *testing.T) {
	agg := newTestAggregator(1)
	mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: 10, Price: 1})
	mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: 70, Price: 2})

	_, err := agg.Ingest(model.Tick{Asset: "A", Timestamp: 20, Price: 50})
	if !errors.Is(err, ErrLateTick) {
		t.Fatalf("Expected ErrLateTick, got %v", err)
	}

	history := agg.History("A")
	if history[0].High != 1 {
		t.Errorf("Frozen candle was mutated by a late tick: %+v", history[0])
	}
	if agg.LateDrops() != 1 {
		t.Errorf("Expected 1 late drop, got %d", agg.LateDrops())
	}
}

func TestInvalidTimeframeFallsBack(t *testing.T) {
	agg := newTestAggregator(0)
	if agg.Timeframe() != DefaultTimeframe {
		t.Fatalf("Expected fallback to %d, got %d", DefaultTimeframe, agg.Timeframe())
	}
	if got := agg.SetTimeframe(-5); got != DefaultTimeframe {
		t.Errorf("Expected fallback to %d, got %d", DefaultTimeframe, got)
	}

	upd, err := agg.Ingest(model.Tick{Asset: "A", Timestamp: 125, Price: 1})
	if err != nil || upd.Candle.Timestamp != 120 {
		t.Errorf("Expected 1m bucket 120, got %+v (%v)", upd.Candle, err)
	}
}

func TestHistoryIsACopy(t *testing.T) {
	agg := newTestAggregator(1)
	mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: 0, Price: 1})
	mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: 60, Price: 2})

	h := agg.History("A")
	h[0].High = 999

	if agg.History("A")[0].High == 999 {
		t.Error("History exposed internal storage")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	agg := NewCandleAggregator(1, 3, zap.NewNop())
	for i := 0; i < 10; i++ {
		mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: float64(i * 60), Price: float64(i + 1)})
	}

	h := agg.History("A")
	if len(h) != 3 {
		t.Fatalf("Expected 3 candles, got %d", len(h))
	}
	if h[0].Timestamp != 360 || h[2].Timestamp != 480 {
		t.Errorf("Expected the newest candles to be kept, got %+v", h)
	}
}

func TestResetFormingKeepsFrozenHistory(t *testing.T) {
	agg := newTestAggregator(1)
	mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: 0, Price: 1})
	mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: 60, Price: 5})
	mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: 70, Price: 9})

	agg.ResetForming()

	if len(agg.History("A")) != 1 {
		t.Fatalf("Frozen history must survive a reset")
	}
	// the first tick after the gap opens a fresh candle instead of extending the stale one
	upd := mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: 90, Price: 3})
	want := model.Candle{Timestamp: 60, Open: 3, High: 3, Low: 3, Close: 3}
	if upd.Candle != want {
		t.Errorf("Expected fresh candle %+v, got %+v", want, upd.Candle)
	}
}

func TestSeedResamplesAndMerges(t *testing.T) {
	agg := newTestAggregator(5)
	one := []model.Candle{
		{Timestamp: 0, Open: 1, High: 2, Low: 1, Close: 2},
		{Timestamp: 60, Open: 2, High: 3, Low: 1.5, Close: 2.5},
		{Timestamp: 300, Open: 2.5, High: 2.6, Low: 2.4, Close: 2.45},
	}

	if added := agg.Seed("A", one); added != 2 {
		t.Fatalf("Expected 2 resampled candles, got %d", added)
	}
	h := agg.History("A")
	want := model.Candle{Timestamp: 0, Open: 1, High: 3, Low: 1, Close: 2.5}
	if h[0] != want {
		t.Errorf("Resampled candle = %+v, want %+v", h[0], want)
	}

	// seeding again is idempotent
	if added := agg.Seed("A", one); added != 0 {
		t.Errorf("Expected no duplicates, got %d added", added)
	}
}

func TestSeedSkipsFormingBucket(t *testing.T) {
	agg := newTestAggregator(1)
	mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: 120, Price: 1})

	added := agg.Seed("A", []model.Candle{
		{Timestamp: 60, Open: 1, High: 1, Low: 1, Close: 1},
		{Timestamp: 120, Open: 7, High: 7, Low: 7, Close: 7},
	})
	if added != 1 {
		t.Errorf("Expected only the older bucket to be seeded, got %d", added)
	}
	latest, _ := agg.Latest("A")
	if latest.Open != 1 {
		t.Errorf("Forming candle overwritten by seed: %+v", latest)
	}
}

func TestSeededTailIsReopenedByLiveTicks(t *testing.T) {
	agg := newTestAggregator(1)
	agg.Seed("A", []model.Candle{
		{Timestamp: 60, Open: 1, High: 1.1, Low: 0.9, Close: 1},
		{Timestamp: 120, Open: 1, High: 1.1, Low: 1, Close: 1.05},
	})

	for _, tick := range []model.Tick{
		{Asset: "A", Timestamp: 130, Price: 1.2},
		{Asset: "A", Timestamp: 150, Price: 0.95},
		{Asset: "A", Timestamp: 170, Price: 1.1},
	} {
		mustIngest(t, agg, tick)
	}

	latest, ok := agg.Latest("A")
	want := model.Candle{Timestamp: 120, Open: 1, High: 1.2, Low: 0.95, Close: 1.1}
	if !ok || latest != want {
		t.Errorf("Forming candle = %+v, want %+v", latest, want)
	}
	if h := agg.History("A"); len(h) != 1 || h[0].Timestamp != 60 {
		t.Errorf("Reopened candle must leave frozen history, got %+v", h)
	}

	upd := mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: 185, Price: 1.3})
	if upd.Frozen == nil || *upd.Frozen != want {
		t.Errorf("Rollover should freeze the reopened candle, got %+v", upd.Frozen)
	}
	if agg.LateDrops() != 0 {
		t.Errorf("No tick should be dropped, got %d late drops", agg.LateDrops())
	}
}

func TestSeededTailOnlyReopensItsOwnBucket(t *testing.T) {
	agg := newTestAggregator(1)
	agg.Seed("A", []model.Candle{
		{Timestamp: 60, Open: 1, High: 1, Low: 1, Close: 1},
		{Timestamp: 120, Open: 1, High: 1, Low: 1, Close: 1},
	})

	if _, err := agg.Ingest(model.Tick{Asset: "A", Timestamp: 70, Price: 2}); !errors.Is(err, ErrLateTick) {
		t.Errorf("Tick for an older bucket should be late, got %v", err)
	}

	mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: 200, Price: 2})
	if _, err := agg.Ingest(model.Tick{Asset: "A", Timestamp: 125, Price: 3}); !errors.Is(err, ErrLateTick) {
		t.Errorf("Seeded tail is frozen once a later bucket opened, got %v", err)
	}
}

func TestSeedCurrentBucketBecomesForming(t *testing.T) {
	agg := newTestAggregator(1)
	agg.now = func() time.Time { return time.Unix(150, 0) }

	agg.Seed("A", []model.Candle{
		{Timestamp: 60, Open: 1, High: 1, Low: 1, Close: 1},
		{Timestamp: 120, Open: 2, High: 2, Low: 2, Close: 2},
	})

	if h := agg.History("A"); len(h) != 1 || h[0].Timestamp != 60 {
		t.Errorf("Only closed buckets belong in history, got %+v", h)
	}
	latest, ok := agg.Latest("A")
	if !ok || latest.Timestamp != 120 {
		t.Errorf("Expected the current bucket to be forming, got %+v (%v)", latest, ok)
	}
}

func TestResetFormingClosesSeededTail(t *testing.T) {
	agg := newTestAggregator(1)
	agg.Seed("A", []model.Candle{{Timestamp: 120, Open: 1, High: 1, Low: 1, Close: 1}})
	agg.ResetForming()

	if _, err := agg.Ingest(model.Tick{Asset: "A", Timestamp: 130, Price: 5}); !errors.Is(err, ErrLateTick) {
		t.Errorf("A tick after a reset must not extend the seeded candle, got %v", err)
	}
}

func TestTimeframeChangeDiscardsForming(t *testing.T) {
	agg := newTestAggregator(1)
	mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: 0, Price: 1})
	mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: 61, Price: 2})

	agg.SetTimeframe(5)
	agg.SetTimeframe(1)

	upd := mustIngest(t, agg, model.Tick{Asset: "A", Timestamp: 70, Price: 3})
	want := model.Candle{Timestamp: 60, Open: 3, High: 3, Low: 3, Close: 3}
	if upd.Candle != want {
		t.Errorf("Old forming candle must not survive a width change, got %+v", upd.Candle)
	}
	if h := agg.HistoryAt("A", 1); len(h) != 1 || h[0].Timestamp != 0 {
		t.Errorf("Frozen history must be kept, got %+v", h)
	}
}

func mustIngest(t *testing.T, agg *CandleAggregator, tick model.Tick) Update {
	t.Helper()
	upd, err := agg.Ingest(tick)
	if err != nil {
		t.Fatalf("Ingest(%+v): %v", tick, err)
	}
	return upd
}
