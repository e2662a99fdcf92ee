package stream

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-trading-engine/internal/indicators"
)

func et(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func TestInWindow(t *testing.T) {
	loc := et(t)
	in := &Ingestor{loc: loc}
	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"weekday pre-open", time.Date(2026, 3, 2, 9, 24, 0, 0, loc), false},
		{"window opens 09:25", time.Date(2026, 3, 2, 9, 25, 0, 0, loc), true},
		{"mid session", time.Date(2026, 3, 2, 12, 0, 0, 0, loc), true},
		{"last minute 16:04", time.Date(2026, 3, 2, 16, 4, 59, 0, loc), true},
		{"window closes 16:05", time.Date(2026, 3, 2, 16, 5, 0, 0, loc), false},
		{"saturday", time.Date(2026, 3, 7, 12, 0, 0, 0, loc), false},
		{"sunday", time.Date(2026, 3, 8, 12, 0, 0, 0, loc), false},
	}
	for _, tc := range cases {
		if got := in.inWindow(tc.at); got != tc.want {
			t.Errorf("%s: inWindow = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNextBackoffLadder(t *testing.T) {
	d := time.Second
	var seen []time.Duration
	for i := 0; i < 6; i++ {
		d = nextBackoff(d)
		seen = append(seen, d)
	}
	want := []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("step %d: got %v, want %v", i, seen[i], want[i])
		}
	}
}

type recordingHandler struct {
	symbols []string
}

func (h *recordingHandler) OnTrade(ctx context.Context, symbol string, now time.Time) {
	h.symbols = append(h.symbols, symbol)
}

func TestDispatchTrade(t *testing.T) {
	loc := et(t)
	store := indicators.NewStore(loc)
	handler := &recordingHandler{}
	in := &Ingestor{
		store:   store,
		handler: handler,
		loc:     loc,
		log:     zerolog.Nop(),
		now:     func() time.Time { return time.Date(2026, 3, 2, 10, 30, 0, 0, loc) },
	}

	in.dispatch(context.Background(), []byte(`{"type":"trade","symbol":"SPY","price":"428.10","size":"100"}`))
	if len(handler.symbols) != 1 || handler.symbols[0] != "SPY" {
		t.Fatalf("handler saw %v, want [SPY]", handler.symbols)
	}
	if _, ok := store.VWAP("SPY"); !ok {
		t.Error("trade did not reach the indicator store")
	}
}

func TestDispatchIgnoresBadPayloads(t *testing.T) {
	loc := et(t)
	store := indicators.NewStore(loc)
	handler := &recordingHandler{}
	in := &Ingestor{
		store:   store,
		handler: handler,
		loc:     loc,
		log:     zerolog.Nop(),
		now:     time.Now,
	}

	in.dispatch(context.Background(), []byte(`not json`))
	in.dispatch(context.Background(), []byte(`{"type":"trade","symbol":"SPY","price":"zero"}`))
	in.dispatch(context.Background(), []byte(`{"type":"trade","symbol":"SPY","price":"-1","size":"5"}`))
	if len(handler.symbols) != 0 {
		t.Errorf("handler saw %v trades, want none", handler.symbols)
	}
}

func TestDispatchQuote(t *testing.T) {
	loc := et(t)
	store := indicators.NewStore(loc)
	store.SeedHistory("QQQ", nil, nil) // warm with no prints yet
	in := &Ingestor{
		store: store,
		loc:   loc,
		log:   zerolog.Nop(),
		now:   func() time.Time { return time.Date(2026, 3, 2, 10, 30, 0, 0, loc) },
	}

	in.dispatch(context.Background(), []byte(`{"type":"quote","symbol":"QQQ","bid":"500.10","ask":"500.14"}`))
	price, ok := store.Price("QQQ")
	// quotes establish a mark even before any trade prints
	if !ok || price != 500.12 {
		t.Errorf("Price = %v, %v; want 500.12, true", price, ok)
	}
}
