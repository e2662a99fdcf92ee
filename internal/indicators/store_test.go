package indicators

import (
	"math"
	"testing"
	"time"
)

func etLocation(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

// bars produces n sequential 1-minute bars starting at start, close prices
// from closes, constant volume.
func makeBars(start time.Time, closes []float64, volume float64) []Candle {
	bars := make([]Candle, len(closes))
	for i, c := range closes {
		bars[i] = Candle{
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     c, High: c + 0.1, Low: c - 0.1, Close: c,
			Volume: volume,
		}
	}
	return bars
}

func sessionStart(loc *time.Location, y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 30, 0, 0, loc)
}

func TestSMARequiresFullWindow(t *testing.T) {
	loc := etLocation(t)
	s := NewStore(loc)
	start := sessionStart(loc, 2026, time.March, 2)

	s.SeedHistory("SPY", makeBars(start, []float64{1, 2, 3, 4, 5}, 100), nil)

	if _, ok := s.SMA("SPY", 6); ok {
		t.Fatal("SMA(6) with 5 bars should be absent")
	}
	got, ok := s.SMA("SPY", 5)
	if !ok {
		t.Fatal("SMA(5) with 5 bars should be present")
	}
	if got != 3 {
		t.Fatalf("SMA(5) = %v, want 3", got)
	}
	got, ok = s.SMA("SPY", 2)
	if !ok || got != 4.5 {
		t.Fatalf("SMA(2) = %v ok=%v, want 4.5", got, ok)
	}
}

func TestRSIWilderRecurrence(t *testing.T) {
	loc := etLocation(t)
	s := NewStore(loc)
	start := sessionStart(loc, 2026, time.March, 2)

	// 3 closes give 2 changes: +1 then -1. With period 2 the seed averages
	// are gain=0.5, loss=0.5 so RSI = 50.
	s.SeedHistory("SPY", makeBars(start, []float64{100, 101, 100}, 100), []int{2})

	got, ok := s.RSI("SPY", 2)
	if !ok {
		t.Fatal("RSI(2) should be seeded after 2 changes")
	}
	if math.Abs(got-50) > 1e-9 {
		t.Fatalf("RSI(2) = %v, want 50", got)
	}

	// Next closed bar is a gain of 2. Wilder recurrence:
	// avgGain = (0.5*1 + 2)/2 = 1.25, avgLoss = (0.5*1 + 0)/2 = 0.25
	// RS = 5, RSI = 100 - 100/6.
	ts := start.Add(3 * time.Minute)
	s.OnTrade("SPY", 102, 100, ts)
	s.OnTrade("SPY", 102, 100, ts.Add(time.Minute)) // rollover closes the 102 bar

	got, ok = s.RSI("SPY", 2)
	if !ok {
		t.Fatal("RSI(2) absent after update")
	}
	want := 100 - 100/6.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("RSI(2) = %v, want %v", got, want)
	}
}

func TestRSIUpdatesOnlyOnBarClose(t *testing.T) {
	loc := etLocation(t)
	s := NewStore(loc)
	start := sessionStart(loc, 2026, time.March, 2)
	s.SeedHistory("SPY", makeBars(start, []float64{100, 101, 100}, 100), []int{2})

	before, _ := s.RSI("SPY", 2)

	// Ticks inside the same minute must not move the averages.
	ts := start.Add(3 * time.Minute)
	s.OnTrade("SPY", 150, 100, ts)
	s.OnTrade("SPY", 50, 100, ts.Add(10*time.Second))

	after, _ := s.RSI("SPY", 2)
	if before != after {
		t.Fatalf("RSI moved intrabar: %v -> %v", before, after)
	}
}

func TestVWAPResetsAtSessionOpen(t *testing.T) {
	loc := etLocation(t)
	s := NewStore(loc)

	day1 := sessionStart(loc, 2026, time.March, 2)
	s.OnTrade("SPY", 100, 10, day1)
	s.OnTrade("SPY", 102, 10, day1.Add(time.Minute))

	got, ok := s.VWAP("SPY")
	if !ok || got != 101 {
		t.Fatalf("day1 VWAP = %v ok=%v, want 101", got, ok)
	}

	// First trade of the next session discards the old cumulants.
	day2 := sessionStart(loc, 2026, time.March, 3)
	s.OnTrade("SPY", 200, 10, day2)

	got, ok = s.VWAP("SPY")
	if !ok || got != 200 {
		t.Fatalf("day2 VWAP = %v ok=%v, want 200", got, ok)
	}
}

func TestPreMarketTradesDoNotEnterVWAP(t *testing.T) {
	loc := etLocation(t)
	s := NewStore(loc)
	day := sessionStart(loc, 2026, time.March, 2)

	s.OnTrade("SPY", 50, 1000, day.Add(-time.Hour))
	if _, ok := s.VWAP("SPY"); ok {
		t.Fatal("pre-market trade must not seed VWAP")
	}

	s.OnTrade("SPY", 100, 10, day)
	got, _ := s.VWAP("SPY")
	if got != 100 {
		t.Fatalf("VWAP = %v, want 100", got)
	}
}

func TestVolumeProfilePOCAndValueArea(t *testing.T) {
	loc := etLocation(t)
	s := NewStore(loc)
	day := sessionStart(loc, 2026, time.March, 2)

	// Volume concentrated at 416.00, shoulders at 415.75 and 416.25, a
	// tail at 417.00.
	trades := []struct {
		price float64
		size  float64
	}{
		{416.00, 500},
		{415.75, 200},
		{416.25, 200},
		{417.00, 100},
	}
	for i, tr := range trades {
		s.OnTrade("SPY", tr.price, tr.size, day.Add(time.Duration(i)*time.Second))
	}

	p, ok := s.VolumeProfile("SPY")
	if !ok {
		t.Fatal("profile absent")
	}
	if p.POC != 416.00 {
		t.Fatalf("POC = %v, want 416.00", p.POC)
	}
	// 70% of 1000 = 700; POC (500) + one shoulder (200) reaches it. The
	// lower-price shoulder wins the tie.
	if p.VAL != 415.75 || p.VAH != 416.00 {
		t.Fatalf("value area [%v, %v], want [415.75, 416.00]", p.VAL, p.VAH)
	}
}

func TestADXNeedsEnoughBarsAndStaysInRange(t *testing.T) {
	loc := etLocation(t)
	s := NewStore(loc)
	start := sessionStart(loc, 2026, time.March, 2)

	short := makeBars(start, make([]float64, 20), 100)
	s.SeedHistory("SPY", short, nil)
	if _, ok := s.ADX("SPY", 14); ok {
		t.Fatal("ADX(14) with 20 bars should be absent")
	}

	// Steady uptrend: ADX must be defined and high.
	closes := make([]float64, 120)
	for i := range closes {
		closes[i] = 400 + float64(i)*0.5
	}
	s2 := NewStore(loc)
	s2.SeedHistory("SPY", makeBars(start, closes, 100), nil)

	got, ok := s2.ADX("SPY", 14)
	if !ok {
		t.Fatal("ADX absent on 120 trending bars")
	}
	if got < 0 || got > 100 {
		t.Fatalf("ADX = %v out of range", got)
	}
	if got < 25 {
		t.Fatalf("ADX = %v on a monotone trend, want >= 25", got)
	}
}

func TestVIXStaleness(t *testing.T) {
	loc := etLocation(t)
	s := NewStore(loc)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	if _, ok := s.VIX(now); ok {
		t.Fatal("VIX should be absent before first set")
	}

	s.SetVIX(18.5, now)
	got, ok := s.VIX(now.Add(180 * time.Second))
	if !ok || got != 18.5 {
		t.Fatalf("VIX at exactly 180s = %v ok=%v, want 18.5 present", got, ok)
	}
	if _, ok := s.VIX(now.Add(180*time.Second + time.Millisecond)); ok {
		t.Fatal("VIX past 180s must be absent")
	}
}

func TestIVRankPercentile(t *testing.T) {
	loc := etLocation(t)
	s := NewStore(loc)

	if _, ok := s.IVRank("SPY"); ok {
		t.Fatal("IV rank absent with no history")
	}
	for _, iv := range []float64{0.10, 0.20, 0.30, 0.40, 0.25} {
		s.RecordIV("SPY", iv)
	}
	// Latest 0.25 sits above 2 of 5 samples.
	got, ok := s.IVRank("SPY")
	if !ok || got != 40 {
		t.Fatalf("IVRank = %v ok=%v, want 40", got, ok)
	}
}

func TestFlowStates(t *testing.T) {
	loc := etLocation(t)
	s := NewStore(loc)
	day := sessionStart(loc, 2026, time.March, 2)

	if got := s.Flow("SPY"); got != FlowUnknown {
		t.Fatalf("flow with no data = %v, want UNKNOWN", got)
	}

	// 20 flat bars at 400 with volume 100 establish the baseline, then a
	// surge of heavy buying well above VWAP.
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 400
	}
	bars := makeBars(day, closes, 100)
	// Last 5 bars trade far above VWAP on 3x volume.
	for i := 15; i < 20; i++ {
		bars[i].Close = 404
		bars[i].High = 404.1
		bars[i].Low = 403.9
		bars[i].Volume = 300
	}
	s.SeedHistory("SPY", bars, nil)

	if got := s.Flow("SPY"); got != FlowRiskOn {
		t.Fatalf("flow = %v, want RISK_ON", got)
	}
}

func TestOpeningRange(t *testing.T) {
	loc := etLocation(t)
	s := NewStore(loc)
	day := sessionStart(loc, 2026, time.March, 2)

	bars := makeBars(day, []float64{400, 401, 402}, 100)
	bars[1].High = 403.5
	bars[0].Low = 399.2
	// A bar after 10:00 must not widen the range.
	late := Candle{OpenTime: day.Add(45 * time.Minute), Open: 410, High: 410, Low: 390, Close: 410, Volume: 100}
	s.SeedHistory("SPY", append(bars, late), nil)

	high, low, ok := s.OpeningRange("SPY", day.Add(time.Hour))
	if !ok {
		t.Fatal("opening range absent")
	}
	if high != 403.5 || low != 399.2 {
		t.Fatalf("range [%v, %v], want [399.2, 403.5]", low, high)
	}
}

func TestAccessorsAbsentBeforeWarmup(t *testing.T) {
	loc := etLocation(t)
	s := NewStore(loc)
	day := sessionStart(loc, 2026, time.March, 2)

	s.OnTrade("SPY", 400, 100, day)
	if _, ok := s.Price("SPY"); ok {
		t.Fatal("price must be absent before warm-up")
	}
	if _, ok := s.SMA("SPY", 1); ok {
		t.Fatal("sma must be absent before warm-up")
	}
}
