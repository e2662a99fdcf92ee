// Package indicators owns the per-symbol market state of the signal engine:
// 1-minute candle rings, session VWAP, stateful RSI averages, IV history, and
// the derived views (SMA, ADX, volume profile, flow state) that strategies
// consume. All accessors return an ok flag; false means "insufficient data,
// do not trade on this signal."
package indicators

import (
	"sync"
	"time"
)

const (
	// minimum minutes retained per symbol ring (~4 trading days of RTH).
	maxBars = 1560

	ivHistoryLen = 252

	vixStaleAfter = 180 * time.Second
)

// Candle is one closed 1-minute bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// FlowState classifies intraday order flow for a symbol.
type FlowState string

const (
	FlowRiskOn  FlowState = "RISK_ON"
	FlowRiskOff FlowState = "RISK_OFF"
	FlowNeutral FlowState = "NEUTRAL"
	FlowUnknown FlowState = "UNKNOWN"
)

type symbolState struct {
	ring []Candle
	cur  *Candle // forming bar, nil until first trade

	lastPrice   float64
	lastTradeAt time.Time

	// session VWAP cumulants, reset at 09:30 ET.
	sessionStart time.Time
	cumPV        float64
	cumVol       float64

	// session volume-by-price buckets (key = round(price/bucketWidth)).
	buckets map[int64]float64

	// Wilder RSI state keyed by period. Never recomputed once seeded.
	rsi map[int]*rsiState

	ivHistory []float64

	warm bool
}

// Store is the exclusive owner of all per-symbol market state. One mutex
// guards everything; critical sections are pure computation, no I/O.
type Store struct {
	mu  sync.RWMutex
	loc *time.Location

	symbols map[string]*symbolState

	vix   float64
	vixAt time.Time
}

// NewStore creates an empty store. loc must be the exchange time zone
// (America/New_York); session boundaries are computed in it.
func NewStore(loc *time.Location) *Store {
	return &Store{
		loc:     loc,
		symbols: make(map[string]*symbolState),
	}
}

func (s *Store) state(symbol string) *symbolState {
	st, ok := s.symbols[symbol]
	if !ok {
		st = &symbolState{
			buckets: make(map[int64]float64),
			rsi:     make(map[int]*rsiState),
		}
		s.symbols[symbol] = st
	}
	return st
}

// sessionOpen returns 09:30 ET on ts's date.
func (s *Store) sessionOpen(ts time.Time) time.Time {
	et := ts.In(s.loc)
	return time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, s.loc)
}

// OnTrade ingests one trade print. Minute rollover closes the forming bar,
// appends it to the ring, and advances the RSI averages; VWAP cumulants and
// volume buckets reset when the trade belongs to a new regular session.
func (s *Store) OnTrade(symbol string, price, size float64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(symbol)
	st.lastPrice = price
	st.lastTradeAt = ts

	s.rollSession(st, ts)
	if open := s.sessionOpen(ts); !ts.Before(open) {
		st.cumPV += price * size
		st.cumVol += size
		st.buckets[bucketKey(price)] += size
	}

	minute := ts.Truncate(time.Minute)
	if st.cur == nil {
		st.cur = &Candle{OpenTime: minute, Open: price, High: price, Low: price, Close: price, Volume: size}
		return
	}
	if minute.After(st.cur.OpenTime) {
		s.closeBar(st, *st.cur)
		st.cur = &Candle{OpenTime: minute, Open: price, High: price, Low: price, Close: price, Volume: size}
		return
	}
	if price > st.cur.High {
		st.cur.High = price
	}
	if price < st.cur.Low {
		st.cur.Low = price
	}
	st.cur.Close = price
	st.cur.Volume += size
}

// OnQuote ingests a quote update. Quotes do not move candles or VWAP; they
// only refresh the observed price when no trade has printed yet.
func (s *Store) OnQuote(symbol string, bid, ask float64, ts time.Time) {
	if bid <= 0 || ask <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(symbol)
	if st.lastPrice == 0 {
		st.lastPrice = (bid + ask) / 2
	}
}

func (s *Store) rollSession(st *symbolState, ts time.Time) {
	open := s.sessionOpen(ts)
	if ts.Before(open) {
		return
	}
	if !st.sessionStart.Equal(open) {
		st.sessionStart = open
		st.cumPV = 0
		st.cumVol = 0
		st.buckets = make(map[int64]float64)
	}
}

func (s *Store) closeBar(st *symbolState, bar Candle) {
	st.ring = append(st.ring, bar)
	if len(st.ring) > maxBars {
		st.ring = st.ring[len(st.ring)-maxBars:]
	}
	for _, r := range st.rsi {
		r.update(bar.Close)
	}
}

// SeedHistory loads warm-up bars for a symbol: it fills the ring, replays
// closes through the RSI states, rebuilds the current session's VWAP and
// volume buckets, and marks the symbol warm. Bars must be in ascending
// open-time order.
func (s *Store) SeedHistory(symbol string, bars []Candle, rsiPeriods []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(symbol)
	for _, p := range rsiPeriods {
		if _, ok := st.rsi[p]; !ok {
			st.rsi[p] = newRSIState(p)
		}
	}
	for _, bar := range bars {
		s.rollSession(st, bar.OpenTime)
		if open := s.sessionOpen(bar.OpenTime); !bar.OpenTime.Before(open) {
			typical := (bar.High + bar.Low + bar.Close) / 3
			st.cumPV += typical * bar.Volume
			st.cumVol += bar.Volume
			st.buckets[bucketKey(typical)] += bar.Volume
		}
		s.closeBar(st, bar)
	}
	if len(bars) > 0 {
		last := bars[len(bars)-1]
		st.lastPrice = last.Close
		st.lastTradeAt = last.OpenTime
	}
	st.warm = true
}

// Warm reports whether warm-up has completed for the symbol.
func (s *Store) Warm(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[symbol]
	return ok && st.warm
}

// Price returns the last trade price. Absent before warm-up.
func (s *Store) Price(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[symbol]
	if !ok || !st.warm || st.lastPrice == 0 {
		return 0, false
	}
	return st.lastPrice, true
}

// SMA returns the arithmetic mean of the last n closed bars. Absent until n
// bars exist; a partial window is never returned as if it were full.
func (s *Store) SMA(symbol string, n int) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[symbol]
	if !ok || !st.warm || len(st.ring) < n || n <= 0 {
		return 0, false
	}
	sum := 0.0
	for _, bar := range st.ring[len(st.ring)-n:] {
		sum += bar.Close
	}
	return sum / float64(n), true
}

// RSI returns the current Wilder RSI for the period. The smoothed averages
// live across calls and advance only on bar close.
func (s *Store) RSI(symbol string, n int) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[symbol]
	if !ok || !st.warm {
		return 0, false
	}
	r, ok := st.rsi[n]
	if !ok {
		return 0, false
	}
	return r.value()
}

// ADX returns Wilder's ADX(n) computed over the ring on demand.
func (s *Store) ADX(symbol string, n int) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[symbol]
	if !ok || !st.warm {
		return 0, false
	}
	return adx(st.ring, n)
}

// VWAP returns the session volume-weighted average price.
func (s *Store) VWAP(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[symbol]
	if !ok || st.cumVol == 0 {
		return 0, false
	}
	return st.cumPV / st.cumVol, true
}

// VolumeVelocity compares short-run volume against the session baseline:
// mean volume of the last 5 closed bars over the mean of the last 20.
func (s *Store) VolumeVelocity(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[symbol]
	if !ok || len(st.ring) < 20 {
		return 0, false
	}
	recent := meanVolume(st.ring[len(st.ring)-5:])
	base := meanVolume(st.ring[len(st.ring)-20:])
	if base == 0 {
		return 0, false
	}
	return recent / base, true
}

func meanVolume(bars []Candle) float64 {
	if len(bars) == 0 {
		return 0
	}
	sum := 0.0
	for _, b := range bars {
		sum += b.Volume
	}
	return sum / float64(len(bars))
}

// Flow classifies the symbol's order flow: price above session VWAP by more
// than a 0.1% buffer with volume velocity above 1.2 is RISK_ON, the mirror
// is RISK_OFF, anything in between is NEUTRAL. UNKNOWN when inputs are
// absent.
func (s *Store) Flow(symbol string) FlowState {
	price, okP := s.Price(symbol)
	vwap, okV := s.VWAP(symbol)
	vel, okVel := s.VolumeVelocity(symbol)
	if !okP || !okV || !okVel {
		return FlowUnknown
	}
	const buffer = 0.001
	switch {
	case price > vwap*(1+buffer) && vel > 1.2:
		return FlowRiskOn
	case price < vwap*(1-buffer) && vel > 1.2:
		return FlowRiskOff
	default:
		return FlowNeutral
	}
}

// SetVIX records the latest VIX print.
func (s *Store) SetVIX(value float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vix = value
	s.vixAt = at
}

// VIX returns the last VIX value; absent if never set or stale beyond 180s.
func (s *Store) VIX(now time.Time) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.vixAt.IsZero() || now.Sub(s.vixAt) > vixStaleAfter {
		return 0, false
	}
	return s.vix, true
}

// RecordIV appends one ATM implied-vol sample to the symbol's daily history,
// bounded at 252 entries.
func (s *Store) RecordIV(symbol string, iv float64) {
	if iv <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(symbol)
	st.ivHistory = append(st.ivHistory, iv)
	if len(st.ivHistory) > ivHistoryLen {
		st.ivHistory = st.ivHistory[len(st.ivHistory)-ivHistoryLen:]
	}
}

// IVRank returns the percentile rank (0-100) of the latest IV sample within
// the recorded history.
func (s *Store) IVRank(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[symbol]
	if !ok || len(st.ivHistory) < 2 {
		return 0, false
	}
	latest := st.ivHistory[len(st.ivHistory)-1]
	below := 0
	for _, v := range st.ivHistory {
		if v < latest {
			below++
		}
	}
	return float64(below) / float64(len(st.ivHistory)) * 100, true
}

// OpeningRange returns the high/low of today's 09:30-10:00 ET bars.
func (s *Store) OpeningRange(symbol string, now time.Time) (high, low float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, exists := s.symbols[symbol]
	if !exists {
		return 0, 0, false
	}
	open := s.sessionOpen(now)
	end := open.Add(30 * time.Minute)
	for _, bar := range st.ring {
		if bar.OpenTime.Before(open) || !bar.OpenTime.Before(end) {
			continue
		}
		if !ok {
			high, low, ok = bar.High, bar.Low, true
			continue
		}
		if bar.High > high {
			high = bar.High
		}
		if bar.Low < low {
			low = bar.Low
		}
	}
	return high, low, ok
}

// BarCount returns the number of closed bars retained for the symbol.
func (s *Store) BarCount(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[symbol]
	if !ok {
		return 0
	}
	return len(st.ring)
}

// View is a point-in-time snapshot of one symbol's derived indicators, used
// by heartbeats and the status surface. Zero-valued fields were absent.
type View struct {
	Symbol   string    `json:"symbol"`
	Price    float64   `json:"price,omitempty"`
	VWAP     float64   `json:"vwap,omitempty"`
	RSI14    float64   `json:"rsi14,omitempty"`
	RSI2     float64   `json:"rsi2,omitempty"`
	ADX      float64   `json:"adx,omitempty"`
	IVRank   float64   `json:"iv_rank,omitempty"`
	Flow     FlowState `json:"flow"`
	Warm     bool      `json:"warm"`
	BarCount int       `json:"bar_count"`
}

// Snapshot renders the current view for one symbol.
func (s *Store) Snapshot(symbol string) View {
	v := View{Symbol: symbol, Flow: s.Flow(symbol), Warm: s.Warm(symbol), BarCount: s.BarCount(symbol)}
	if p, ok := s.Price(symbol); ok {
		v.Price = p
	}
	if w, ok := s.VWAP(symbol); ok {
		v.VWAP = w
	}
	if r, ok := s.RSI(symbol, 14); ok {
		v.RSI14 = r
	}
	if r, ok := s.RSI(symbol, 2); ok {
		v.RSI2 = r
	}
	if a, ok := s.ADX(symbol, 14); ok {
		v.ADX = a
	}
	if ir, ok := s.IVRank(symbol); ok {
		v.IVRank = ir
	}
	return v
}
