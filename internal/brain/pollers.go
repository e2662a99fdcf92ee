package brain

import (
	"context"
	"math"
	"time"
)

const (
	vixPollInterval = 60 * time.Second
	ivPollInterval  = 15 * time.Minute
	pollTimeout     = 10 * time.Second
)

func (s *Supervisor) pollVIX(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	quotes, err := s.market.GetQuotes(ctx, []string{"VIX"})
	if err != nil {
		s.log.Warn().Err(err).Msg("vix poll failed")
		return
	}
	if len(quotes) == 0 || quotes[0].Last <= 0 {
		s.log.Warn().Msg("vix poll returned no usable quote")
		return
	}
	s.store.SetVIX(quotes[0].Last, s.now())
}

// pollIV samples the at-the-money implied vol of the nearest expiration
// at least a week out, feeding each symbol's IV-rank history.
func (s *Supervisor) pollIV(ctx context.Context) {
	for _, symbol := range s.cfg.Symbols {
		iv, ok := s.fetchATMIV(ctx, symbol)
		if ok {
			s.store.RecordIV(symbol, iv)
		}
	}
}

// fetchATMIV averages the implied vol of the at-the-money call and put.
func (s *Supervisor) fetchATMIV(ctx context.Context, symbol string) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	price, ok := s.store.Price(symbol)
	if !ok {
		return 0, false
	}
	expirations, err := s.market.GetExpirations(ctx, symbol)
	if err != nil || len(expirations) == 0 {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("expirations fetch failed")
		return 0, false
	}
	expiration := pickIVExpiration(expirations, s.now().In(s.loc))
	chain, err := s.market.GetOptionChain(ctx, symbol, expiration)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("chain fetch failed")
		return 0, false
	}

	callDist, putDist := math.MaxFloat64, math.MaxFloat64
	callIV, putIV := 0.0, 0.0
	for _, c := range chain {
		if c.Greeks == nil || c.Greeks.MidIV <= 0 {
			continue
		}
		d := math.Abs(c.Strike - price)
		switch c.OptionType {
		case "call":
			if d < callDist {
				callDist, callIV = d, c.Greeks.MidIV
			}
		case "put":
			if d < putDist {
				putDist, putIV = d, c.Greeks.MidIV
			}
		}
	}
	switch {
	case callIV > 0 && putIV > 0:
		return (callIV + putIV) / 2, true
	case callIV > 0:
		return callIV, true
	case putIV > 0:
		return putIV, true
	}
	return 0, false
}

// pickIVExpiration chooses the first expiration at least 7 days out so
// the sample is not dominated by same-week gamma; falls back to the last
// one listed.
func pickIVExpiration(expirations []string, now time.Time) string {
	cutoff := now.AddDate(0, 0, 7).Format("2006-01-02")
	for _, exp := range expirations {
		if exp >= cutoff {
			return exp
		}
	}
	return expirations[len(expirations)-1]
}
