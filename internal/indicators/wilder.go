package indicators

// rsiState carries Wilder-smoothed gain/loss averages across bar closes.
// The first value is the simple mean of the first n gains/losses; every
// later close folds in with avg = (prev*(n-1) + new) / n. Once seeded the
// averages are never rebuilt from raw history.
type rsiState struct {
	period    int
	prevClose float64
	hasPrev   bool

	seedGains  []float64
	seedLosses []float64

	avgGain float64
	avgLoss float64
	seeded  bool
}

func newRSIState(period int) *rsiState {
	return &rsiState{period: period}
}

func (r *rsiState) update(close float64) {
	if !r.hasPrev {
		r.prevClose = close
		r.hasPrev = true
		return
	}
	change := close - r.prevClose
	r.prevClose = close

	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if !r.seeded {
		r.seedGains = append(r.seedGains, gain)
		r.seedLosses = append(r.seedLosses, loss)
		if len(r.seedGains) == r.period {
			r.avgGain = mean(r.seedGains)
			r.avgLoss = mean(r.seedLosses)
			r.seeded = true
			r.seedGains, r.seedLosses = nil, nil
		}
		return
	}

	n := float64(r.period)
	r.avgGain = (r.avgGain*(n-1) + gain) / n
	r.avgLoss = (r.avgLoss*(n-1) + loss) / n
}

func (r *rsiState) value() (float64, bool) {
	if !r.seeded {
		return 0, false
	}
	if r.avgLoss == 0 {
		return 100, true
	}
	rs := r.avgGain / r.avgLoss
	return 100 - 100/(1+rs), true
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// adx computes Wilder's ADX(n) over the bar slice. Needs at least 2n+1 bars;
// returns absent otherwise.
func adx(bars []Candle, n int) (float64, bool) {
	if n <= 0 || len(bars) < 2*n+1 {
		return 0, false
	}

	var trSum, plusSum, minusSum float64
	var dxs []float64

	// Wilder smoothing over TR and directional movement, then over DX.
	var trS, plusS, minusS float64
	for i := 1; i < len(bars); i++ {
		cur, prev := bars[i], bars[i-1]

		tr := cur.High - cur.Low
		if d := abs(cur.High - prev.Close); d > tr {
			tr = d
		}
		if d := abs(cur.Low - prev.Close); d > tr {
			tr = d
		}

		upMove := cur.High - prev.High
		downMove := prev.Low - cur.Low
		plusDM, minusDM := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}

		if i <= n {
			trSum += tr
			plusSum += plusDM
			minusSum += minusDM
			if i == n {
				trS, plusS, minusS = trSum, plusSum, minusSum
				dxs = append(dxs, dx(plusS, minusS, trS))
			}
			continue
		}

		trS = trS - trS/float64(n) + tr
		plusS = plusS - plusS/float64(n) + plusDM
		minusS = minusS - minusS/float64(n) + minusDM
		dxs = append(dxs, dx(plusS, minusS, trS))
	}

	if len(dxs) < n {
		return 0, false
	}
	out := mean(dxs[:n])
	for _, d := range dxs[n:] {
		out = (out*float64(n-1) + d) / float64(n)
	}
	return out, true
}

func dx(plusS, minusS, trS float64) float64 {
	if trS == 0 {
		return 0
	}
	plusDI := 100 * plusS / trS
	minusDI := 100 * minusS / trS
	sum := plusDI + minusDI
	if sum == 0 {
		return 0
	}
	return 100 * abs(plusDI-minusDI) / sum
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
