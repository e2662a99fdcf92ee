package positions

import (
	"strings"
	"testing"
	"time"

	"options-trading-engine/internal/models"
)

func TestScalperExits(t *testing.T) {
	pos := &TrackedPosition{Origin: scalperOrigin, Bias: models.BiasBullish, Strategy: models.StrategyCreditSpread}

	if got := ExitReason(pos, 5, Marks{RSI14: 55, RSI14OK: true}, false); got != "" {
		t.Fatalf("no exit expected, got %q", got)
	}
	if got := ExitReason(pos, 5, Marks{RSI14: 61, RSI14OK: true}, false); got == "" {
		t.Fatal("bullish scalp must exit on RSI(14) > 60")
	}
	if got := ExitReason(pos, -20, Marks{}, false); got == "" {
		t.Fatal("scalp must stop out at -20%")
	}

	pos.Bias = models.BiasBearish
	if got := ExitReason(pos, 5, Marks{RSI14: 39, RSI14OK: true}, false); got == "" {
		t.Fatal("bearish scalp must exit on RSI(14) < 40")
	}
}

func TestDirectionalTrailingStop(t *testing.T) {
	pos := &TrackedPosition{Bias: models.BiasBullish, Strategy: models.StrategyCreditSpread, HighestPnLPct: 35}

	if got := ExitReason(pos, 28, Marks{}, false); got != "" {
		t.Fatalf("peak 35 now 28: drawdown 7 < 10, got %q", got)
	}
	if got := ExitReason(pos, 25, Marks{}, false); !strings.Contains(got, "trailing stop") {
		t.Fatalf("peak 35 now 25 must trail out, got %q", got)
	}

	// Below the 30% arming threshold the trail never fires.
	pos.HighestPnLPct = 25
	if got := ExitReason(pos, 5, Marks{}, false); got != "" {
		t.Fatalf("unarmed trail fired: %q", got)
	}
}

func TestDirectionalTrendBreakAndTargets(t *testing.T) {
	pos := &TrackedPosition{Bias: models.BiasBullish, Strategy: models.StrategyCreditSpread}

	m := Marks{Price: 424, PriceOK: true, SMA200: 425, SMAOK: true}
	if got := ExitReason(pos, 10, m, false); !strings.Contains(got, "trend break") {
		t.Fatalf("bullish below SMA200 must exit, got %q", got)
	}

	pos.Bias = models.BiasBearish
	m = Marks{Price: 426, PriceOK: true, SMA200: 425, SMAOK: true}
	if got := ExitReason(pos, 10, m, false); !strings.Contains(got, "trend break") {
		t.Fatalf("bearish above SMA200 must exit, got %q", got)
	}

	if got := ExitReason(pos, 80, Marks{}, false); !strings.Contains(got, "profit target") {
		t.Fatalf("80%% must hit the target, got %q", got)
	}
	if got := ExitReason(pos, -100, Marks{}, false); !strings.Contains(got, "hard stop") {
		t.Fatalf("-100%% must stop, got %q", got)
	}
}

func TestNeutralExits(t *testing.T) {
	pos := &TrackedPosition{Bias: models.BiasNeutral, Strategy: models.StrategyIronCondor}

	if got := ExitReason(pos, 10, Marks{ADX: 31, ADXOK: true}, false); !strings.Contains(got, "ADX") {
		t.Fatalf("ADX > 30 must break the range trade, got %q", got)
	}
	if got := ExitReason(pos, 50, Marks{}, false); !strings.Contains(got, "profit target") {
		t.Fatalf("neutral takes profit at 50%%, got %q", got)
	}
	if got := ExitReason(pos, 40, Marks{ADX: 20, ADXOK: true}, false); got != "" {
		t.Fatalf("no exit expected, got %q", got)
	}

	// Recovered positions follow the neutral rules.
	rec := &TrackedPosition{Bias: models.BiasNeutral, Strategy: models.StrategyManualRecovery}
	if got := ExitReason(rec, 50, Marks{}, false); got == "" {
		t.Fatal("manual recovery must use neutral exits")
	}
}

func TestForcedEODCloseOverridesEverything(t *testing.T) {
	pos := &TrackedPosition{Bias: models.BiasNeutral, Strategy: models.StrategyIronCondor}
	if got := ExitReason(pos, 0, Marks{}, true); got == "" {
		t.Fatal("EOD close must always exit")
	}
}

func TestPastEODClose(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	at := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, loc) }

	if pastEODClose(at(15, 54), "15:55") {
		t.Fatal("15:54 is before the cutoff")
	}
	if !pastEODClose(at(15, 55), "15:55") {
		t.Fatal("the cutoff minute itself closes")
	}
	if pastEODClose(at(15, 59), "") {
		t.Fatal("empty config disables the rule")
	}
}
