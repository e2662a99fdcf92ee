package models

import (
	"testing"
	"time"
)

func TestOCCSymbol(t *testing.T) {
	tests := []struct {
		name       string
		root       string
		expiration string
		optType    OptionType
		strike     float64
		want       string
	}{
		{"spy put", "SPY", "2024-01-16", OptionPut, 416, "SPY240116P00416000"},
		{"spy call", "SPY", "2024-01-16", OptionCall, 430, "SPY240116C00430000"},
		{"half dollar strike", "IWM", "2025-06-20", OptionPut, 198.5, "IWM250620P00198500"},
		{"lowercase root normalised", "qqq", "2024-03-15", OptionCall, 400, "QQQ240315C00400000"},
		{"large strike", "DIA", "2026-12-18", OptionCall, 1234.5, "DIA261218C01234500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp, err := time.Parse("2006-01-02", tt.expiration)
			if err != nil {
				t.Fatalf("bad test expiration: %v", err)
			}
			got := OCCSymbol(tt.root, exp, tt.optType, tt.strike)
			if got != tt.want {
				t.Errorf("OCCSymbol() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseOCCSymbolRoundTrip(t *testing.T) {
	exp, _ := time.Parse("2006-01-02", "2024-01-16")
	symbol := OCCSymbol("SPY", exp, OptionPut, 416)

	root, gotExp, optType, strike, err := ParseOCCSymbol(symbol)
	if err != nil {
		t.Fatalf("ParseOCCSymbol(%q) error: %v", symbol, err)
	}
	if root != "SPY" || optType != OptionPut || strike != 416 {
		t.Errorf("got root=%q type=%q strike=%v", root, optType, strike)
	}
	if !gotExp.Equal(exp) {
		t.Errorf("expiration = %v, want %v", gotExp, exp)
	}
}

// The last 8 digits must decode to 1000x the leg strike.
func TestOCCStrikeEncoding(t *testing.T) {
	exp, _ := time.Parse("2006-01-02", "2025-02-21")
	for _, strike := range []float64{1, 2.5, 416, 198.5, 430.25, 999.999} {
		symbol := OCCSymbol("SPY", exp, OptionCall, strike)
		_, _, _, decoded, err := ParseOCCSymbol(symbol)
		if err != nil {
			t.Fatalf("strike %v: %v", strike, err)
		}
		if decoded != strike {
			t.Errorf("strike %v decoded as %v (symbol %s)", strike, decoded, symbol)
		}
	}
}

func TestParseOCCSymbolInvalid(t *testing.T) {
	for _, s := range []string{"", "SPY", "SPY240116X00416000", "SPY24011600416000"} {
		if _, _, _, _, err := ParseOCCSymbol(s); err == nil {
			t.Errorf("ParseOCCSymbol(%q) expected error", s)
		}
	}
}

func TestLegDTE(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, loc)

	tests := []struct {
		expiration string
		want       int
	}{
		{"2026-08-24", 0},
		{"2026-08-25", 1},
		{"2026-09-23", 30},
	}
	for _, tt := range tests {
		leg := Leg{Expiration: tt.expiration}
		got, err := leg.DTE(now, loc)
		if err != nil {
			t.Fatalf("DTE(%s): %v", tt.expiration, err)
		}
		if got != tt.want {
			t.Errorf("DTE(%s) = %d, want %d", tt.expiration, got, tt.want)
		}
	}
}

func TestProposalContextAccessors(t *testing.T) {
	p := &Proposal{Context: map[string]any{"vix": 18.5, "flow_state": "RISK_ON", "rsi": 28.1}}

	vix, ok := p.ContextVIX()
	if !ok || vix != 18.5 {
		t.Errorf("ContextVIX() = %v, %v", vix, ok)
	}
	if got := p.ContextFlowState(); got != FlowRiskOn {
		t.Errorf("ContextFlowState() = %q", got)
	}

	empty := &Proposal{Context: map[string]any{}}
	if _, ok := empty.ContextVIX(); ok {
		t.Error("ContextVIX() on empty context should report absent")
	}
	if got := empty.ContextFlowState(); got != FlowUnknown {
		t.Errorf("ContextFlowState() on empty context = %q, want UNKNOWN", got)
	}
}
