package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"GATE_FORCE_EOD_CLOSE_ET",
		"GATE_MAX_OPEN_POSITIONS",
		"GATE_ALLOWED_SYMBOLS",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	c := cfg.Gate.Constitution
	if c.ForceEODCloseET != "15:55" {
		t.Errorf("ForceEODCloseET = %q, want the 15:55 forced flatten by default", c.ForceEODCloseET)
	}
	if c.MaxOpenPositions != 3 {
		t.Errorf("MaxOpenPositions = %d, want 3", c.MaxOpenPositions)
	}
	if len(c.AllowedSymbols) != 4 || c.AllowedSymbols[0] != "SPY" {
		t.Errorf("AllowedSymbols = %v", c.AllowedSymbols)
	}
}

func TestConstitutionValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Constitution)
		ok     bool
	}{
		{"defaults pass", func(c *Constitution) {}, true},
		{"empty symbols", func(c *Constitution) { c.AllowedSymbols = nil }, false},
		{"loss percent out of range", func(c *Constitution) { c.MaxDailyLossPercent = 1.5 }, false},
		{"inverted dte bounds", func(c *Constitution) { c.MinDTE, c.MaxDTE = 10, 5 }, false},
		{"bad close time", func(c *Constitution) { c.ForceEODCloseET = "nope" }, false},
		{"empty close time disables", func(c *Constitution) { c.ForceEODCloseET = "" }, true},
	}
	for _, tc := range cases {
		c := Constitution{
			AllowedSymbols:      []string{"SPY"},
			MaxDailyLossPercent: 0.02,
			MinDTE:              0,
			MaxDTE:              45,
			StaleProposalMs:     30000,
			ForceEODCloseET:     "15:55",
		}
		tc.mutate(&c)
		err := c.Validate()
		if (err == nil) != tc.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}
