package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OCCSymbol encodes an option contract in the standard OCC format:
// root + YYMMDD + C/P + strike*1000 zero-padded to 8 digits.
// Example: SPY $416 PUT expiring 2024-01-16 -> SPY240116P00416000.
func OCCSymbol(root string, expiration time.Time, optType OptionType, strike float64) string {
	letter := "C"
	if optType == OptionPut {
		letter = "P"
	}
	milliStrike := int64(math.Round(strike * 1000))
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(root), expiration.Format("060102"), letter, milliStrike)
}

// ParseOCCSymbol decodes an OCC option symbol into its components.
func ParseOCCSymbol(symbol string) (root string, expiration time.Time, optType OptionType, strike float64, err error) {
	if len(symbol) < 16 {
		err = fmt.Errorf("occ symbol too short: %q", symbol)
		return
	}
	strikePart := symbol[len(symbol)-8:]
	typePart := symbol[len(symbol)-9 : len(symbol)-8]
	datePart := symbol[len(symbol)-15 : len(symbol)-9]
	root = symbol[:len(symbol)-15]

	switch typePart {
	case "C":
		optType = OptionCall
	case "P":
		optType = OptionPut
	default:
		err = fmt.Errorf("occ symbol %q: invalid option type %q", symbol, typePart)
		return
	}

	expiration, err = time.Parse("060102", datePart)
	if err != nil {
		err = fmt.Errorf("occ symbol %q: invalid expiration: %w", symbol, err)
		return
	}

	milli, perr := strconv.ParseInt(strikePart, 10, 64)
	if perr != nil {
		err = fmt.Errorf("occ symbol %q: invalid strike: %w", symbol, perr)
		return
	}
	strike = float64(milli) / 1000
	return
}
