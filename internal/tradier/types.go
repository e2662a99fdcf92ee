package tradier

import (
	"encoding/json"
	"fmt"
)

// Quote is a single quote row from /markets/quotes. Used for underlyings,
// indices (VIX), and OCC option symbols alike.
type Quote struct {
	Symbol string  `json:"symbol"`
	Last   float64 `json:"last"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Volume int64   `json:"volume"`
	Greeks *Greeks `json:"greeks,omitempty"`
}

// Mid returns the bid/ask midpoint, falling back to whichever side exists.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	if q.Bid > 0 {
		return q.Bid
	}
	return q.Ask
}

// Greeks as returned on option quotes and chains.
type Greeks struct {
	Delta  float64 `json:"delta"`
	Gamma  float64 `json:"gamma"`
	Theta  float64 `json:"theta"`
	Vega   float64 `json:"vega"`
	MidIV  float64 `json:"mid_iv"`
	SmvVol float64 `json:"smv_vol"`
}

// OptionContract is one row of an option chain.
type OptionContract struct {
	Symbol     string  `json:"symbol"`
	Underlying string  `json:"underlying"`
	Strike     float64 `json:"strike"`
	OptionType string  `json:"option_type"` // "put" or "call"
	Expiration string  `json:"expiration_date"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	Greeks     *Greeks `json:"greeks,omitempty"`
}

// Mid returns the bid/ask midpoint of the contract.
func (c OptionContract) Mid() float64 {
	if c.Bid > 0 && c.Ask > 0 {
		return (c.Bid + c.Ask) / 2
	}
	if c.Bid > 0 {
		return c.Bid
	}
	return c.Ask
}

// Bar is a 1-minute historical candle from /markets/timesales.
type Bar struct {
	Time   string  `json:"time"` // ISO 8601
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Balances is the account balance snapshot.
type Balances struct {
	TotalEquity float64 `json:"total_equity"`
	OptionBP    float64 `json:"option_buying_power"`
	Cash        float64 `json:"total_cash"`
}

// Position is a broker-held position row.
type Position struct {
	Symbol       string  `json:"symbol"` // OCC symbol for options
	Quantity     float64 `json:"quantity"`
	CostBasis    float64 `json:"cost_basis"`
	DateAcquired string  `json:"date_acquired"`
}

// Order is the status of a previously placed order.
type Order struct {
	ID        int64   `json:"id"`
	Status    string  `json:"status"` // open, pending, filled, canceled, rejected, expired
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	AvgFill   float64 `json:"avg_fill_price"`
	Quantity  float64 `json:"quantity"`
	CreatedAt string  `json:"create_date"`
}

// Pending reports whether the order is still working at the broker.
func (o Order) Pending() bool {
	switch o.Status {
	case "open", "pending", "partially_filled", "calculated", "accepted_for_bidding":
		return true
	}
	return false
}

// MultilegLeg is one leg of a multi-leg order submission.
type MultilegLeg struct {
	OptionSymbol string // OCC symbol
	Side         string // buy_to_open, sell_to_open, buy_to_close, sell_to_close
	Quantity     int
}

// MultilegOrder is a single atomic multi-leg option order.
type MultilegOrder struct {
	Symbol   string  // underlying
	Type     string  // credit, debit, limit
	Duration string  // day
	Price    float64 // net limit
	Legs     []MultilegLeg
}

// oneOrMany absorbs Tradier's habit of returning a single object where a
// list has one element.
type oneOrMany[T any] []T

func (o *oneOrMany[T]) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var list []T
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*o = list
		return nil
	}
	var single T
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("decode single element: %w", err)
	}
	*o = []T{single}
	return nil
}
