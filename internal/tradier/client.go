// Package tradier is the brokerage API client: quotes, option chains,
// account state, multi-leg orders, and streaming session creation.
package tradier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"options-trading-engine/config"
)

// Client talks to the Tradier REST API. Reads and writes use separate
// timeouts; all calls go through a circuit breaker so a broker outage
// degrades quickly instead of piling up blocked goroutines.
type Client struct {
	baseURL     string
	token       string
	accountID   string
	readClient  *http.Client
	writeClient *http.Client
	breaker     *gobreaker.CircuitBreaker
	log         zerolog.Logger
}

// NewClient builds a broker client from configuration.
func NewClient(cfg config.TradierConfig, token, accountID string, logger zerolog.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "tradier",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		baseURL:     strings.TrimRight(cfg.APIBase, "/"),
		token:       token,
		accountID:   accountID,
		readClient:  &http.Client{Timeout: cfg.ReadTimeout},
		writeClient: &http.Client{Timeout: cfg.WriteTimeout},
		breaker:     breaker,
		log:         logger.With().Str("component", "tradier").Logger(),
	}
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, query url.Values, form url.Values) ([]byte, error) {
	body, err := c.breaker.Execute(func() (any, error) {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var reader io.Reader
		if form != nil {
			reader = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("tradier %s %s: status %d: %s", method, path, resp.StatusCode, truncate(string(data), 200))
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// GetQuotes fetches quotes for one or more symbols (underlyings, indices,
// or OCC option symbols). Greeks are requested so option quotes carry
// delta/theta/vega for P&L and portfolio greeks.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) ([]Quote, error) {
	q := url.Values{"symbols": {strings.Join(symbols, ",")}, "greeks": {"true"}}
	data, err := c.do(ctx, c.readClient, http.MethodGet, "/markets/quotes", q, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Quotes struct {
			Quote oneOrMany[Quote] `json:"quote"`
		} `json:"quotes"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode quotes: %w", err)
	}
	return out.Quotes.Quote, nil
}

// GetExpirations lists option expiration dates (YYYY-MM-DD) for a symbol.
func (c *Client) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	q := url.Values{"symbol": {symbol}, "includeAllRoots": {"true"}}
	data, err := c.do(ctx, c.readClient, http.MethodGet, "/markets/options/expirations", q, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Expirations struct {
			Date oneOrMany[string] `json:"date"`
		} `json:"expirations"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode expirations: %w", err)
	}
	return out.Expirations.Date, nil
}

// GetOptionChain fetches the full chain for one expiration, with greeks.
func (c *Client) GetOptionChain(ctx context.Context, symbol, expiration string) ([]OptionContract, error) {
	q := url.Values{"symbol": {symbol}, "expiration": {expiration}, "greeks": {"true"}}
	data, err := c.do(ctx, c.readClient, http.MethodGet, "/markets/options/chains", q, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Options struct {
			Option oneOrMany[OptionContract] `json:"option"`
		} `json:"options"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode option chain: %w", err)
	}
	return out.Options.Option, nil
}

// GetTimeSales fetches 1-minute historical bars between start and end.
func (c *Client) GetTimeSales(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	q := url.Values{
		"symbol":   {symbol},
		"interval": {"1min"},
		"start":    {start.Format("2006-01-02 15:04")},
		"end":      {end.Format("2006-01-02 15:04")},
	}
	data, err := c.do(ctx, c.readClient, http.MethodGet, "/markets/timesales", q, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Series struct {
			Data oneOrMany[Bar] `json:"data"`
		} `json:"series"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode timesales: %w", err)
	}
	return out.Series.Data, nil
}

// GetBalances fetches the account balance snapshot.
func (c *Client) GetBalances(ctx context.Context) (*Balances, error) {
	data, err := c.do(ctx, c.readClient, http.MethodGet, "/accounts/"+c.accountID+"/balances", nil, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Balances Balances `json:"balances"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode balances: %w", err)
	}
	return &out.Balances, nil
}

// GetPositions fetches all broker-held positions. A flat account returns
// an empty slice.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	data, err := c.do(ctx, c.readClient, http.MethodGet, "/accounts/"+c.accountID+"/positions", nil, nil)
	if err != nil {
		return nil, err
	}
	// Tradier returns {"positions":"null"} for a flat account.
	if strings.Contains(string(data), `"positions":"null"`) {
		return nil, nil
	}
	var out struct {
		Positions struct {
			Position oneOrMany[Position] `json:"position"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return out.Positions.Position, nil
}

// PlaceMultilegOrder submits one atomic multi-leg option order as indexed
// URL-encoded form fields and returns the broker order id.
func (c *Client) PlaceMultilegOrder(ctx context.Context, order MultilegOrder) (int64, error) {
	form := url.Values{
		"class":    {"multileg"},
		"symbol":   {order.Symbol},
		"type":     {order.Type},
		"duration": {order.Duration},
		"price":    {strconv.FormatFloat(order.Price, 'f', 2, 64)},
	}
	for i, leg := range order.Legs {
		idx := strconv.Itoa(i)
		form.Set("option_symbol["+idx+"]", leg.OptionSymbol)
		form.Set("side["+idx+"]", leg.Side)
		form.Set("quantity["+idx+"]", strconv.Itoa(leg.Quantity))
	}

	data, err := c.do(ctx, c.writeClient, http.MethodPost, "/accounts/"+c.accountID+"/orders", nil, form)
	if err != nil {
		return 0, err
	}
	var out struct {
		Order struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"order"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("decode order response: %w", err)
	}
	if out.Order.ID == 0 {
		return 0, fmt.Errorf("order rejected: %s", truncate(string(data), 200))
	}
	c.log.Info().Int64("order_id", out.Order.ID).Str("symbol", order.Symbol).
		Str("type", order.Type).Float64("price", order.Price).Msg("multileg order placed")
	return out.Order.ID, nil
}

// GetOrder fetches the current status of an order.
func (c *Client) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	path := "/accounts/" + c.accountID + "/orders/" + strconv.FormatInt(orderID, 10)
	data, err := c.do(ctx, c.readClient, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Order Order `json:"order"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &out.Order, nil
}

// GetOpenOrders lists working orders, optionally filtered by underlying.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	data, err := c.do(ctx, c.readClient, http.MethodGet, "/accounts/"+c.accountID+"/orders", nil, nil)
	if err != nil {
		return nil, err
	}
	if strings.Contains(string(data), `"orders":"null"`) {
		return nil, nil
	}
	var out struct {
		Orders struct {
			Order oneOrMany[Order] `json:"order"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	var open []Order
	for _, o := range out.Orders.Order {
		if !o.Pending() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		open = append(open, o)
	}
	return open, nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	path := "/accounts/" + c.accountID + "/orders/" + strconv.FormatInt(orderID, 10)
	_, err := c.do(ctx, c.writeClient, http.MethodDelete, path, nil, nil)
	if err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	c.log.Info().Int64("order_id", orderID).Msg("order cancelled")
	return nil
}

// CreateStreamSession obtains an opaque session id required before opening
// the market-events websocket.
func (c *Client) CreateStreamSession(ctx context.Context) (string, error) {
	data, err := c.do(ctx, c.writeClient, http.MethodPost, "/markets/events/session", nil, url.Values{})
	if err != nil {
		return "", err
	}
	var out struct {
		Stream struct {
			SessionID string `json:"sessionid"`
		} `json:"stream"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode stream session: %w", err)
	}
	if out.Stream.SessionID == "" {
		return "", fmt.Errorf("no sessionid in response")
	}
	return out.Stream.SessionID, nil
}
