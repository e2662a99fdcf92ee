// Package stream maintains the market-data websocket: it opens a broker
// stream session, subscribes the trading universe, and feeds ticks into
// the indicator store and the strategy engine. The connection is held
// only inside the trading session window and reconnects with backoff.
package stream

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"options-trading-engine/internal/indicators"
)

// SessionSource mints broker stream sessions.
type SessionSource interface {
	CreateStreamSession(ctx context.Context) (string, error)
}

// TradeHandler receives a notification after each trade has been folded
// into the indicator store.
type TradeHandler interface {
	OnTrade(ctx context.Context, symbol string, now time.Time)
}

// Session window, Eastern time. Opens a few minutes before the bell so
// the first prints of the day are not lost, holds a few past the close
// for late trade reports.
const (
	windowOpenHour   = 9
	windowOpenMin    = 25
	windowCloseHour  = 16
	windowCloseMin   = 5
	maxBackoff       = 30 * time.Second
	readDeadline     = 90 * time.Second
	subscribeTimeout = 10 * time.Second
)

// Ingestor owns the websocket lifecycle.
type Ingestor struct {
	source  SessionSource
	wsURL   string
	symbols []string
	store   *indicators.Store
	handler TradeHandler
	loc     *time.Location
	log     zerolog.Logger
	now     func() time.Time
	dial    func(ctx context.Context, url string) (wsConn, error)
}

// wsConn is the slice of *websocket.Conn the ingestor uses; tests swap in
// a fake.
type wsConn interface {
	WriteJSON(v any) error
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// NewIngestor wires the stream to its consumers.
func NewIngestor(source SessionSource, wsURL string, symbols []string,
	store *indicators.Store, handler TradeHandler, loc *time.Location, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		source:  source,
		wsURL:   wsURL,
		symbols: symbols,
		store:   store,
		handler: handler,
		loc:     loc,
		log:     logger.With().Str("component", "stream").Logger(),
		now:     time.Now,
		dial: func(ctx context.Context, url string) (wsConn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// Run blocks until the context is cancelled, holding a live subscription
// whenever the session window is open.
func (in *Ingestor) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		now := in.now().In(in.loc)
		if !in.inWindow(now) {
			if !sleepCtx(ctx, time.Minute) {
				return
			}
			backoff = time.Second
			continue
		}

		err := in.connectAndConsume(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// clean window close; start fresh tomorrow
			backoff = time.Second
			continue
		}
		in.log.Warn().Err(err).Dur("backoff", backoff).Msg("stream dropped, reconnecting")
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// inWindow reports whether now (already in ET) is inside the weekday
// session window.
func (in *Ingestor) inWindow(now time.Time) bool {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= windowOpenHour*60+windowOpenMin && minutes < windowCloseHour*60+windowCloseMin
}

func (in *Ingestor) connectAndConsume(ctx context.Context) error {
	sessCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	sessionID, err := in.source.CreateStreamSession(sessCtx)
	cancel()
	if err != nil {
		return err
	}

	conn, err := in.dial(ctx, in.wsURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]any{
		"symbols":   in.symbols,
		"sessionid": sessionID,
		"filter":    []string{"trade", "quote"},
		"linebreak": true,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	in.log.Info().Strs("symbols", in.symbols).Msg("stream subscribed")

	// close the socket when the context dies so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if !in.inWindow(in.now().In(in.loc)) {
			in.log.Info().Msg("session window closed, dropping stream")
			return nil
		}
		conn.SetReadDeadline(in.now().Add(readDeadline))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		in.dispatch(ctx, msg)
	}
}

// event is the superset of trade and quote stream messages. Numeric
// fields arrive as strings.
type event struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Size   string `json:"size"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
}

func (in *Ingestor) dispatch(ctx context.Context, msg []byte) {
	var ev event
	if err := json.Unmarshal(msg, &ev); err != nil {
		in.log.Debug().Err(err).Msg("unparseable stream message")
		return
	}
	now := in.now()
	switch ev.Type {
	case "trade":
		price, err := strconv.ParseFloat(ev.Price, 64)
		if err != nil || price <= 0 {
			return
		}
		size, _ := strconv.ParseFloat(ev.Size, 64)
		in.store.OnTrade(ev.Symbol, price, size, now)
		if in.handler != nil {
			in.handler.OnTrade(ctx, ev.Symbol, now)
		}
	case "quote":
		bid, errB := strconv.ParseFloat(ev.Bid, 64)
		ask, errA := strconv.ParseFloat(ev.Ask, 64)
		if errB != nil || errA != nil {
			return
		}
		in.store.OnQuote(ev.Symbol, bid, ask, now)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	switch {
	case d < 2*time.Second:
		return 2 * time.Second
	case d < 5*time.Second:
		return 5 * time.Second
	default:
		d *= 2
		if d > maxBackoff {
			return maxBackoff
		}
		return d
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
