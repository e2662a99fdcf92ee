package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"options-trading-engine/internal/notify"
)

// StartEODReport schedules the end-of-day summary shortly after the
// close, weekdays at 21:30 UTC. Report failures are logged only; a
// broken report never touches trading.
func (g *Gate) StartEODReport(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc("30 21 * * 1-5", func() {
		reportCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := g.sendEODReport(reportCtx); err != nil {
			g.log.Warn().Err(err).Msg("end-of-day report failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule eod report: %w", err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c, nil
}

func (g *Gate) sendEODReport(ctx context.Context) error {
	now := g.now().In(g.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.loc)

	first, last, ok, err := g.ledger.DayEquityRange(ctx, midnight)
	if err != nil {
		return err
	}
	summary, err := g.ledger.SummarizeProposals(ctx, midnight)
	if err != nil {
		return err
	}

	var b strings.Builder
	if ok {
		pnl := last - first
		pct := 0.0
		if first > 0 {
			pct = pnl / first * 100
		}
		fmt.Fprintf(&b, "Equity %.2f -> %.2f (%+.2f, %+.2f%%)\n", first, last, pnl, pct)
	} else {
		b.WriteString("No equity snapshots today\n")
	}
	fmt.Fprintf(&b, "Proposals: %d total\n", summary.Total)
	for _, status := range sortedKeys(summary.ByStatus) {
		fmt.Fprintf(&b, "  %s: %d\n", status, summary.ByStatus[status])
	}
	for _, symbol := range sortedKeys(summary.BySymbol) {
		fmt.Fprintf(&b, "  %s: %d\n", symbol, summary.BySymbol[symbol])
	}

	g.notifier.Send(notify.Event{
		Type:    notify.EventEODReport,
		Title:   fmt.Sprintf("End of Day - %s", now.Format("Mon Jan 2")),
		Message: b.String(),
	})
	g.log.Info().Int("proposals", summary.Total).Msg("end-of-day report sent")
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
