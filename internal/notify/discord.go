package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DiscordSink delivers events as webhook embeds.
type DiscordSink struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewDiscordSink creates a Discord webhook sink. An empty URL disables it.
func NewDiscordSink(webhookURL string) *DiscordSink {
	return &DiscordSink{
		webhookURL: webhookURL,
		enabled:    webhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordSink) Name() string { return "discord" }

func (d *DiscordSink) Enabled() bool { return d.enabled }

func (d *DiscordSink) Send(ev Event) error {
	color := 0x2ECC71 // green
	switch {
	case ev.Type == EventError || ev.Type == EventSystemLock:
		color = 0xE74C3C // red
	case ev.Type == EventTradeClose && ev.PnL < 0:
		color = 0xE74C3C
	case ev.Type == EventRegimeChange || ev.Type == EventEODReport:
		color = 0x3498DB // blue
	}

	embed := map[string]any{
		"title":       ev.Title,
		"description": ev.Message,
		"color":       color,
		"timestamp":   ev.Timestamp.Format(time.RFC3339),
	}

	var fields []map[string]any
	if ev.Symbol != "" {
		fields = append(fields, map[string]any{"name": "Symbol", "value": ev.Symbol, "inline": true})
	}
	if ev.Price != 0 {
		fields = append(fields, map[string]any{"name": "Price", "value": fmt.Sprintf("%.2f", ev.Price), "inline": true})
	}
	if ev.PnL != 0 {
		fields = append(fields, map[string]any{
			"name": "P&L", "value": fmt.Sprintf("%.2f (%.1f%%)", ev.PnL, ev.PnLPercent), "inline": true,
		})
	}
	for k, v := range ev.Fields {
		fields = append(fields, map[string]any{"name": k, "value": v, "inline": true})
	}
	if len(fields) > 0 {
		embed["fields"] = fields
	}

	payload := map[string]any{"embeds": []map[string]any{embed}}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord returned status %d", resp.StatusCode)
	}
	return nil
}
