// Package gateclient is the signal engine's HTTP client for the risk gate.
// Every proposal body is canonicalized and signed before it leaves the
// process; heartbeats are best-effort and never block proposal traffic.
package gateclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"options-trading-engine/internal/models"
	"options-trading-engine/internal/signing"
)

// Decision is the gate's verdict on a proposal.
type Decision struct {
	Status     string `json:"status"` // APPROVED, REJECTED, APPROVED_BUT_EXECUTION_FAILED
	OrderID    int64  `json:"order_id,omitempty"`
	ProposalID string `json:"proposal_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Approved reports whether the order was accepted and placed.
func (d Decision) Approved() bool { return d.Status == "APPROVED" }

// Client posts signed proposals and heartbeats to the gate.
type Client struct {
	baseURL string
	secret  []byte
	// proposal calls ride the ingest path and must give up fast.
	proposalClient  *http.Client
	heartbeatClient *http.Client
	log             zerolog.Logger
}

// New creates a gate client. baseURL has no trailing slash.
func New(baseURL string, secret []byte, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:         baseURL,
		secret:          secret,
		proposalClient:  &http.Client{Timeout: 2 * time.Second},
		heartbeatClient: &http.Client{Timeout: 5 * time.Second},
		log:             logger.With().Str("component", "gateclient").Logger(),
	}
}

// SubmitProposal signs and posts one proposal. A rejected proposal is not an
// error; the decision carries the reason. Errors mean the gate was
// unreachable or returned garbage.
func (c *Client) SubmitProposal(ctx context.Context, p *models.Proposal) (*Decision, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal proposal: %w", err)
	}
	canonical, err := signing.CanonicalizeRaw(body)
	if err != nil {
		return nil, fmt.Errorf("canonicalize proposal: %w", err)
	}
	sig := signing.Sign(c.secret, canonical)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/proposal", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GW-Signature", sig)
	req.Header.Set("X-GW-Timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	resp, err := c.proposalClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post proposal: %w", err)
	}
	defer resp.Body.Close()

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return nil, fmt.Errorf("decode gate response (status %d): %w", resp.StatusCode, err)
	}

	ev := c.log.Info()
	if !decision.Approved() {
		ev = c.log.Warn()
	}
	ev.Str("proposal_id", p.ID).Str("symbol", p.Symbol).Str("strategy", p.Strategy).
		Str("status", decision.Status).Str("reason", decision.Reason).Msg("gate decision")
	return &decision, nil
}

// Heartbeat posts the brain state blob. Failures are logged and swallowed.
func (c *Client) Heartbeat(ctx context.Context, state any) {
	body, err := json.Marshal(map[string]any{"state": state})
	if err != nil {
		c.log.Warn().Err(err).Msg("marshal heartbeat")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/heartbeat", bytes.NewReader(body))
	if err != nil {
		c.log.Warn().Err(err).Msg("build heartbeat request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.heartbeatClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("heartbeat failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.log.Warn().Int("status", resp.StatusCode).Msg("heartbeat rejected")
	}
}
