package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"options-trading-engine/internal/ledger"
)

const statusTimeout = 1 * time.Second

// Server exposes the gate over HTTP.
type Server struct {
	gate   *Gate
	engine *gin.Engine
	log    zerolog.Logger
}

// NewServer wires the routes. The proposal and heartbeat endpoints are
// open (authenticated by HMAC payload signatures); admin endpoints
// require a bearer JWT.
func NewServer(g *Gate, adminSecret []byte, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", "X-GW-Signature", "X-GW-Timestamp"},
		MaxAge:       12 * time.Hour,
	}))

	s := &Server{gate: g, engine: r, log: logger.With().Str("component", "gate-http").Logger()}

	r.POST("/v1/proposal", s.handleProposal)
	r.POST("/v1/heartbeat", s.handleHeartbeat)
	r.GET("/v1/status", s.handleStatus)
	r.GET("/", s.handleDashboard)

	admin := r.Group("/v1/admin", adminAuth(adminSecret))
	admin.POST("/lock", s.handleLock)
	admin.POST("/unlock", s.handleUnlock)
	admin.POST("/liquidate", s.handleLiquidate)
	admin.POST("/calendar", s.handleCalendar)

	return s
}

// Run blocks serving HTTP until the context is cancelled, then shuts the
// listener down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.engine,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Int("port", port).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleProposal verifies and evaluates a signed proposal. The body is
// read raw so the signature covers the exact transmitted bytes.
func (s *Server) handleProposal(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	outcome := s.gate.Evaluate(c.Request.Context(), body, c.GetHeader("X-GW-Signature"))
	switch outcome.Status {
	case ledger.ProposalApproved:
		c.JSON(http.StatusOK, outcome)
	case ledger.ProposalExecutionFailed:
		c.JSON(http.StatusInternalServerError, outcome)
	default:
		c.JSON(http.StatusForbidden, outcome)
	}
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	s.gate.Heartbeat(c.Request.Context(), json.RawMessage(body))
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
	defer cancel()
	st, err := s.gate.Status(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleLock(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		req.Reason = "manual lock"
	}
	s.gate.Lock(c.Request.Context(), req.Reason)
	c.JSON(http.StatusOK, gin.H{"status": ledger.SystemLocked, "reason": req.Reason})
}

func (s *Server) handleUnlock(c *gin.Context) {
	s.gate.Unlock(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": ledger.SystemNormal})
}

func (s *Server) handleLiquidate(c *gin.Context) {
	results := s.gate.Liquidate(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": ledger.SystemLocked, "results": results})
}

func (s *Server) handleCalendar(c *gin.Context) {
	var req struct {
		Dates []string `json:"dates"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected {\"dates\": [\"YYYY-MM-DD\", ...]}"})
		return
	}
	for _, d := range req.Dates {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("bad date %q", d)})
			return
		}
	}
	n := s.gate.UpdateCalendar(c.Request.Context(), req.Dates)
	c.JSON(http.StatusOK, gin.H{"status": "OK", "count": n})
}

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Gatekeeper</title>
<style>
body { font-family: monospace; background: #0d1117; color: #c9d1d9; margin: 2em; }
h1 { color: #58a6ff; }
.locked { color: #f85149; font-weight: bold; }
.normal { color: #3fb950; font-weight: bold; }
table { border-collapse: collapse; margin-top: 1em; }
th, td { border: 1px solid #30363d; padding: 4px 10px; text-align: left; }
th { background: #161b22; }
.APPROVED { color: #3fb950; }
.REJECTED { color: #f85149; }
.APPROVED_BUT_EXECUTION_FAILED { color: #d29922; }
</style>
</head>
<body>
<h1>Gatekeeper</h1>
<p>Status: {{if .Locked}}<span class="locked">LOCKED</span> - {{.LockReason}}{{else}}<span class="normal">NORMAL</span>{{end}}</p>
<p>Equity: {{printf "%.2f" .Equity}} | Day P&amp;L: {{printf "%.2f" .DayPnL}} | Last heartbeat: {{.LastHeartbeat.Format "15:04:05 MST"}}</p>
<table>
<tr><th>Time</th><th>Symbol</th><th>Strategy</th><th>Side</th><th>Price</th><th>Outcome</th><th>Reason</th></tr>
{{range .Recent}}
<tr>
<td>{{.CreatedAt.Format "15:04:05"}}</td>
<td>{{.Symbol}}</td>
<td>{{.Strategy}}</td>
<td>{{.Side}}</td>
<td>{{printf "%.2f" .Price}}</td>
<td class="{{.Status}}">{{.Status}}</td>
<td>{{.RejectionReason}}</td>
</tr>
{{end}}
</table>
</body>
</html>`))

func (s *Server) handleDashboard(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
	defer cancel()
	st, err := s.gate.Status(ctx)
	if err != nil {
		c.String(http.StatusInternalServerError, "status unavailable: %v", err)
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(c.Writer, st); err != nil {
		s.log.Warn().Err(err).Msg("dashboard render failed")
	}
}
