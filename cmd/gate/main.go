// The gatekeeper process: it terminates signed proposals from the signal
// engine, enforces the risk constitution, executes approved orders at the
// broker, and audits every decision to the ledger.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"options-trading-engine/config"
	"options-trading-engine/internal/gate"
	"options-trading-engine/internal/ledger"
	"options-trading-engine/internal/notify"
	"options-trading-engine/internal/secrets"
	"options-trading-engine/internal/tradier"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("configuration invalid")
	}
	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sec, err := secrets.NewStore(cfg.Vault)
	if err != nil {
		logger.Fatal().Err(err).Msg("secret store init failed")
	}
	apiSecret, err := sec.Get(ctx, "api_secret", "API_SECRET")
	if err != nil {
		logger.Fatal().Err(err).Msg("shared API secret unavailable")
	}
	jwtSecret, err := sec.Get(ctx, "admin_jwt_secret", "GATE_ADMIN_JWT_SECRET")
	if err != nil {
		logger.Fatal().Err(err).Msg("admin JWT secret unavailable")
	}
	token, err := sec.Get(ctx, "tradier_access_token", "TRADIER_ACCESS_TOKEN")
	if err != nil {
		logger.Fatal().Err(err).Msg("broker token unavailable")
	}
	accountID, err := sec.Get(ctx, "tradier_account_id", "TRADIER_ACCOUNT_ID")
	if err != nil {
		logger.Fatal().Err(err).Msg("broker account id unavailable")
	}

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		logger.Fatal().Err(err).Msg("exchange time zone unavailable")
	}

	notifier := notify.NewManager(logger)
	if cfg.Notification.Enabled && cfg.Notification.DiscordWebhookURL != "" {
		notifier.AddSink(notify.NewDiscordSink(cfg.Notification.DiscordWebhookURL))
	}

	auditLog, err := ledger.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ledger init failed")
	}
	defer auditLog.Close()

	broker := tradier.NewClient(cfg.Tradier, token, accountID, logger)

	g, err := gate.New(ctx, cfg.Gate.Constitution, []byte(apiSecret), broker,
		auditLog, cfg.Redis, notifier, loc, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("gate init failed")
	}
	if _, err := g.StartEODReport(ctx); err != nil {
		logger.Warn().Err(err).Msg("end-of-day report disabled")
	}

	server := gate.NewServer(g, []byte(jwtSecret), logger)
	if err := server.Run(ctx, cfg.Gate.Port); err != nil {
		logger.Error().Err(err).Msg("server stopped")
	}
	logger.Info().Msg("gatekeeper shut down")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger
}
