// The brain process: it ingests the market-data stream, maintains
// indicators and regime state, evaluates strategies, and manages open
// positions. Every order it wants goes to the gatekeeper as a signed
// proposal; the brain itself never talks to the broker's order endpoints.
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
	"options-trading-engine/internal/brain"
	"options-trading-engine/internal/gateclient"
	"options-trading-engine/internal/indicators"
	"options-trading-engine/internal/notify"
	"options-trading-engine/internal/positions"
	"options-trading-engine/internal/secrets"
	"options-trading-engine/internal/strategy"
	"options-trading-engine/internal/stream"
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

	broker := tradier.NewClient(cfg.Tradier, token, accountID, logger)
	gateClient := gateclient.New(cfg.Brain.GatekeeperURL, []byte(apiSecret), logger)
	store := indicators.NewStore(loc)

	manager, err := positions.NewManager(broker, gateClient, store, notifier, loc,
		cfg.Brain.PositionsFile, cfg.Gate.Constitution.ForceEODCloseET, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("position manager init failed")
	}

	restricted := restrictedFunc(cfg.Brain.RestrictedDates)
	engine := strategy.NewEngine(store, strategy.NewBuilder(broker, loc), gateClient,
		manager, notifier, strategy.Defaults(), loc, restricted, logger)

	supervisor := brain.NewSupervisor(cfg.Brain, broker, store, engine, gateClient,
		manager, notifier, loc, logger)
	ingestor := stream.NewIngestor(broker, cfg.Tradier.StreamWSURL, cfg.Brain.Symbols,
		store, engine, loc, logger)

	go manager.Run(ctx)
	go ingestor.Run(ctx)
	if err := supervisor.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("supervisor stopped")
	}

	// give the position manager a moment to finish its cycle and flush
	time.Sleep(time.Second)
	logger.Info().Msg("brain shut down")
}

// restrictedFunc turns the configured event-day list into the lookup the
// regime classifier uses.
func restrictedFunc(dates []string) func(time.Time) bool {
	set := make(map[string]bool, len(dates))
	for _, d := range dates {
		set[d] = true
	}
	return func(day time.Time) bool {
		return set[day.Format("2006-01-02")]
	}
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
