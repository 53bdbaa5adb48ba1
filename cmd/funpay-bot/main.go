// Command funpay-bot is the process entrypoint: it loads configuration,
// opens the persistent store, wires every adapter and the bot manager,
// serves the internal status API, and runs until a termination signal
// arrives. Grounded on the pack's thin-main-over-one-top-level-object
// shape (ashureev-shsh-labs's cmd/server/main.go) since the teacher's
// own cmd/ai-bridge/main.go defers startup to the mautrix bridgev2
// framework this repo does not use.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/megafartCc/funpay-rental-bot/internal/aiadapter"
	"github.com/megafartCc/funpay-rental-bot/internal/botmanager"
	"github.com/megafartCc/funpay-rental-bot/internal/cache"
	"github.com/megafartCc/funpay-rental-bot/internal/config"
	"github.com/megafartCc/funpay-rental-bot/internal/cryptbox"
	"github.com/megafartCc/funpay-rental-bot/internal/dbstore"
	"github.com/megafartCc/funpay-rental-bot/internal/httpapi"
	"github.com/megafartCc/funpay-rental-bot/internal/presence"
	"github.com/megafartCc/funpay-rental-bot/internal/steamadapter"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("funpay-bot exited")
	}
}

func run(log zerolog.Logger) error {
	cfg, err := config.Load(os.Getenv("FUNPAY_BOT_CONFIG"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := dbstore.Open(ctx, cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer store.Close()

	box, err := cryptbox.New(cfg.Encryption.Key)
	if err != nil {
		return err
	}

	c, err := cache.New(cfg.Redis.URL, log)
	if err != nil {
		return err
	}

	ai := aiadapter.New(cfg.Adapters.GroqAPIKey, cfg.Adapters.GroqModel, cfg.Adapters.GroqBaseURL)
	pa := presence.New(cfg.Adapters.SteamBridgeURL, c)
	sa := steamadapter.New(cfg.Adapters.SteamWorkerURL)

	bmCfg := botmanagerConfig(cfg)
	mgr := botmanager.New(store, ai, pa, sa, box, bmCfg, log)
	mgr.Start(ctx)
	defer mgr.Stop()

	api := httpapi.New(mgr, log)
	srv := &http.Server{
		Addr:    cfg.HTTP.ListenAddr,
		Handler: api.Handler(),
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("serving internal status API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
			return
		}
		srvErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("status API did not shut down cleanly")
	}

	return nil
}

// botmanagerConfig maps config.Tunables onto the nested Config trees
// each component actually consumes; it carries no tunable across
// layers that the component below it doesn't already expose as a field.
func botmanagerConfig(cfg *config.Config) botmanager.Config {
	bm := botmanager.DefaultConfig()
	t := cfg.Tunables

	bm.ReconcileInterval = t.ReconcileInterval

	bm.Bot.PollInterval = t.PollInterval
	bm.Bot.TokenRefreshInterval = t.TokenRefreshInterval
	bm.Bot.AutoRaiseInterval = t.AutoRaiseInterval
	bm.Bot.SteamWorkerURL = cfg.Adapters.SteamWorkerURL
	bm.Bot.OrderHandler.UnitMinutes = t.BlacklistCompUnitMinutes
	bm.Bot.OrderHandler.BlacklistCompThresholdMinutes = t.BlacklistCompHours * 60
	bm.Bot.ChatBridge.ChatSyncInterval = t.ChatSyncInterval
	bm.Bot.CommandHandler.DefaultUnitMinutes = t.BlacklistCompUnitMinutes

	bm.Reaper.ScanInterval = t.RentalCheckInterval
	bm.Reaper.RemindBefore = time.Duration(t.ExpireRemindMinutes) * time.Minute
	bm.Reaper.MatchGraceEnabled = t.MatchDelayExpire
	bm.Reaper.MatchGraceMax = time.Duration(t.MatchGraceMinutes) * time.Minute
	bm.Reaper.AutoDeauthorizeOnExpire = t.AutoDeauthorizeOnExpire

	return bm
}
