// Package main implements a service that watches the chatty event stream
// and delivers push notifications for replies, mentions, and subscribed
// keywords to registered devices over WNS and FCM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"chatty-notifier/chatty"
	"chatty-notifier/config"
	"chatty-notifier/dispatch"
	"chatty-notifier/match"
	"chatty-notifier/monitor"
	"chatty-notifier/push"
	"chatty-notifier/server"
	"chatty-notifier/storage"
	"chatty-notifier/tile"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("Failed to open user database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close user database", "error", err)
		}
	}()

	sender := buildSender(ctx, cfg, logger)
	tokens := push.NewTokenCache(nil, cfg.WNSClientID, cfg.WNSClientSecret, logger)
	dispatcher := dispatch.New(ctx, sender, tokens, store, logger)

	// The long-poll client must not carry a client-level timeout; poll
	// calls are bounded by per-request contexts in the monitor.
	api := chatty.New(&http.Client{}, cfg.ChattyBaseURL, logger)

	matcher := match.New(store, api, dispatcher, logger)
	mon := monitor.New(api, matcher, logger)
	mon.Start()
	defer mon.Stop()

	var tiles server.TileSource
	if cfg.TileFeedURL != "" {
		tiles = tile.New(nil, cfg.TileFeedURL, logger)
	} else {
		tiles = emptyTiles{}
	}

	srv := server.New(&server.Config{
		Store:  store,
		Reply:  api,
		Tiles:  tiles,
		Logger: logger,
	})

	go func() {
		if err := srv.ListenAndServe(cfg.Port); err != nil {
			logger.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	mon.Stop()
	dispatcher.Wait()
}

// buildSender wires the two push channels independently, substituting a
// mock for any channel whose credentials are absent so a partial deployment
// still delivers on the channel it is configured for.
func buildSender(ctx context.Context, cfg *config.Config, logger *slog.Logger) push.Sender {
	var wns push.Sender
	if cfg.WNSClientID != "" {
		wns = push.NewWNSSender(&http.Client{Timeout: 30 * time.Second}, logger)
		logger.Info("WNS channel initialized")
	} else {
		logger.Warn("WNS credentials absent, WNS channel is mocked")
		wns = push.NewMockSender(logger)
	}

	var fcm push.Sender
	if cfg.FirebaseCredentialsJSON != "" {
		app, err := firebase.NewApp(ctx, nil,
			option.WithCredentialsJSON([]byte(cfg.FirebaseCredentialsJSON)))
		if err != nil {
			logger.Error("Failed to initialize Firebase app", "error", err)
			os.Exit(1)
		}
		client, err := app.Messaging(ctx)
		if err != nil {
			logger.Error("Failed to initialize FCM client", "error", err)
			os.Exit(1)
		}
		fcm = push.NewFCMSender(client, logger)
		logger.Info("FCM channel initialized")
	} else {
		logger.Warn("Firebase credentials absent, FCM channel is mocked")
		fcm = push.NewMockSender(logger)
	}

	return push.NewRouter(wns, fcm)
}

// emptyTiles is the tile source used when no feed is configured.
type emptyTiles struct{}

func (emptyTiles) XML(context.Context) (string, error) {
	return `<tile><visual/></tile>`, nil
}
