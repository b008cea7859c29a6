// Command renew renews the active subscription, or creates one from the
// stored token when none is active. It is meant to run from cron.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"go.uber.org/zap"

	"obsapi.org/internal/config"
	"obsapi.org/internal/graph"
	"obsapi.org/internal/obs"
	"obsapi.org/internal/store/pg"
	"obsapi.org/internal/subscription"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config")
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	if err := obs.Configure(cfg.LogLevel); err != nil {
		obs.Logger().Fatal("configure logger", zap.Error(err))
	}
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	if cfg.DB.DSN == "" {
		log.Fatal("OBS_PG_DSN is required")
	}
	st, err := pg.Open(cfg.DB.DSN)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer st.Close()

	client := graph.New(graph.Options{
		BaseURL:      cfg.Graph.BaseURL,
		Authority:    cfg.Graph.Authority,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		RedirectURI:  cfg.Graph.RedirectURI,
		Scope:        cfg.Graph.Scope,
	})
	mgr := subscription.New(client, st.Subscriptions(), st.Tokens(), subscription.Settings{
		NotificationURL: cfg.Webhook.NotificationURL,
		Resource:        cfg.Webhook.Resource,
		ChangeType:      cfg.Webhook.ChangeType,
		ClientState:     cfg.Webhook.ClientState,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	sub, err := mgr.Ensure(ctx)
	if err != nil {
		log.Error("ensure subscription", zap.Error(err))
		os.Exit(1)
	}
	log.Info("subscription current", zap.String("subscription_id", sub.ID), zap.Time("expires", sub.Expiry))
}
