package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"obsapi.org/internal/config"
	"obsapi.org/internal/debounce"
	"obsapi.org/internal/graph"
	"obsapi.org/internal/httpapi"
	"obsapi.org/internal/mail"
	"obsapi.org/internal/notify"
	"obsapi.org/internal/obs"
	"obsapi.org/internal/opencast"
	"obsapi.org/internal/provision"
	"obsapi.org/internal/store"
	"obsapi.org/internal/store/pg"
	"obsapi.org/internal/subscription"
	"obsapi.org/internal/transfer"
	"obsapi.org/internal/vula"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (defaults to CONFIG_PATH or the environment)")
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	if err := obs.Configure(cfg.LogLevel); err != nil {
		obs.Logger().Fatal("configure logger", zap.Error(err))
	}
	log := obs.Logger()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		db    *sql.DB
		state store.Store
	)
	if cfg.DB.DSN != "" {
		pgStore, err := pg.Open(cfg.DB.DSN)
		if err != nil {
			log.Fatal("open db", zap.Error(err))
		}
		db, state = pgStore.DB(), pgStore
	} else {
		log.Warn("OBS_PG_DSN not set, state is kept in memory")
		state = store.NewInMemory()
	}

	graphClient := graph.New(graph.Options{
		BaseURL:      cfg.Graph.BaseURL,
		Authority:    cfg.Graph.Authority,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		RedirectURI:  cfg.Graph.RedirectURI,
		Scope:        cfg.Graph.Scope,
		UserAgent:    "obs-api/" + version,
	})
	media := opencast.New(opencast.Options{
		Host:         cfg.Opencast.Host,
		Username:     cfg.Opencast.Username,
		Password:     cfg.Opencast.Password,
		RightsHolder: cfg.Opencast.RightsHolder,
	})
	lms := vula.Config{
		Host:         cfg.Vula.Host,
		Username:     cfg.Vula.Username,
		Password:     cfg.Vula.Password,
		DirectoryURL: cfg.Vula.DirectoryURL,
	}
	mailer, err := mail.New(graphClient, state.Tokens())
	if err != nil {
		log.Fatal("load mail templates", zap.Error(err))
	}

	subs := subscription.New(graphClient, state.Subscriptions(), state.Tokens(), subscription.Settings{
		NotificationURL: cfg.Webhook.NotificationURL,
		Resource:        cfg.Webhook.Resource,
		ChangeType:      cfg.Webhook.ChangeType,
		ClientState:     cfg.Webhook.ClientState,
	})
	provisioner := provision.New(media, func(ctx context.Context) (provision.LMS, error) {
		s, err := vula.Dial(ctx, lms)
		if err != nil {
			return nil, err
		}
		return s, nil
	}, mailer, provision.Config{
		RightsHolder: cfg.Opencast.RightsHolder,
		LaunchURL:    cfg.Vula.ToolLaunchURL,
		MediaHost:    media.Host(),
	})
	transfers := transfer.New(media, func(ctx context.Context) (transfer.LMS, error) {
		s, err := vula.Dial(ctx, lms)
		if err != nil {
			return nil, err
		}
		return s, nil
	}, mailer, state.Validations(), state.Notifications(), transfer.Config{
		RightsHolder: cfg.Opencast.RightsHolder,
		LaunchURL:    cfg.Vula.ToolLaunchURL,
		MediaHost:    media.Host(),
	})

	debouncer := debounce.New(cfg.Webhook.Debounce)
	intake := notify.New(debouncer, subs, graphClient, provisioner,
		notify.WithExcludedOrganizer(cfg.Graph.ExcludedOrganizer))

	api := httpapi.New(httpapi.Deps{
		Ready:             httpapi.ReadyProbe{DB: db},
		Version:           version,
		BasePath:          cfg.HTTP.BasePath,
		AdminToken:        cfg.Admin.Token,
		MaxBody:           cfg.HTTP.MaxBody,
		RateBurst:         cfg.HTTP.RateBurst,
		RatePerSec:        cfg.HTTP.RatePerSec,
		Tokens:            state.Tokens(),
		Subscriptions:     subs,
		Intake:            intake,
		OAuth:             graphClient,
		Calendar:          graphClient,
		Series:            media,
		Provisioner:       provisioner,
		Transfers:         transfers,
		ExcludedOrganizer: cfg.Graph.ExcludedOrganizer,
	})
	if cfg.Admin.Token == "" {
		log.Warn("ADMIN_TOKEN not set, operator routes are open")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http listen", zap.Error(err))
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPC.Addr())
	if err != nil {
		log.Fatal("grpc listen", zap.Error(err))
	}
	grpcServer := grpc.NewServer()
	health := httpapi.NewHealthServer(subs.State)
	health.Register(grpcServer)
	go health.Watch(ctx, 30*time.Second)
	go func() {
		log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc serve", zap.Error(err))
		}
	}()

	if cfg.Webhook.RenewEvery > 0 {
		go subs.Run(ctx, cfg.Webhook.RenewEvery)
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	api.Wait()
	intake.Wait()
	debouncer.Stop()
	if db != nil {
		_ = db.Close()
	}
	_ = log.Sync()
	log.Info("stopped")
}
