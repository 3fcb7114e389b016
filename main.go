package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"healthmate/internal/api"
	"healthmate/internal/auth"
	"healthmate/internal/chat"
	"healthmate/internal/commands"
	"healthmate/internal/config"
	"healthmate/internal/friends"
	"healthmate/internal/http"
	"healthmate/internal/metrics"
	"healthmate/internal/push"
	"healthmate/internal/storage"
	"healthmate/internal/ws"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const (
	version           = "0.1.0"
	defaultConfigPath = "healthmate.toml"
	shutdownTimeout   = 5 * time.Second
)

func run(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// Nobody holds a connection right after start.
	if err := store.ResetPresence(); err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	authService, err := auth.NewAuthService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, store)
	if err != nil {
		return err
	}

	friendService := friends.NewService(store, store)
	chatService := chat.NewService(store, store)
	relay := push.NewRelay(cfg.Push, store, m, log)
	if !relay.Enabled() {
		log.Info("push notifications disabled, no VAPID keys configured")
	}

	hub := ws.NewHub(ws.HubConfig{
		Chat:              chatService,
		Users:             store,
		Notifier:          relay,
		Metrics:           m,
		Logger:            log,
		DeliveredAckDelay: cfg.DeliveredAckDelay,
	})
	wsServer := ws.NewServer(authService, store, hub, cfg.WS, m, log)

	apiHandler := api.New(authService, store, friendService, chatService, hub.Presence(), relay, log)
	adminHandler := api.NewAdminHandler(authService, store, hub, log)

	adminServer := http.NewAdminServer(adminHandler, registry, cfg.AdminAddr)
	apiServer := http.NewAPIServer(apiHandler, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gCtx)
	})

	g.Go(adminServer.Start)
	g.Go(apiServer.Start)

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error("admin server shutdown", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("API server shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// loadConfig reads the --config file. The default path is optional; an
// explicitly named file must exist.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if !c.IsSet("config") && !config.Exists(path) {
		path = ""
	}
	return config.Load(path)
}

func setupLogger(cfg *config.Config) error {
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg); err != nil {
		return err
	}
	slog.Info("starting healthmate", "version", version, "api_addr", cfg.APIAddr, "admin_addr", cfg.AdminAddr)

	err = run(c.Context, cfg)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func addUserAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	_, err = commands.AddUser(c.App.Writer, cfg.AdminAddr, api.AddUserRequest{
		Email:       c.String("email"),
		DisplayName: c.String("name"),
		Password:    c.String("password"),
	})
	return err
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "healthmate",
		Usage:   "Realtime 1:1 chat server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   defaultConfigPath,
			},
		},
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the API, realtime and admin servers",
				Action: serveAction,
			},
			{
				Name:  "add-user",
				Usage: "Create an account through the admin API of a running server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "name", Usage: "Display name, defaults to the email"},
					&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"HEALTHMATE_NEW_USER_PASSWORD"}},
				},
				Action: addUserAction,
			},
		},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
