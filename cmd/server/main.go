package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/multichat/internal/handlers"
	"github.com/MegaGrindStone/multichat/internal/models"
	"github.com/MegaGrindStone/multichat/internal/services"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type store interface {
	handlers.Store
	services.Settings
	io.Closer
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error loading .env file: %v\n", err)
		os.Exit(1)
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgPath := filepath.Join(cfgDir, "multichat")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	cfg, err := loadConfig(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		return err
	}
	cfg.applyEnv()

	logger := newLogger(cfg)

	st, err := openStore(cfg, cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	secretsPath := cfg.Secrets.Path
	if secretsPath == "" {
		secretsPath = filepath.Join(cfgPath, "secrets.db")
	}
	secrets, err := services.NewSecretBox(secretsPath, cfg.Secrets.Passphrase)
	if err != nil {
		return fmt.Errorf("error opening secret store (set MULTICHAT_SECRET_PASSPHRASE): %w", err)
	}
	defer secrets.Close()

	if err := seedSecrets(context.Background(), cfg.Providers, secrets); err != nil {
		return err
	}
	resolver := services.NewResolver(st, secrets, cfg.Providers)

	client := services.NewHTTPClient()
	adapters := map[models.ProviderID]handlers.Adapter{
		models.ProviderOpenAI:    services.NewOpenAI(models.ProviderOpenAI, client, logger),
		models.ProviderGroq:      services.NewOpenAI(models.ProviderGroq, client, logger),
		models.ProviderAnthropic: services.NewAnthropic(client, logger),
		models.ProviderGoogle:    services.NewGoogle(client, logger),
		models.ProviderOllama:    services.NewOllama(client, logger),
		models.ProviderBedrock:   services.NewBedrock(client, logger),
	}

	m, err := handlers.NewMain(adapters, st, resolver, logger,
		handlers.WithTurnTimeout(cfg.TurnTimeout),
		handlers.WithRetainedTurns(cfg.RetainedTurns))
	if err != nil {
		return fmt.Errorf("error creating handlers: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown handlers", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port), slog.String("store", cfg.Store.Driver))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}

	return nil
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	cfgFile, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(cfg config, cfgPath string) (store, error) {
	switch cfg.Store.Driver {
	case storeDriverSQLite:
		path := cfg.Store.Path
		if path == "" {
			path = filepath.Join(cfgPath, "store.sqlite")
		}
		db, err := services.NewSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("error opening sqlite store: %w", err)
		}
		return db, nil
	default:
		path := cfg.Store.Path
		if path == "" {
			path = filepath.Join(cfgPath, "store.db")
		}
		db, err := services.NewBoltDB(path)
		if err != nil {
			return nil, fmt.Errorf("error opening bolt store: %w", err)
		}
		return db, nil
	}
}

// seedSecrets moves credentials of sensitive providers from the config into the secret store, unless the store
// already holds one, so they are never resolved from anywhere else.
func seedSecrets(
	ctx context.Context,
	providers map[models.ProviderID]models.ProviderConfig,
	secrets services.SecretBox,
) error {
	resolver := services.NewResolver(nil, secrets, nil)
	for p, cfg := range providers {
		if !p.Sensitive() {
			continue
		}
		token := cfg.Token
		cfg.Token = ""
		providers[p] = cfg
		if token == "" {
			continue
		}

		if _, ok, err := secrets.Secret(ctx, services.SecretKey(p)); err != nil {
			return fmt.Errorf("error reading %s credential: %w", p, err)
		} else if ok {
			continue
		}
		if err := resolver.SetToken(ctx, p, token); err != nil {
			return err
		}
	}
	return nil
}
