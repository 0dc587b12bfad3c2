package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fieldsync/internal/app/server/api"
	"fieldsync/internal/app/server/config"
	"fieldsync/internal/domain/access"
	"fieldsync/internal/domain/feed"
	"fieldsync/internal/infrastructure/storage/postgres"
	"fieldsync/internal/utils/logger"

	"golang.org/x/exp/slog"
)

func main() {
	// fieldsync-server hash-key <key> печатает значение для API_KEY_HASH
	if len(os.Args) == 3 && os.Args[1] == "hash-key" {
		hash, err := access.HashKey(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	conf := config.MustLoad()
	log := logger.WithLevel(conf.Env, conf.Logger.LogLevel)

	if err := run(conf, log); err != nil {
		log.Error("server stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(conf *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, err := postgres.New(ctx, conf)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer storage.Close()

	hub := feed.NewHub(log)
	defer hub.Close()

	srv := &http.Server{
		Addr: conf.Server.RunAddress,
		Handler: api.New(api.Deps{
			Feed:   postgres.NewFeedRepository(storage, log),
			Access: access.NewService(conf.Auth.APIKeyHash, log),
			Hub:    hub,
			Log:    log,
		}),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting sync server", slog.String("address", conf.Server.RunAddress), slog.String("env", conf.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down sync server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
