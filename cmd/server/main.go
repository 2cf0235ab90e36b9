package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiraleos/accountant-client/internal/api"
	"github.com/kiraleos/accountant-client/internal/config"
	"github.com/kiraleos/accountant-client/internal/connectivity"
	"github.com/kiraleos/accountant-client/internal/core"
	"github.com/kiraleos/accountant-client/internal/logger"
	"github.com/kiraleos/accountant-client/internal/remote"
	"github.com/kiraleos/accountant-client/internal/store"
)

func main() {
	exportPath := flag.String("export", "", "Write the ledger CSV of the current thread to this file and exit")
	flag.Parse()

	if err := config.LoadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(config.AppConfig.LogLevel)
	ctx := logger.WithContext(context.Background(), log)

	// Local store never fails to open; without a usable database it runs in
	// memory and the UI is told so.
	localStore := store.Open(ctx, config.AppConfig.DatabaseURL, logger.Component(log, "store"))
	defer localStore.Close()

	client := remote.NewClient(config.AppConfig.APIURL, config.AppConfig.RequestTimeout)

	var (
		monitor connectivity.Monitor
		manual  *connectivity.Manual
	)
	if config.AppConfig.ManualConnectivity {
		manual = connectivity.NewManual(true)
		monitor = manual
	} else {
		prober := connectivity.NewProber(client, config.AppConfig.ProbeInterval, logger.Component(log, "connectivity"))
		prober.Start(ctx)
		defer prober.Stop()
		monitor = prober
	}

	syncService := core.NewSyncService(localStore, client, monitor, logger.Component(log, "sync"), core.SyncOptions{
		Interval: config.AppConfig.SyncInterval,
	})

	// A one-shot export reads local state only; no pushes or replays.
	if *exportPath != "" {
		if err := syncService.Hydrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to load local state")
		}
		err := exportLedger(ctx, syncService, *exportPath)
		syncService.Close()
		if err != nil {
			log.Error().Err(err).Msg("Export failed")
			localStore.Close()
			os.Exit(1)
		}
		log.Info().Str("path", *exportPath).Msg("Ledger exported")
		return
	}

	chatService := core.NewConversationService(syncService, logger.Component(log, "conversation"))
	if err := syncService.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start sync service")
	}
	defer syncService.Close()

	apiHandler := api.NewAPIHandler(syncService, chatService, manual, logger.Component(log, "api"))
	router := api.NewRouter(apiHandler, logger.Component(log, "http"))

	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: config.AppConfig.RequestTimeout + 15*time.Second, // a turn waits on the remote
		IdleTimeout:  120 * time.Second,
	}
	// Event streams only end when their request context does.
	requestCtx, cancelRequests := context.WithCancel(ctx)
	srv.BaseContext = func(net.Listener) context.Context { return requestCtx }
	srv.RegisterOnShutdown(cancelRequests)

	go func() {
		log.Info().
			Str("addr", serverAddr).
			Str("remote", config.AppConfig.APIURL).
			Str("thread_id", syncService.State().ThreadID).
			Msg("Starting server. Press Ctrl+C to quit.")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Str("addr", serverAddr).Msg("Could not listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exiting gracefully")
}

func exportLedger(ctx context.Context, syncService *core.SyncService, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	n, err := syncService.ExportLedger(ctx, f)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	log.Debug().Int64("bytes", n).Msg("Export written")
	return f.Close()
}
