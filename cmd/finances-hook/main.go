package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"finances/internal/api"
	"finances/internal/auth"
	"finances/internal/cli"
	"finances/internal/config"
	"finances/internal/hook"
	apphttp "finances/internal/http"
	"finances/internal/log"
	"finances/internal/storage"
)

// apiPollInterval is how often startup waits for the backend API.
const apiPollInterval = 5 * time.Second

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Stdout)
	cfg := cli.LoadAndValidateConfig(logger, (*config.Config).ValidateHook)

	// Verification never touches local storage; the store only satisfies
	// the API client.
	tokens := storage.NewTokenStore(storage.NewMemoryStore())
	apiClient := api.NewClient(tokens, api.Options{
		BaseURL: cfg.APIBaseURL,
		Timeout: cfg.HTTPTimeout,
		Logger:  logger,
	})
	verifier := auth.NewHTTPBackend(apiClient, logger)
	defer verifier.Close()

	mailer := hook.NewResendMailer(hook.ResendConfig{
		APIKey:   cfg.ResendAPIKey,
		Endpoint: cfg.ResendAPIURL,
		From:     cfg.EmailFrom,
		Timeout:  cfg.HTTPTimeout,
	}, logger)

	apiReady := apphttp.ReachableCheck(cfg.APIBaseURL, nil)
	srv := apphttp.NewServer(apphttp.Config{
		Addr:              ":" + cfg.HookPort,
		DashboardURL:      cfg.DashboardURL(),
		LoginURL:          cfg.LoginURL(),
		SecureCookies:     cfg.SecureCookies,
		RequestsPerMinute: cfg.HookRateLimit,
		Checks:            map[string]apphttp.Check{"api": apiReady},
	}, hook.NewHandler(mailer, cfg.AppBaseURL, logger), verifier, logger)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting hook server",
			log.FieldOperation, log.OpStartup,
			"port", cfg.HookPort,
			"app_base_url", cfg.AppBaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// confirmations fail until the backend answers, so say when it does
		ticker := time.NewTicker(apiPollInterval)
		defer ticker.Stop()
		for {
			checkCtx, cancel := context.WithTimeout(gctx, apiPollInterval)
			err := apiReady(checkCtx)
			cancel()
			if err == nil {
				logger.Info("Backend API reachable", "api_base_url", cfg.APIBaseURL)
				return nil
			}
			logger.Warn("Backend API not reachable yet", log.FieldError, err)
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", log.FieldError, err, "port", cfg.HookPort)
		os.Exit(1)
	}
	cli.WaitForShutdown(ctx, done)
}
