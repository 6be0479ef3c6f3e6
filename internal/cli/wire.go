package cli

import (
	"context"
	"fmt"
	"os"

	"finances/internal/api"
	"finances/internal/auth"
	"finances/internal/backend"
	"finances/internal/cache"
	"finances/internal/config"
	"finances/internal/core"
	"finances/internal/export/sheets"
	"finances/internal/finance"
	"finances/internal/log"
	"finances/internal/session"
	"finances/internal/storage"
)

// categoryCacheSize bounds the per-user category lists kept in memory.
const categoryCacheSize = 64

// Wire builds the client stack described by cfg: local storage and session
// bus, the authenticated API client, the session provider and the finance
// client. The returned cleanup releases everything Wire opened.
func Wire(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, func() error, error) {
	logger = log.Or(logger, log.ComponentCLI)

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	res, err := backend.NewFactory(logger).CreateBackend(ctx, bcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create backend: %w", err)
	}

	rates := core.DefaultRates()
	if cfg.RatesFile != "" {
		if rates, err = core.LoadRates(cfg.RatesFile); err != nil {
			_ = res.Cleanup()
			return nil, nil, err
		}
	}

	tokens := storage.NewTokenStore(res.Store)
	apiClient := api.NewClient(tokens, api.Options{
		BaseURL: cfg.APIBaseURL,
		Timeout: cfg.HTTPTimeout,
		Logger:  logger,
	})
	authBackend := auth.NewHTTPBackend(apiClient, logger)
	provider := session.NewProvider(session.Options{
		Backend:        authBackend,
		Tokens:         tokens,
		Bus:            res.Bus,
		RefetchTimeout: cfg.SessionRefetchTTL,
		Logger:         logger,
	})

	categories := cache.NewLRUCache[[]core.Category](categoryCacheSize, cfg.CacheTTL)
	caches := cache.NewManager(logger)
	caches.Register(categories)
	caches.StartCleanup(cfg.CacheTTL)

	app := &App{
		Session: provider,
		Finance: finance.NewClient(apiClient, provider, finance.Options{
			Converter:  core.NewConverter(rates, cfg.DefaultCurrency),
			Categories: categories,
			Logger:     logger,
		}),
		Consume: res.Run,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Logger:  logger,
	}
	oauth := sheets.OAuthConfig{
		ClientJSON: cfg.GoogleOAuthClientJSON,
		ClientFile: cfg.GoogleOAuthClientFile,
		TokenFile:  cfg.GoogleOAuthTokenFile,
	}
	if oauth.HasClient() {
		app.SheetsAuth = func(ctx context.Context, show func(string)) (string, error) {
			return sheets.Authorize(ctx, oauth, cfg.OAuthRedirectPort, show)
		}
	}
	if cfg.SheetsConfigured() {
		scfg := sheets.Config{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			SheetName:       cfg.GoogleSheetName,
			CredentialsJSON: cfg.GoogleServiceAccountJSON,
			CredentialsFile: cfg.GoogleServiceAccountFile,
			OAuth:           oauth,
		}
		app.Sheets = func(ctx context.Context) (Exporter, error) {
			exp, err := sheets.New(ctx, scfg, logger)
			if err != nil {
				return nil, err
			}
			return exp, nil
		}
	}

	cleanup := func() error {
		caches.Stop()
		provider.Close()
		authBackend.Close()
		return res.Cleanup()
	}
	return app, cleanup, nil
}
