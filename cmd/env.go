package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/agrisense/agrisense-cli/internal/advisor"
	"github.com/agrisense/agrisense-cli/internal/api"
	"github.com/agrisense/agrisense-cli/internal/fetcher"
	"github.com/agrisense/agrisense-cli/internal/market"
	"github.com/agrisense/agrisense-cli/internal/store"
	"github.com/agrisense/agrisense-cli/pkg/anthropic"
)

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required (AGRISENSE_STORE_DATABASE_URL)")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initFetcher builds the HTTP fetcher from market config.
func initFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  cfg.Market.UserAgent,
		Timeout:    time.Duration(cfg.Market.FetchTimeoutSec) * time.Second,
		MaxRetries: cfg.Market.FetchRetries,
	})
}

// initOrchestrator wires the sync engine against an open store.
func initOrchestrator(st store.Store) *market.Orchestrator {
	return market.NewOrchestrator(st, st, st, initFetcher(), market.Options{
		DefaultUnit: cfg.Market.DefaultUnit,
		Workers:     cfg.Market.Workers,
	})
}

// nilAdvisor converts a possibly-nil *advisor.Advisor into the API interface
// without wrapping a nil pointer in a non-nil interface value.
func nilAdvisor(a *advisor.Advisor) api.AdvisorService {
	if a == nil {
		return nil
	}
	return a
}

// initAdvisor builds the advisory service, or nil when no API key is set.
func initAdvisor(st store.Store) *advisor.Advisor {
	if cfg.Advisor.Key == "" {
		return nil
	}
	return advisor.New(anthropic.NewClient(cfg.Advisor.Key), st, advisor.Options{
		Model:     cfg.Advisor.Model,
		MaxTokens: cfg.Advisor.MaxTokens,
	})
}
