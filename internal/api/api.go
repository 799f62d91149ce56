// Package api exposes the HTTP surface: crop scheduling, advisory queries,
// and the market price endpoints backed by the store.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/agrisense/agrisense-cli/internal/advisor"
	"github.com/agrisense/agrisense-cli/internal/market"
	"github.com/agrisense/agrisense-cli/internal/model"
	"github.com/agrisense/agrisense-cli/internal/store"
)

// AdvisorService is the advisory surface used by the handlers.
type AdvisorService interface {
	Ask(ctx context.Context, text string) (*advisor.Answer, error)
	PlanCrop(ctx context.Context, query, cropName, formatSpec string) ([]model.PlanStep, error)
}

// SyncRunner triggers a market sync run.
type SyncRunner interface {
	Run(ctx context.Context) (*market.RunReport, error)
}

// Server holds the handler dependencies.
type Server struct {
	registry store.SourceRegistry
	prices   store.PriceStore
	advisor  AdvisorService
	runner   SyncRunner
	now      func() time.Time
}

// Options carries the optional collaborators. A nil Advisor or Runner
// disables the corresponding endpoints with 503.
type Options struct {
	Advisor AdvisorService
	Runner  SyncRunner
}

func NewServer(registry store.SourceRegistry, prices store.PriceStore, opts Options) *Server {
	return &Server{
		registry: registry,
		prices:   prices,
		advisor:  opts.Advisor,
		runner:   opts.Runner,
		now:      time.Now,
	}
}

// Router builds the chi router with all routes mounted under /api.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/crops", s.handleListCrops)
		r.Post("/crop-schedule", s.handleCropSchedule)
		r.Post("/ai/query", s.handleAIQuery)
		r.Post("/crops", s.handlePlanCrop)

		r.Route("/market", func(r chi.Router) {
			r.Get("/latest", s.handleMarketLatest)
			r.Get("/history", s.handleMarketHistory)
			r.Get("/trends", s.handleMarketTrends)
			r.Get("/sources", s.handleMarketSources)
			r.Post("/prices", s.handleInsertPrice)
			r.Post("/sync", s.handleMarketSync)
		})
	})

	return r
}

// requestLogger logs each request with zap at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("api: encoding response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
