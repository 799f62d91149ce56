package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agrisense/agrisense-cli/internal/advisor"
	"github.com/agrisense/agrisense-cli/internal/market"
	"github.com/agrisense/agrisense-cli/internal/model"
	"github.com/agrisense/agrisense-cli/internal/planner"
)

const (
	defaultHistoryDays = 90
	latestLimit        = 100
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ok"})
}

func (s *Server) handleListCrops(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "crops": planner.Crops()})
}

func (s *Server) handleCropSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Crop    string `json:"crop"`
		SowDate string `json:"sow_date"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	sowDate, err := time.Parse("2006-01-02", req.SowDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sow_date")
		return
	}

	activities, err := planner.Schedule(req.Crop, sowDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid crop")
		return
	}

	type entry struct {
		Task string `json:"task"`
		Date string `json:"date"`
	}
	schedule := make([]entry, 0, len(activities))
	for _, a := range activities {
		schedule = append(schedule, entry{Task: a.Task, Date: a.Date.Format("2006-01-02")})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "schedule": schedule})
}

func (s *Server) handleAIQuery(w http.ResponseWriter, r *http.Request) {
	if s.advisor == nil {
		writeError(w, http.StatusServiceUnavailable, "advisor not configured")
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}

	answer, err := s.advisor.Ask(r.Context(), req.Text)
	if err != nil {
		zap.L().Error("ai query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "response": answer})
}

func (s *Server) handlePlanCrop(w http.ResponseWriter, r *http.Request) {
	if s.advisor == nil {
		writeError(w, http.StatusServiceUnavailable, "advisor not configured")
		return
	}

	var req struct {
		Query      string `json:"query"`
		CropName   string `json:"crop_name"`
		FormatSpec string `json:"format_spec"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query text required")
		return
	}

	steps, err := s.advisor.PlanCrop(r.Context(), req.Query, req.CropName, req.FormatSpec)
	if err != nil {
		zap.L().Error("crop planning failed", zap.Error(err))
		if errors.Is(err, advisor.ErrBadSchedule) {
			writeError(w, http.StatusInternalServerError, "Invalid AI JSON response")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "schedule": steps})
}

func (s *Server) handleMarketLatest(w http.ResponseWriter, r *http.Request) {
	crop := r.URL.Query().Get("crop")
	limit := queryInt(r, "limit", latestLimit)
	if limit <= 0 || limit > latestLimit {
		limit = latestLimit
	}

	rows, err := s.prices.Aggregate(r.Context(), crop, limit)
	if err != nil {
		zap.L().Error("market latest failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type row struct {
		Crop     string  `json:"crop"`
		AvgPrice float64 `json:"avg_price"`
		MinPrice float64 `json:"min_price"`
		MaxPrice float64 `json:"max_price"`
		Date     string  `json:"date"`
	}
	data := make([]row, 0, len(rows))
	for _, a := range rows {
		data = append(data, row{
			Crop:     a.Crop,
			AvgPrice: a.AvgPrice,
			MinPrice: a.MinPrice,
			MaxPrice: a.MaxPrice,
			Date:     a.Date.Format("2006-01-02"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func (s *Server) handleMarketHistory(w http.ResponseWriter, r *http.Request) {
	crop := r.URL.Query().Get("crop")
	if crop == "" {
		writeError(w, http.StatusBadRequest, "crop required")
		return
	}
	days := queryInt(r, "days", defaultHistoryDays)
	if days <= 0 {
		days = defaultHistoryDays
	}

	since := s.now().UTC().AddDate(0, 0, -days)
	rows, err := s.prices.History(r.Context(), crop, since)
	if err != nil {
		zap.L().Error("market history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type point struct {
		Date   string  `json:"date"`
		Price  float64 `json:"price"`
		Source string  `json:"source,omitempty"`
	}
	data := make([]point, 0, len(rows))
	for _, h := range rows {
		data = append(data, point{
			Date:   h.Date.Format("2006-01-02"),
			Price:  h.Price,
			Source: h.SourceName,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func (s *Server) handleMarketTrends(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", defaultHistoryDays)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"data": market.Trends(days, s.now().UTC()),
	})
}

func (s *Server) handleMarketSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.registry.ListEnabled(r.Context())
	if err != nil {
		zap.L().Error("listing sources failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": sources})
}

func (s *Server) handleInsertPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Crop    string  `json:"crop"`
		Variety string  `json:"variety"`
		Unit    string  `json:"unit"`
		Price   float64 `json:"price"`
		Date    string  `json:"date"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	date := s.now().UTC().Truncate(24 * time.Hour)
	if req.Date != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date")
			return
		}
		date = parsed
	}

	rec := model.PriceRecord{
		Crop:    req.Crop,
		Variety: req.Variety,
		Unit:    req.Unit,
		Price:   req.Price,
		Date:    date,
	}
	if err := rec.Validate(s.now()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.prices.InsertPrice(r.Context(), rec); err != nil {
		zap.L().Error("manual price insert failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (s *Server) handleMarketSync(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "sync not configured")
		return
	}

	report, err := s.runner.Run(r.Context())
	if err != nil {
		if errors.Is(err, market.ErrRunInProgress) {
			writeError(w, http.StatusConflict, "sync already in progress")
			return
		}
		zap.L().Error("market sync failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"run_id": report.ID,
		"state":  report.State,
		"synced": report.Synced,
		"failed": report.Failed,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
