package api

import (
	"errors"
	"net/http"

	"github.com/agriboost/agriboost-web/internal/apiclient"
	"github.com/agriboost/agriboost-web/internal/domain"
	"github.com/agriboost/agriboost-web/internal/feed"
)

const msgFeedFailed = "Failed to fetch sensor data. Please try again."

type feedResponse struct {
	Snapshot    *domain.SensorSnapshot `json:"snapshot"`
	Alerts      []domain.SensorAlert   `json:"alerts"`
	LowBattery  bool                   `json:"low_battery"`
	Source      string                 `json:"source"`
	LastUpdated string                 `json:"last_updated,omitempty"`
}

type predictionItem struct {
	domain.PredictionRecord
	InstructionLines  []string `json:"instruction_lines"`
	PrecautionLines   []string `json:"precaution_lines"`
	ConfidencePercent *int64   `json:"confidence_percent,omitempty"`
}

func newPredictionItem(rec domain.PredictionRecord) predictionItem {
	item := predictionItem{
		PredictionRecord: rec,
		InstructionLines: rec.InstructionLines(),
		PrecautionLines:  rec.PrecautionLines(),
	}
	if pct, ok := rec.ConfidencePercent(); ok {
		item.ConfidencePercent = &pct
	}
	return item
}

// SensorFeed returns the latest sensor snapshot. It is the one-shot
// counterpart of the live dashboard channel.
func (h *Handler) SensorFeed(w http.ResponseWriter, r *http.Request) {
	env, err := h.backend.SensorFeed(r.Context())
	if err != nil {
		h.backendError(w, r, err, failure{fallback: msgFeedFailed})
		return
	}

	resp := feedResponse{
		Alerts:      []domain.SensorAlert{},
		Source:      domain.SourceLabel(env.Source),
		LastUpdated: env.LastUpdated,
	}
	if snap := env.First(); snap != nil {
		resp.Snapshot = snap
		resp.Alerts = domain.ClassifyAlerts(snap.Alerts)
		resp.LowBattery = snap.LowBattery()
	}
	JSON(w, http.StatusOK, resp)
}

// Predictions lists past fertilizer predictions.
func (h *Handler) Predictions(w http.ResponseWriter, r *http.Request) {
	records, err := h.backend.Predictions(r.Context())
	if err != nil {
		h.backendError(w, r, err, failure{
			fields:   []string{"error", "detail"},
			fallback: "Failed to load predictions.",
		})
		return
	}

	items := make([]predictionItem, 0, len(records))
	for _, rec := range records {
		items = append(items, newPredictionItem(rec))
	}
	JSON(w, http.StatusOK, items)
}

type predictRequest struct {
	SoilType string `json:"soil_type"`
}

// PredictFertilizer recommends a fertilizer for the latest snapshot and the
// chosen soil type.
func (h *Handler) PredictFertilizer(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch {
	case req.SoilType == "":
		Error(w, http.StatusBadRequest, feed.Message(feed.ErrSoilTypeRequired))
		return
	case !domain.IsSoilType(req.SoilType):
		Error(w, http.StatusBadRequest, feed.Message(feed.ErrUnknownSoilType))
		return
	}

	env, err := h.backend.SensorFeed(r.Context())
	if err != nil {
		h.backendError(w, r, err, failure{fallback: msgFeedFailed})
		return
	}
	snap := env.First()
	if snap == nil {
		Error(w, http.StatusServiceUnavailable, feed.Message(feed.ErrNoSnapshot))
		return
	}

	rec, err := h.backend.PredictFertilizer(r.Context(), domain.NewFertilizerRequest(snap, req.SoilType))
	if err != nil {
		err = feed.AsPredictionError(err)
		status := http.StatusBadGateway
		var apiErr *apiclient.APIError
		switch {
		case errors.Is(err, feed.ErrLoginRequired):
			status = http.StatusUnauthorized
		case errors.As(err, &apiErr):
			status = apiErr.Status
		}
		h.logger.Info("Fertilizer prediction failed", "soil_type", req.SoilType, "error", err)
		Error(w, status, feed.Message(err))
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"prediction": newPredictionItem(*rec),
	})
}
