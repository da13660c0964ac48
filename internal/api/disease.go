package api

import (
	"errors"
	"net/http"

	"github.com/agriboost/agriboost-web/internal/domain"
)

type diseaseResult struct {
	*domain.DiseasePrediction
	ConfidenceBand string `json:"confidence_band"`
}

type cropHistoryItem struct {
	domain.CropHistoryEntry
	ConfidenceBand string `json:"confidence_band"`
}

// PredictDisease forwards an uploaded leaf image to the classifier.
func (h *Handler) PredictDisease(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	file, header, err := r.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "Image is too large.")
			return
		}
		Error(w, http.StatusBadRequest, "Please select an image first.")
		return
	}
	defer file.Close()

	pred, err := h.backend.PredictDisease(r.Context(), header.Filename, file)
	if err != nil {
		h.backendError(w, r, err, failure{
			fields:   []string{"detail", "image"},
			fallback: "Prediction failed.",
		})
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"prediction": diseaseResult{DiseasePrediction: pred, ConfidenceBand: pred.ConfidenceBand()},
	})
}

// CropHistory lists past disease predictions. Failures yield an empty list.
func (h *Handler) CropHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.backend.CropHistory(r.Context())
	if err != nil {
		h.logger.Warn("Failed to fetch crop history", "error", err)
		entries = nil
	}

	items := make([]cropHistoryItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, cropHistoryItem{CropHistoryEntry: e, ConfidenceBand: e.ConfidenceBand()})
	}
	JSON(w, http.StatusOK, items)
}
