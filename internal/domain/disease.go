package domain

// DiseasePrediction is the classifier result for an uploaded leaf image.
type DiseasePrediction struct {
	Label          string  `json:"label"`
	Confidence     float64 `json:"confidence"`
	Recommendation string  `json:"recommendation"`
}

// ConfidenceBand buckets the confidence for display.
func (d DiseasePrediction) ConfidenceBand() string {
	return confidenceBand(d.Confidence)
}

// DiseaseEnvelope is the body of POST /disease/predict/.
type DiseaseEnvelope struct {
	Prediction *DiseasePrediction `json:"prediction"`
}

// CropHistoryEntry is one row of GET /disease/crop-history/.
type CropHistoryEntry struct {
	ID             int64   `json:"id"`
	Label          string  `json:"label"`
	Confidence     float64 `json:"confidence"`
	Recommendation string  `json:"recommendation"`
	Image          string  `json:"image,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// ConfidenceBand buckets the confidence for display.
func (c CropHistoryEntry) ConfidenceBand() string {
	return confidenceBand(c.Confidence)
}

func confidenceBand(conf float64) string {
	switch {
	case conf > 0.8:
		return "high"
	case conf > 0.5:
		return "medium"
	default:
		return "low"
	}
}
