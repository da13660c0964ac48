package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Soil types accepted by the fertilizer model.
var SoilTypes = []string{"Loamy", "Clayey", "Sandy", "Black", "Red"}

// DefaultCropType is the only crop the fertilizer model is trained for.
const DefaultCropType = "Sugarcane"

// IsSoilType reports whether v is one of SoilTypes.
func IsSoilType(v string) bool {
	for _, s := range SoilTypes {
		if s == v {
			return true
		}
	}
	return false
}

// FertilizerRequest is the body of POST /sensors/predict/.
type FertilizerRequest struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Moisture    float64 `json:"moisture"`
	CropType    string  `json:"crop_type"`
	SoilType    string  `json:"soil_type"`
	Nitrogen    float64 `json:"nitrogen"`
	Potassium   float64 `json:"potassium"`
	Phosphorous float64 `json:"phosphorous"`
}

// NewFertilizerRequest builds a prediction request from a snapshot. Missing
// readings are sent as zero.
func NewFertilizerRequest(s *SensorSnapshot, soilType string) FertilizerRequest {
	return FertilizerRequest{
		Temperature: deref(s.Temperature),
		Humidity:    deref(s.Humidity),
		Moisture:    deref(s.SoilMoisture),
		CropType:    DefaultCropType,
		SoilType:    soilType,
		Nitrogen:    deref(s.Nitrogen),
		Potassium:   deref(s.Potassium),
		Phosphorous: deref(s.Phosphorus),
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// PredictionRecord is a fertilizer recommendation, either freshly predicted or
// read back from history.
type PredictionRecord struct {
	ID                    int64               `json:"id,omitempty"`
	RecommendedFertilizer string              `json:"recommended_fertilizer"`
	AmountPerHectare      decimal.NullDecimal `json:"fertilizer_amount"`
	ConfidenceScore       *float64            `json:"confidence_score,omitempty"`
	Instructions          string              `json:"instructions,omitempty"`
	Precautions           string              `json:"precautions,omitempty"`
	Details               string              `json:"recommendation_details,omitempty"`
	Temperature           *float64            `json:"temperature,omitempty"`
	Humidity              *float64            `json:"humidity,omitempty"`
	Moisture              *float64            `json:"moisture,omitempty"`
	SoilPH                *float64            `json:"soil_ph,omitempty"`
	EC                    *float64            `json:"ec,omitempty"`
	Nitrogen              *float64            `json:"nitrogen,omitempty"`
	Phosphorous           *float64            `json:"phosphorous,omitempty"`
	Potassium             *float64            `json:"potassium,omitempty"`
	CreatedAt             string              `json:"created_at,omitempty"`
}

// InstructionLines returns the non-blank, trimmed instruction lines.
func (p *PredictionRecord) InstructionLines() []string {
	return splitLines(p.Instructions)
}

// PrecautionLines returns the non-blank, trimmed precaution lines.
func (p *PredictionRecord) PrecautionLines() []string {
	return splitLines(p.Precautions)
}

// ConfidencePercent returns the confidence rounded to a whole percentage.
func (p *PredictionRecord) ConfidencePercent() (int64, bool) {
	if p.ConfidenceScore == nil {
		return 0, false
	}
	return decimal.NewFromFloat(*p.ConfidenceScore).Shift(2).Round(0).IntPart(), true
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// PredictionEnvelope is the body of POST /sensors/predict/.
type PredictionEnvelope struct {
	Prediction PredictionRecord `json:"prediction"`
}

// PredictionHistory is the body of GET /sensors/predictions/.
type PredictionHistory struct {
	Results []PredictionRecord `json:"results"`
}
