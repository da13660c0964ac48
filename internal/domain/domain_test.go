package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserKeepsUnknownFields(t *testing.T) {
	in := `{"id":7,"full_name":"A","email":"a@b.com","farm_size":"12ha","is_verified":true}`

	var u User
	require.NoError(t, json.Unmarshal([]byte(in), &u))
	assert.Equal(t, "A", u.FullName)
	assert.Equal(t, "7", u.ID.String())
	assert.Equal(t, "12ha", u.Extra["farm_size"])

	out, err := json.Marshal(u)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestUserValid(t *testing.T) {
	var nilUser *User
	assert.False(t, nilUser.Valid())
	assert.False(t, (&User{}).Valid())
	assert.True(t, (&User{FullName: "A"}).Valid())
}

func TestSensorSnapshotAcceptsPhosphorousSpelling(t *testing.T) {
	var s SensorSnapshot
	require.NoError(t, json.Unmarshal([]byte(`{"temperature":25,"phosphorous":12.5}`), &s))
	require.NotNil(t, s.Temperature)
	require.NotNil(t, s.Phosphorus)
	assert.Equal(t, 25.0, *s.Temperature)
	assert.Equal(t, 12.5, *s.Phosphorus)

	require.NoError(t, json.Unmarshal([]byte(`{"phosphorus":3,"phosphorous":9}`), &s))
	assert.Equal(t, 3.0, *s.Phosphorus)
}

func TestSourceLabel(t *testing.T) {
	assert.Equal(t, SourceLive, SourceLabel("firebase"))
	assert.Equal(t, SourcePlaceholder, SourceLabel("placeholder"))
	assert.Equal(t, SourcePlaceholder, SourceLabel(""))
}

func TestParseFeedTime(t *testing.T) {
	_, ok := ParseFeedTime("2024-01-15T10:30:00.000000")
	assert.True(t, ok)
	_, ok = ParseFeedTime("2024-01-15T10:30:00Z")
	assert.True(t, ok)
	_, ok = ParseFeedTime("T")
	assert.False(t, ok)
}

func TestClassifyAlerts(t *testing.T) {
	got := ClassifyAlerts([]string{
		"High temperature alert: 41C exceeds 40C threshold",
		"Low soil moisture alert: 20% below 30% threshold",
		"Sensor offline",
	})
	require.Len(t, got, 3)
	assert.Equal(t, AlertHigh, got[0].Severity)
	assert.Equal(t, AlertLow, got[1].Severity)
	assert.Equal(t, AlertWarning, got[2].Severity)
}

func TestPredictionRecordHelpers(t *testing.T) {
	var p PredictionRecord
	require.NoError(t, json.Unmarshal([]byte(`{
		"recommended_fertilizer":"Urea",
		"fertilizer_amount":120.5,
		"confidence_score":0.876,
		"instructions":"  Apply early morning \n\n Water afterwards",
		"precautions":""
	}`), &p))

	assert.True(t, p.AmountPerHectare.Valid)
	assert.Equal(t, "120.5", p.AmountPerHectare.Decimal.String())
	assert.Equal(t, []string{"Apply early morning", "Water afterwards"}, p.InstructionLines())
	assert.Empty(t, p.PrecautionLines())

	pct, ok := p.ConfidencePercent()
	assert.True(t, ok)
	assert.Equal(t, int64(88), pct)
}

func TestPredictionRecordNullAmount(t *testing.T) {
	var p PredictionRecord
	require.NoError(t, json.Unmarshal([]byte(`{"recommended_fertilizer":"DAP","fertilizer_amount":null}`), &p))
	assert.False(t, p.AmountPerHectare.Valid)
	_, ok := p.ConfidencePercent()
	assert.False(t, ok)
}

func TestNewFertilizerRequest(t *testing.T) {
	temp, n := 25.0, 40.0
	req := NewFertilizerRequest(&SensorSnapshot{Temperature: &temp, Nitrogen: &n}, "Loamy")
	assert.Equal(t, 25.0, req.Temperature)
	assert.Equal(t, 40.0, req.Nitrogen)
	assert.Equal(t, 0.0, req.Humidity)
	assert.Equal(t, DefaultCropType, req.CropType)
	assert.Equal(t, "Loamy", req.SoilType)
}

func TestActivityParsedDetails(t *testing.T) {
	ok := ActivityEntry{Details: `{"changed":{"email":{"from":"a@b.com","to":"c@d.com"}},"ip":"10.0.0.1"}`}
	d := ok.ParsedDetails()
	require.NotNil(t, d)
	assert.Equal(t, "10.0.0.1", d.IP)
	assert.Equal(t, "c@d.com", d.Changed["email"].To)

	bad := ActivityEntry{Details: `{not json`}
	assert.Nil(t, bad.ParsedDetails())
	assert.Nil(t, (&ActivityEntry{}).ParsedDetails())
}

func TestConfidenceBand(t *testing.T) {
	assert.Equal(t, "high", DiseasePrediction{Confidence: 0.95}.ConfidenceBand())
	assert.Equal(t, "medium", CropHistoryEntry{Confidence: 0.6}.ConfidenceBand())
	assert.Equal(t, "low", CropHistoryEntry{Confidence: 0.5}.ConfidenceBand())
}
