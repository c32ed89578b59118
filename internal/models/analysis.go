package models

import (
	"encoding/json"
	"fmt"
)

// ForecastRequest asks for a demand forecast for one EPI.
type ForecastRequest struct {
	EpiID  string `json:"epiId"`
	Months int    `json:"months"`
	Future int    `json:"future"`
}

// ForecastPoint is one month of a forecast series.
type ForecastPoint struct {
	Mes        string  `json:"mes"`
	Quantidade float64 `json:"quantidade"`
}

// Forecast is the series returned for a ForecastRequest.
type Forecast struct {
	EpiID     string          `json:"epiId"`
	Historico []ForecastPoint `json:"historico"`
	Previsao  []ForecastPoint `json:"previsao"`
}

// InsightRequest carries the data summary sent to the insight endpoint. The
// summary is opaque to the client.
type InsightRequest struct {
	ResumoDados json.RawMessage `json:"resumoDados"`
}

// NewInsightRequest builds an InsightRequest from any JSON-encodable summary.
func NewInsightRequest(summary any) (InsightRequest, error) {
	data, err := json.Marshal(summary)
	if err != nil {
		return InsightRequest{}, fmt.Errorf("encode insight summary: %w", err)
	}
	return InsightRequest{ResumoDados: data}, nil
}

// Insight is the free-text analysis returned by the insight endpoint.
type Insight struct {
	Text string `json:"text"`
}
