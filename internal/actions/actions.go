package actions

import (
	"context"
	"errors"
	"time"

	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/rs/zerolog"
)

// Analyzer is the backend side of the analysis actions.
type Analyzer interface {
	Insights(ctx context.Context, req models.InsightRequest) (*models.Insight, error)
	Forecast(ctx context.Context, req models.ForecastRequest) (*models.Forecast, error)
}

// ErrMissingEpi is returned for a forecast without an EPI id.
var ErrMissingEpi = errors.New("forecast requires an epi id")

// Actions bundles the insight and forecast gates.
type Actions struct {
	Insight  *Gate[models.InsightRequest, *models.Insight]
	Forecast *Gate[models.ForecastRequest, *models.Forecast]
}

// New creates both gates on top of an Analyzer.
func New(api Analyzer, timeout time.Duration, log zerolog.Logger) *Actions {
	return &Actions{
		Insight:  NewGate(KindInsight, api.Insights, timeout, log),
		Forecast: NewGate(KindForecast, api.Forecast, timeout, log),
	}
}

// TriggerForecast validates req and starts a forecast run.
func (a *Actions) TriggerForecast(req models.ForecastRequest) (Token, error) {
	if req.EpiID == "" {
		return 0, ErrMissingEpi
	}
	return a.Forecast.Trigger(req), nil
}

// TriggerInsight encodes summary and starts an insight run.
func (a *Actions) TriggerInsight(summary any) (Token, error) {
	req, err := models.NewInsightRequest(summary)
	if err != nil {
		return 0, err
	}
	return a.Insight.Trigger(req), nil
}

// Snapshot returns the pending action of kind as a JSON-encodable value.
func (a *Actions) Snapshot(kind Kind) (any, bool) {
	switch kind {
	case KindInsight:
		return a.Insight.Current(), true
	case KindForecast:
		return a.Forecast.Current(), true
	default:
		return nil, false
	}
}

// Wait blocks until every run of both kinds has returned.
func (a *Actions) Wait() {
	a.Insight.Wait()
	a.Forecast.Wait()
}
