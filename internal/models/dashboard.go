package models

import (
	"fmt"
	"net/url"
	"time"
)

// DateLayout is the date format used by the dashboard filters.
const DateLayout = "2006-01-02"

// Filters select the slice of data the dashboard shows. Empty fields mean
// "all".
type Filters struct {
	From    string `json:"from"`
	To      string `json:"to"`
	SetorID string `json:"setorId"`
	EpiID   string `json:"epiId"`
}

// Validate checks the date fields.
func (f Filters) Validate() error {
	var from, to time.Time
	var err error
	if f.From != "" {
		if from, err = time.Parse(DateLayout, f.From); err != nil {
			return fmt.Errorf("invalid from date %q: %w", f.From, err)
		}
	}
	if f.To != "" {
		if to, err = time.Parse(DateLayout, f.To); err != nil {
			return fmt.Errorf("invalid to date %q: %w", f.To, err)
		}
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return fmt.Errorf("to date %s is before from date %s", f.To, f.From)
	}
	return nil
}

// Query encodes the filters as dashboard query parameters. All four keys are
// always present.
func (f Filters) Query() url.Values {
	q := url.Values{}
	q.Set("from", f.From)
	q.Set("to", f.To)
	q.Set("setorId", f.SetorID)
	q.Set("epiId", f.EpiID)
	return q
}

// Metrics is the dashboard payload returned by /dashboard/advanced.
type Metrics struct {
	TotalEntregas       int           `json:"totalEntregas"`
	TotalDevolucoes     int           `json:"totalDevolucoes"`
	ColaboradoresAtivos int           `json:"colaboradoresAtivos"`
	EstoqueBaixo        int           `json:"estoqueBaixo"`
	EpisVencendo        int           `json:"episVencendo"`
	EntregasPorSetor    []NamedCount  `json:"entregasPorSetor"`
	EntregasPorMes      []PeriodCount `json:"entregasPorMes"`
	TopEpis             []NamedCount  `json:"topEpis"`
}

// NamedCount is a labelled counter.
type NamedCount struct {
	Nome  string `json:"nome"`
	Total int    `json:"total"`
}

// PeriodCount is a counter for a period label such as "2024-05".
type PeriodCount struct {
	Mes   string `json:"mes"`
	Total int    `json:"total"`
}

// Snapshot is a dashboard payload tagged with the filters it was fetched for.
type Snapshot struct {
	Metrics   Metrics   `json:"metrics"`
	Filters   Filters   `json:"filters"`
	FetchedAt time.Time `json:"fetchedAt"`
}
