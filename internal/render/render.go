// Package render formats client state for the terminal.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/markus-barta/epiwatch/internal/alerts"
	"github.com/markus-barta/epiwatch/internal/dashboard"
	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/markus-barta/epiwatch/internal/realtime"
)

const (
	kindWidth     = 9
	ageWidth      = 5
	titleWidth    = 28
	messageWidth  = 50
	barWidth      = 24
	maxTopEntries = 5
)

// Styles holds the lipgloss styles of one theme.
type Styles struct {
	Header     lipgloss.Style
	Muted      lipgloss.Style
	Unread     lipgloss.Style
	ToastStyle lipgloss.Style
	Error      lipgloss.Style
	Good       lipgloss.Style
	Warn       lipgloss.Style
	Bar        lipgloss.Style
	Section    lipgloss.Style
}

// NewStyles returns the styles for theme ("dark" or "light").
func NewStyles(theme string) Styles {
	accent, muted, text := lipgloss.Color("12"), lipgloss.Color("8"), lipgloss.Color("15")
	if theme == "light" {
		accent, muted, text = lipgloss.Color("4"), lipgloss.Color("244"), lipgloss.Color("0")
	}

	return Styles{
		Header:     lipgloss.NewStyle().Bold(true).Foreground(accent),
		Muted:      lipgloss.NewStyle().Foreground(muted),
		Unread:     lipgloss.NewStyle().Bold(true).Foreground(text),
		ToastStyle: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(accent).Padding(0, 1),
		Error:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		Good:       lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Warn:       lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Bar:        lipgloss.NewStyle().Foreground(accent),
		Section:    lipgloss.NewStyle().Bold(true).Underline(true),
	}
}

// ConnectionBadge renders the push channel state.
func (s Styles) ConnectionBadge(state realtime.State) string {
	switch state {
	case realtime.Connected:
		return s.Good.Render("● online")
	case realtime.Connecting:
		return s.Warn.Render("◌ connecting")
	default:
		return s.Error.Render("○ offline")
	}
}

// Toast renders one alert.
func (s Styles) Toast(a alerts.Alert) string {
	body := s.Header.Render(kindIcon(a.Kind)+" "+a.Title) + "\n" + truncate(a.Message, messageWidth)
	return s.ToastStyle.Render(body)
}

// NotificationList renders notifications as a table, newest first as given.
func (s Styles) NotificationList(list []models.Notification, now time.Time) string {
	if len(list) == 0 {
		return s.Muted.Render("no notifications")
	}

	var b strings.Builder
	b.WriteString(s.Header.Render(fmt.Sprintf("  %-*s  %-*s  %-*s  %s",
		kindWidth, "KIND", ageWidth, "AGE", titleWidth, "TITLE", "MESSAGE")))

	for _, n := range list {
		marker, style := " ", s.Muted
		if !n.Read {
			marker, style = "•", s.Unread
		}
		row := fmt.Sprintf("%s %-*s  %-*s  %-*s  %s",
			marker,
			kindWidth, kindIcon(n.Kind)+" "+string(n.Kind),
			ageWidth, Age(n.CreatedAt, now),
			titleWidth, truncate(n.Title, titleWidth),
			truncate(n.Message, messageWidth),
		)
		b.WriteString("\n")
		b.WriteString(style.Render(row))
	}
	return b.String()
}

// Dashboard renders the dashboard state.
func (s Styles) Dashboard(st dashboard.State) string {
	var b strings.Builder

	b.WriteString(s.Header.Render("Dashboard"))
	b.WriteString(" ")
	b.WriteString(s.Muted.Render(describeFilters(st.Filters)))

	switch {
	case st.Loading && st.Data == nil:
		b.WriteString("\n" + s.Muted.Render("loading…"))
		return b.String()
	case st.Err != nil:
		b.WriteString("\n" + s.Error.Render("error: "+st.Err.Error()))
	case st.Loading:
		b.WriteString(" " + s.Muted.Render("(refreshing)"))
	}
	if st.Data == nil {
		return b.String()
	}

	m := st.Data.Metrics
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("entregas %d · devoluções %d · colaboradores %d\n",
		m.TotalEntregas, m.TotalDevolucoes, m.ColaboradoresAtivos))

	stock := fmt.Sprintf("estoque baixo %d", m.EstoqueBaixo)
	if m.EstoqueBaixo > 0 {
		stock = s.Warn.Render(stock)
	}
	expiry := fmt.Sprintf("vencendo %d", m.EpisVencendo)
	if m.EpisVencendo > 0 {
		expiry = s.Warn.Render(expiry)
	}
	b.WriteString(stock + " · " + expiry)

	if len(m.EntregasPorSetor) > 0 {
		b.WriteString("\n\n" + s.Section.Render("por setor") + "\n")
		b.WriteString(s.bars(m.EntregasPorSetor))
	}
	if len(m.TopEpis) > 0 {
		b.WriteString("\n\n" + s.Section.Render("top EPIs") + "\n")
		b.WriteString(s.bars(m.TopEpis))
	}

	b.WriteString("\n" + s.Muted.Render("updated "+st.Data.FetchedAt.Format(time.TimeOnly)))
	return b.String()
}

func (s Styles) bars(items []models.NamedCount) string {
	if len(items) > maxTopEntries {
		items = items[:maxTopEntries]
	}
	top := 0
	for _, it := range items {
		if it.Total > top {
			top = it.Total
		}
	}

	lines := make([]string, 0, len(items))
	for _, it := range items {
		n := 0
		if top > 0 {
			n = it.Total * barWidth / top
		}
		lines = append(lines, fmt.Sprintf("%-*s %s %d",
			titleWidth, truncate(it.Nome, titleWidth),
			s.Bar.Render(strings.Repeat("█", n)),
			it.Total))
	}
	return strings.Join(lines, "\n")
}

// Forecast renders a forecast series.
func (s Styles) Forecast(f *models.Forecast) string {
	var b strings.Builder
	b.WriteString(s.Header.Render("Previsão EPI " + f.EpiID))
	for _, p := range f.Historico {
		b.WriteString(fmt.Sprintf("\n  %s  %8.1f", p.Mes, p.Quantidade))
	}
	for _, p := range f.Previsao {
		b.WriteString("\n" + s.Bar.Render(fmt.Sprintf("→ %s  %8.1f", p.Mes, p.Quantidade)))
	}
	return b.String()
}

// Insight renders an insight text.
func (s Styles) Insight(in *models.Insight) string {
	return s.Header.Render("Insights") + "\n" + in.Text
}

func describeFilters(f models.Filters) string {
	var parts []string
	if f.From != "" || f.To != "" {
		parts = append(parts, orAll(f.From)+" → "+orAll(f.To))
	}
	if f.SetorID != "" {
		parts = append(parts, "setor "+f.SetorID)
	}
	if f.EpiID != "" {
		parts = append(parts, "epi "+f.EpiID)
	}
	if len(parts) == 0 {
		return "(all)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func orAll(s string) string {
	if s == "" {
		return "…"
	}
	return s
}

func kindIcon(k models.Kind) string {
	switch k {
	case models.KindStock:
		return "▼"
	case models.KindExpiry:
		return "⏳"
	default:
		return "✓"
	}
}

// Age renders the time since t in a compact form.
func Age(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 0:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
