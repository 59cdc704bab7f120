package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strconv"
	"strings"
	texttemplate "text/template"

	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/threshold/domain"
)

//go:embed templates/*
var templateFS embed.FS

var (
	alertHTML = htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/threshold_alert.html"))
	alertText = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/threshold_alert.txt"))
)

type alertView struct {
	AgentName    string
	MetricKind   string
	Threshold    string
	Actual       string
	Period       string
	Timestamp    string
	DashboardURL string
}

// AlertMailer renders threshold alerts and hands them to a Provider.
type AlertMailer struct {
	provider Provider
	alerting *config.AlertingConfigHolder
}

func NewAlertMailer(provider Provider, alerting *config.AlertingConfigHolder) *AlertMailer {
	return &AlertMailer{provider: provider, alerting: alerting}
}

func (m *AlertMailer) SendAlert(ctx context.Context, to string, alert domain.Alert) error {
	msg, err := m.Render(to, alert)
	if err != nil {
		return err
	}
	return m.provider.Send(ctx, msg)
}

// Render builds the alert message without sending it.
func (m *AlertMailer) Render(to string, alert domain.Alert) (Message, error) {
	cfg := m.alerting.Get()
	view := alertView{
		AgentName:    alert.AgentName,
		MetricKind:   string(alert.MetricKind),
		Threshold:    formatValue(alert.MetricKind, alert.Threshold),
		Actual:       formatValue(alert.MetricKind, alert.Actual),
		Period:       string(alert.Period),
		Timestamp:    alert.Timestamp,
		DashboardURL: cfg.DashboardURL,
	}

	var html, text bytes.Buffer
	if err := alertHTML.Execute(&html, view); err != nil {
		return Message{}, fmt.Errorf("render alert html: %w", err)
	}
	if err := alertText.Execute(&text, view); err != nil {
		return Message{}, fmt.Errorf("render alert text: %w", err)
	}

	subject := fmt.Sprintf("%s %s %s threshold reached (%s)", cfg.SubjectPrefix, alert.AgentName, alert.MetricKind, alert.Period)
	return Message{
		To:      to,
		Subject: strings.TrimSpace(subject),
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

func formatValue(kind domain.MetricKind, v float64) string {
	if kind == domain.MetricCost {
		return "$" + strconv.FormatFloat(v, 'f', 2, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
