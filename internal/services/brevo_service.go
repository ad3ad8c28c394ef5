package services

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"

	"entitlement-reconciler/internal/config"
	"entitlement-reconciler/pkg/logging"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// ReviewAlerter raises cases that need a human: quarantined events and lineage conflicts
type ReviewAlerter interface {
	Alert(ctx context.Context, subject string, details map[string]string) error
}

// BrevoService provides Brevo email service
type BrevoService struct {
	client    *brevo.APIClient
	FromEmail string
	FromName  string
	To        string
}

// NewBrevoService creates a new Brevo service instance from application config.
// Returns nil when Brevo or the alert recipient is not configured.
func NewBrevoService() *BrevoService {
	cfg := config.AppConfig
	if cfg == nil || cfg.BrevoAPIKey == "" || cfg.ReviewAlertEmail == "" {
		return nil
	}
	return newBrevoService(cfg.BrevoAPIKey, "", cfg.BrevoFromEmail, cfg.BrevoFromName, cfg.ReviewAlertEmail)
}

func newBrevoService(apiKey, basePath, fromEmail, fromName, to string) *BrevoService {
	brevoCfg := brevo.NewConfiguration()
	brevoCfg.AddDefaultHeader("api-key", apiKey)
	if basePath != "" {
		brevoCfg.BasePath = basePath
	}
	return &BrevoService{
		client:    brevo.NewAPIClient(brevoCfg),
		FromEmail: fromEmail,
		FromName:  fromName,
		To:        to,
	}
}

// Alert sends a review email listing the details in a stable order
func (s *BrevoService) Alert(ctx context.Context, subject string, details map[string]string) error {
	keys := sortedKeys(details)

	var text strings.Builder
	var rows strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&text, "%s: %s\n", k, details[k])
		fmt.Fprintf(&rows, "<tr><td style=\"padding:4px 12px 4px 0;color:#666;\">%s</td><td style=\"padding:4px 0;\">%s</td></tr>",
			html.EscapeString(k), html.EscapeString(details[k]))
	}

	htmlContent := fmt.Sprintf(`
		<!DOCTYPE html>
		<html>
		<head><meta charset="UTF-8"><title>%s</title></head>
		<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
			<h2 style="color: #333;">%s</h2>
			<table>%s</table>
		</body>
		</html>
	`, html.EscapeString(subject), html.EscapeString(subject), rows.String())

	email := brevo.SendSmtpEmail{
		Sender:      &brevo.SendSmtpEmailSender{Name: s.FromName, Email: s.FromEmail},
		To:          []brevo.SendSmtpEmailTo{{Email: s.To}},
		Subject:     "[review] " + subject,
		HtmlContent: htmlContent,
		TextContent: text.String(),
	}

	_, resp, err := s.client.TransactionalEmailsApi.SendTransacEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("brevo API error: %w", err)
	}
	if resp != nil && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return fmt.Errorf("brevo API error: status %d", resp.StatusCode)
	}

	logging.Infof("Review alert sent: %s", subject)
	return nil
}

// LogAlerter writes alerts to the error log; used when no mail provider is configured
type LogAlerter struct{}

// Alert implements ReviewAlerter
func (LogAlerter) Alert(ctx context.Context, subject string, details map[string]string) error {
	var parts []string
	for _, k := range sortedKeys(details) {
		parts = append(parts, k+"="+details[k])
	}
	logging.Errorf("REVIEW: %s [%s]", subject, strings.Join(parts, " "))
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
