package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/receiptguard/receiptguard/internal/risk"
	"github.com/receiptguard/receiptguard/pkg/email"
	"github.com/receiptguard/receiptguard/pkg/logging"
)

// EmailSender sends one alert email.
type EmailSender interface {
	SendEmail(ctx context.Context, to string, alert Alert) error
}

// EmailService renders and sends missing-receipt alert emails.
type EmailService struct {
	sender *email.Sender
	logger logging.Logger
}

// NewEmailService creates an email alert service on top of an SMTP sender.
func NewEmailService(sender *email.Sender, logger logging.Logger) *EmailService {
	return &EmailService{
		sender: sender,
		logger: logger,
	}
}

// SendEmail sends a multipart alert for one transaction. High-risk alerts
// get a red banner and the penalty estimate; low-risk alerts a neutral one.
func (es *EmailService) SendEmail(ctx context.Context, to string, alert Alert) error {
	subject := fmt.Sprintf("Missing receipt: %s for %.2f %s",
		alert.describeTransaction(), alert.Assessment.Total, alert.Assessment.Currency)
	if alert.Assessment.Level == risk.LevelHigh {
		subject = "Action required - " + subject
	}

	htmlBody, err := es.renderTemplate("missing_receipt", alert)
	if err != nil {
		return fmt.Errorf("failed to render missing receipt template: %w", err)
	}

	if err := es.sender.SendMultipart(ctx, to, subject, alert.SMSBody(), htmlBody); err != nil {
		return fmt.Errorf("sending alert email to %s: %w", to, err)
	}

	es.logger.WithFields(logging.Fields{
		"to":             to,
		"transaction_id": alert.TransactionID,
		"risk_level":     alert.Assessment.Level,
	}).Info("Alert email sent")

	return nil
}

// renderTemplate renders an email template with alert data
func (es *EmailService) renderTemplate(templateName string, alert Alert) (string, error) {
	templates := map[string]string{
		"missing_receipt": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Missing Receipt</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        {{if .HighRisk}}
        <h2 style="color: #e74c3c;">Missing Receipt - Action Required</h2>
        {{else}}
        <h2 style="color: #2c3e50;">Missing Receipt</h2>
        {{end}}

        <p>Hello{{if .OrganizationName}} {{.OrganizationName}}{{end}},</p>

        <p>The following transaction in your Xero account has no receipt attached:</p>

        <div style="background-color: {{if .HighRisk}}#f8d7da{{else}}#f8f9fa{{end}}; padding: 20px; border-radius: 5px; margin: 20px 0;{{if .HighRisk}} border-left: 4px solid #e74c3c;{{end}}">
            <p><strong>Type:</strong> {{.TransactionType}}</p>
            {{if .ContactName}}<p><strong>Contact:</strong> {{.ContactName}}</p>{{end}}
            <p><strong>Total:</strong> {{printf "%.2f" .Assessment.Total}} {{.Assessment.Currency}}</p>
            <p><strong>Tax:</strong> {{printf "%.2f" .Assessment.Tax}} {{.Assessment.Currency}}</p>
            {{if .HighRisk}}
            <p><strong>Risk Level:</strong> HIGH - amount exceeds the {{printf "%.2f" .Assessment.Threshold}} {{.Assessment.Currency}} substantiation threshold</p>
            <p><strong>Potential Penalty:</strong> {{printf "%.2f" .Assessment.PotentialPenalty}} {{.Assessment.Currency}}</p>
            {{else}}
            <p><strong>Risk Level:</strong> LOW</p>
            {{end}}
        </div>

        <p>Please upload the missing receipt using the secure link below:</p>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.UploadURL}}" style="background-color: {{if .HighRisk}}#e74c3c{{else}}#3498db{{end}}; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">Upload Receipt</a>
        </p>

        <p>This link can be used once and expires on {{.LinkExpiresAt.Format "January 2, 2006"}}.</p>

        <p>Best regards,<br>The ReceiptGuard Team</p>
    </div>
</body>
</html>`,
	}

	tmplContent, exists := templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	tmpl, err := template.New(templateName).Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, alert); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}
