package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/receiptguard/receiptguard/internal/risk"
)

// Alert is one missing-receipt notification for one transaction.
type Alert struct {
	CompanyID        string
	OrganizationName string
	TransactionID    string
	TransactionType  string
	ContactName      string
	Assessment       risk.Assessment
	UploadURL        string
	LinkExpiresAt    time.Time
}

// HighRisk reports whether this alert carries a penalty estimate.
func (a Alert) HighRisk() bool {
	return a.Assessment.Level == risk.LevelHigh
}

// MaxSMSLength bounds the rendered SMS body; carriers split longer messages
// unpredictably.
const MaxSMSLength = 320

// SMSBody renders the alert as a short text message. SMS is terse: amount,
// risk, and the upload link. The body never exceeds MaxSMSLength; long
// contact text and the penalty line give way before the link does.
func (a Alert) SMSBody() string {
	if body := a.smsBody(a.describeTransaction(), true); len(body) <= MaxSMSLength {
		return body
	}
	body := a.smsBody("transaction", false)
	if len(body) > MaxSMSLength {
		body = body[:MaxSMSLength]
	}
	return body
}

func (a Alert) smsBody(desc string, withPenalty bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "ReceiptGuard: missing receipt for %s", desc)
	fmt.Fprintf(&b, " of %.2f %s.", a.Assessment.Total, a.Assessment.Currency)

	if withPenalty && a.Assessment.Level == risk.LevelHigh {
		fmt.Fprintf(&b, " HIGH risk: potential penalty %.2f %s.",
			a.Assessment.PotentialPenalty, a.Assessment.Currency)
	}

	fmt.Fprintf(&b, " Upload: %s (expires %s)", a.UploadURL,
		a.LinkExpiresAt.Format("2 Jan"))

	return b.String()
}

func (a Alert) describeTransaction() string {
	label := strings.ToLower(strings.TrimSuffix(a.TransactionType, "s"))
	if label == "" {
		label = "transaction"
	}
	if a.ContactName != "" {
		return fmt.Sprintf("%s from %s", label, a.ContactName)
	}
	return label
}
