package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/receiptguard/receiptguard/internal/risk"
	"github.com/receiptguard/receiptguard/pkg/logging"
)

func TestRenderTemplate_HighRisk(t *testing.T) {
	es := NewEmailService(nil, logging.NewLogger())

	html, err := es.renderTemplate("missing_receipt", testAlert())
	require.NoError(t, err)

	assert.Contains(t, html, "Action Required")
	assert.Contains(t, html, "#e74c3c")
	assert.Contains(t, html, "Potential Penalty")
	assert.Contains(t, html, "37.50")
	assert.Contains(t, html, "upload-receipt/abc")
}

func TestRenderTemplate_LowRisk(t *testing.T) {
	es := NewEmailService(nil, logging.NewLogger())

	a := testAlert()
	a.Assessment = risk.Assess(40.00, 3.64, "AUD", risk.DefaultThreshold)

	html, err := es.renderTemplate("missing_receipt", a)
	require.NoError(t, err)

	assert.NotContains(t, html, "Action Required")
	assert.NotContains(t, html, "Potential Penalty")
	assert.Contains(t, html, "LOW")
}

func TestRenderTemplate_UnknownName(t *testing.T) {
	es := NewEmailService(nil, logging.NewLogger())

	_, err := es.renderTemplate("nope", testAlert())
	assert.Error(t, err)
}
