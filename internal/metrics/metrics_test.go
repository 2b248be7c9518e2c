package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/stamptour/internal/reward"
)

func TestRegistrationCounters(t *testing.T) {
	m := New()
	table := reward.DefaultTable()
	tier, _ := table.ByKey("tier9")

	m.RegistrationAccepted(tier)
	m.RegistrationAccepted(tier)
	m.RegistrationFailed(&reward.RejectionError{Kind: reward.ErrQuotaExhausted})
	m.RegistrationFailed(io.EOF)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.registrations.WithLabelValues("tier9")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrations.WithLabelValues(reward.ReasonQuotaExhausted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrations.WithLabelValues("internal")))
}

func TestSetRemaining(t *testing.T) {
	m := New()
	table := reward.DefaultTable()
	m.SetRemaining(table, reward.Snapshot{"tier11": 0, "tier9": 3, "tier7": 50})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.remaining.WithLabelValues("tier11")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.remaining.WithLabelValues("tier9")))

	m.LedgerReset()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resets))
}

func TestHandlerServesText(t *testing.T) {
	m := New()
	m.LedgerReset()
	m.Observe("register", 0.01)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "stamptour_ledger_resets_total 1"))
	assert.True(t, strings.Contains(string(body), "stamptour_request_duration_seconds"))
}
