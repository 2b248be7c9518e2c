package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/stamptour/internal/database"
	"github.com/dukerupert/stamptour/internal/gateway"
	"github.com/dukerupert/stamptour/internal/metrics"
	"github.com/dukerupert/stamptour/internal/reward"
	"github.com/dukerupert/stamptour/internal/store"
)

const testAdminKey = "letmein"

func setupHandler(t *testing.T, ledger gateway.Ledger) (*http.ServeMux, *metrics.Metrics) {
	t.Helper()
	if ledger == nil {
		db, err := database.Open(":memory:")
		if err != nil {
			t.Fatalf("open test db: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		ledger = store.NewSubmissionStore(db)
	}

	hash, err := gateway.HashAdminKey(testAdminKey, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash admin key: %v", err)
	}
	table := reward.MustTable([]reward.Tier{
		{Key: "tier11", Label: "chicken", Threshold: 11, Limit: 1},
		{Key: "tier9", Label: "coffee", Threshold: 9, Limit: 1},
		{Key: "tier7", Label: "energy-drink", Threshold: 7, Limit: 1},
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := gateway.New(gateway.Config{Table: table, MaxStamps: 11, AdminKeyHash: hash}, ledger, gateway.WithLogger(logger))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	m := metrics.New()
	h := NewRegistrationHandler(gw, m, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/submissions", h.List)
	mux.HandleFunc("GET /api/quota", h.Quota)
	mux.HandleFunc("GET /api/quota/{tier}", h.TierQuota)
	mux.HandleFunc("GET /api/tiers", h.Tiers)
	mux.HandleFunc("POST /api/registrations", h.Register)
	mux.HandleFunc("POST /api/admin/reset", h.Reset)
	return mux, m
}

func do(t *testing.T, mux http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func registration(name string, count int, level string) RegisterRequest {
	return RegisterRequest{
		Name:           name,
		Company:        "Acme",
		Phone:          "010-1234-5678",
		Email:          name + "@example.com",
		CompletedCount: count,
		RewardLevel:    level,
	}
}

func TestRegisterCreated(t *testing.T) {
	mux, _ := setupHandler(t, nil)

	rec := do(t, mux, "POST", "/api/registrations", registration("kim", 11, "chicken"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	resp := decode[RegisterResponse](t, rec)
	if resp.Tier.Key != "tier11" {
		t.Errorf("tier = %q, want tier11", resp.Tier.Key)
	}
	if resp.Submission.ID == "" {
		t.Error("expected an id in the confirmation")
	}
	if resp.Remaining["tier11"] != 0 {
		t.Errorf("remaining tier11 = %d, want 0", resp.Remaining["tier11"])
	}

	rec = do(t, mux, "GET", "/api/submissions", nil, nil)
	list := decode[ListResponse](t, rec)
	if len(list.Rows) != 1 || list.Rows[0].Name != "kim" {
		t.Errorf("rows = %+v", list.Rows)
	}
}

func TestRegisterConflicts(t *testing.T) {
	mux, _ := setupHandler(t, nil)

	do(t, mux, "POST", "/api/registrations", registration("a", 11, "chicken"), nil)

	rec := do(t, mux, "POST", "/api/registrations", registration("b", 11, "chicken"), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	resp := decode[ErrorResponse](t, rec)
	if resp.Reason != reward.ReasonQuotaChanged {
		t.Errorf("reason = %q, want %q", resp.Reason, reward.ReasonQuotaChanged)
	}
	if resp.Resolved != "tier9" {
		t.Errorf("resolved = %q, want tier9", resp.Resolved)
	}

	do(t, mux, "POST", "/api/registrations", registration("c", 9, "coffee"), nil)
	do(t, mux, "POST", "/api/registrations", registration("d", 7, "energy-drink"), nil)

	rec = do(t, mux, "POST", "/api/registrations", registration("e", 7, "energy-drink"), nil)
	resp = decode[ErrorResponse](t, rec)
	if rec.Code != http.StatusConflict || resp.Reason != reward.ReasonQuotaExhausted {
		t.Errorf("got %d %q, want 409 %q", rec.Code, resp.Reason, reward.ReasonQuotaExhausted)
	}
}

func TestRegisterValidation(t *testing.T) {
	mux, m := setupHandler(t, nil)

	rec := do(t, mux, "POST", "/api/registrations", "{not json", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	req := registration("kim", 11, "chicken")
	req.Email = "not-an-email"
	rec = do(t, mux, "POST", "/api/registrations", req, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	resp := decode[ErrorResponse](t, rec)
	if resp.Field != reward.FieldEmail || resp.Reason != reward.ReasonValidation {
		t.Errorf("got field %q reason %q", resp.Field, resp.Reason)
	}

	var buf bytes.Buffer
	metricsRec := httptest.NewRecorder()
	m.Handler().ServeHTTP(metricsRec, httptest.NewRequest("GET", "/metrics", nil))
	buf.ReadFrom(metricsRec.Body)
	if !bytes.Contains(buf.Bytes(), []byte(`stamptour_registrations_total{outcome="validation"} 1`)) {
		t.Errorf("validation failure not counted:\n%s", buf.String())
	}
}

func TestQuotaEndpoints(t *testing.T) {
	mux, _ := setupHandler(t, nil)
	do(t, mux, "POST", "/api/registrations", registration("kim", 9, "coffee"), nil)

	rec := do(t, mux, "GET", "/api/quota", nil, nil)
	quota := decode[QuotaResponse](t, rec)
	want := map[string]int{"tier11": 1, "tier9": 0, "tier7": 1}
	for k, v := range want {
		if quota.Remaining[k] != v {
			t.Errorf("remaining[%s] = %d, want %d", k, quota.Remaining[k], v)
		}
	}

	rec = do(t, mux, "GET", "/api/quota/tier9", nil, nil)
	tq := decode[TierQuotaResponse](t, rec)
	if tq.Available || tq.Remaining != 0 || tq.Tier != "tier9" {
		t.Errorf("tier9 = %+v", tq)
	}

	rec = do(t, mux, "GET", "/api/quota/tier42", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown tier status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = do(t, mux, "GET", "/api/tiers", nil, nil)
	tiers := decode[TiersResponse](t, rec)
	if len(tiers.Tiers) != 3 || tiers.Tiers[0].Key != "tier11" {
		t.Errorf("tiers = %+v", tiers.Tiers)
	}
}

func TestReset(t *testing.T) {
	mux, _ := setupHandler(t, nil)
	do(t, mux, "POST", "/api/registrations", registration("kim", 11, "chicken"), nil)

	rec := do(t, mux, "POST", "/api/admin/reset", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	rec = do(t, mux, "POST", "/api/admin/reset", nil, map[string]string{AdminKeyHeader: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	rec = do(t, mux, "GET", "/api/submissions", nil, nil)
	if rows := decode[ListResponse](t, rec).Rows; len(rows) != 1 {
		t.Fatalf("ledger changed after rejected reset: %d rows", len(rows))
	}

	rec = do(t, mux, "POST", "/api/admin/reset", nil, map[string]string{AdminKeyHeader: testAdminKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	rec = do(t, mux, "GET", "/api/submissions", nil, nil)
	if rows := decode[ListResponse](t, rec).Rows; len(rows) != 0 {
		t.Errorf("rows after reset = %d, want 0", len(rows))
	}
}

type downLedger struct{}

var errDown = errors.New("connection refused")

func (downLedger) AppendSubmission(context.Context, reward.Submission) error { return errDown }
func (downLedger) ListSubmissions(context.Context) ([]reward.Submission, error) {
	return nil, errDown
}
func (downLedger) ClearAll(context.Context) error { return errDown }

func TestStorageUnavailable(t *testing.T) {
	mux, _ := setupHandler(t, downLedger{})

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/submissions"},
		{"GET", "/api/quota"},
		{"GET", "/api/quota/tier7"},
	} {
		rec := do(t, mux, tc.method, tc.path, nil, nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: status = %d, want %d", tc.method, tc.path, rec.Code, http.StatusServiceUnavailable)
		}
	}

	rec := do(t, mux, "POST", "/api/registrations", registration("kim", 11, "chicken"), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	resp := decode[ErrorResponse](t, rec)
	if resp.Reason != reward.ReasonStorageUnavailable {
		t.Errorf("reason = %q", resp.Reason)
	}
	if bytes.Contains([]byte(resp.Error), []byte("connection refused")) {
		t.Error("storage cause leaked to client")
	}
}
