package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/stamptour/internal/database"
	"github.com/dukerupert/stamptour/internal/gateway"
	"github.com/dukerupert/stamptour/internal/handler"
	"github.com/dukerupert/stamptour/internal/reward"
	"github.com/dukerupert/stamptour/internal/session"
	"github.com/dukerupert/stamptour/internal/store"
)

const adminKey = "letmein"

var testTable = reward.MustTable([]reward.Tier{
	{Key: "tier11", Label: "chicken", Threshold: 11, Limit: 1},
	{Key: "tier9", Label: "coffee", Threshold: 9, Limit: 1},
	{Key: "tier7", Label: "energy-drink", Threshold: 7, Limit: 2},
})

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newAPI builds the JSON API over an in-memory ledger. wrap, when set, can
// intercept requests before they reach the API.
func newAPI(t *testing.T, wrap func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hash, err := gateway.HashAdminKey(adminKey, bcrypt.MinCost)
	require.NoError(t, err)
	gw, err := gateway.New(gateway.Config{Table: testTable, MaxStamps: 11, AdminKeyHash: hash},
		store.NewSubmissionStore(db), gateway.WithLogger(discard()))
	require.NoError(t, err)

	h := handler.NewRegistrationHandler(gw, nil, discard())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/submissions", h.List)
	mux.HandleFunc("GET /api/quota", h.Quota)
	mux.HandleFunc("GET /api/quota/{tier}", h.TierQuota)
	mux.HandleFunc("GET /api/tiers", h.Tiers)
	mux.HandleFunc("POST /api/registrations", h.Register)
	mux.HandleFunc("POST /api/admin/reset", h.Reset)

	var root http.Handler = mux
	if wrap != nil {
		root = wrap(mux)
	}
	srv := httptest.NewServer(root)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(url string) *Client {
	return New(Config{BaseURL: url, Table: testTable, Logger: discard()})
}

func visitor(name string, count int, level string) reward.Submission {
	return reward.Submission{
		Name: name, Company: "Acme", Phone: "010-1234-5678", Email: name + "@example.com",
		CompletedCount: count, RewardLevel: level,
	}
}

func TestTiers(t *testing.T) {
	c := newClient(newAPI(t, nil).URL)

	table, err := c.Tiers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testTable.Tiers(), table.Tiers())
}

func TestRegisterAndList(t *testing.T) {
	c := newClient(newAPI(t, nil).URL)
	ctx := context.Background()

	receipt, err := c.Register(ctx, visitor("kim", 11, "chicken"))
	require.NoError(t, err)
	assert.Equal(t, "tier11", receipt.Tier.Key)
	assert.NotEmpty(t, receipt.Submission.ID)
	assert.Equal(t, 0, receipt.Remaining["tier11"])

	rows, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, receipt.Submission.ID, rows[0].ID)

	available, remaining, err := c.CheckTier(ctx, "tier11")
	require.NoError(t, err)
	assert.False(t, available)
	assert.Equal(t, 0, remaining)
}

func TestRegisterErrorsMapToKinds(t *testing.T) {
	c := newClient(newAPI(t, nil).URL)
	ctx := context.Background()

	_, err := c.Register(ctx, visitor("a", 11, "chicken"))
	require.NoError(t, err)

	_, err = c.Register(ctx, visitor("b", 11, "chicken"))
	var rej *reward.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.ErrorIs(t, err, reward.ErrQuotaChanged)
	assert.Equal(t, "tier11", rej.Claimed.Key)
	require.NotNil(t, rej.Resolved)
	assert.Equal(t, "tier9", rej.Resolved.Key)

	bad := visitor("c", 11, "chicken")
	bad.Phone = ""
	_, err = c.Register(ctx, bad)
	var verr *reward.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, reward.FieldPhone, verr.Field)
	assert.Equal(t, "is required", verr.Msg)

	_, _, err = c.CheckTier(ctx, "nope")
	assert.ErrorIs(t, err, reward.ErrValidation)
}

func TestRemainingFallsBackToListing(t *testing.T) {
	failQuota := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/quota" {
				http.Error(w, "boom", http.StatusBadGateway)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	c := newClient(newAPI(t, failQuota).URL)
	ctx := context.Background()

	_, err := c.Register(ctx, visitor("a", 7, "energy-drink"))
	require.NoError(t, err)

	snap, err := c.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, reward.Snapshot{"tier11": 1, "tier9": 1, "tier7": 1}, snap)
}

func TestRemainingBothPathsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Remaining(context.Background())
	assert.ErrorIs(t, err, reward.ErrStorageUnavailable)
}

func TestRegisterUnconfirmed(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"created without body", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}},
		{"created with empty confirmation", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
		}},
		{"opaque ok", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}},
		{"gateway timeout", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusGatewayTimeout)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newClient(srv.URL).Register(context.Background(), visitor("kim", 11, "chicken"))
			assert.ErrorIs(t, err, reward.ErrStorageUnavailable)
		})
	}
}

func TestUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(url).Register(context.Background(), visitor("kim", 11, "chicken"))
	assert.ErrorIs(t, err, reward.ErrStorageUnavailable)
}

func TestReset(t *testing.T) {
	c := newClient(newAPI(t, nil).URL)
	ctx := context.Background()

	_, err := c.Register(ctx, visitor("a", 9, "coffee"))
	require.NoError(t, err)

	_, err = c.Reset(ctx, "wrong")
	assert.ErrorIs(t, err, reward.ErrAuth)

	_, err = c.Reset(ctx, adminKey)
	require.NoError(t, err)

	rows, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSessionOverHTTP(t *testing.T) {
	c := newClient(newAPI(t, nil).URL)
	ctx := context.Background()

	// Another device takes the only chicken.
	_, err := c.Register(ctx, visitor("other", 11, "chicken"))
	require.NoError(t, err)

	s, err := session.New(session.Config{Table: testTable}, session.NewMemoryStore(), c, discard())
	require.NoError(t, err)
	for _, b := range session.Booths(session.DefaultBoothCount) {
		_, err := s.Stamp(b)
		require.NoError(t, err)
	}

	offer, err := s.Offer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tier9", offer.Tier.Key)
	assert.True(t, offer.Degraded)

	receipt, err := s.Confirm(ctx, session.Contact{Name: "kim", Company: "Acme", Phone: "010-1234-5678", Email: "kim@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "coffee", receipt.Submission.RewardLevel)
	assert.Equal(t, session.StateSubmitted, s.State())
}

func TestSessionUnconfirmedStaysUnsubmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/quota":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"remaining":{"tier11":1,"tier9":1,"tier7":2}}`))
		default:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	ds := session.NewMemoryStore()
	s, err := session.New(session.Config{Table: testTable}, ds, newClient(srv.URL), discard())
	require.NoError(t, err)
	for _, b := range session.Booths(9) {
		_, err := s.Stamp(b)
		require.NoError(t, err)
	}

	_, err = s.Offer(context.Background())
	require.NoError(t, err)
	_, err = s.Confirm(context.Background(), session.Contact{Name: "kim", Company: "Acme", Phone: "010-1234-5678", Email: "kim@example.com"})
	require.True(t, errors.Is(err, reward.ErrStorageUnavailable))

	st, err := ds.Load()
	require.NoError(t, err)
	assert.False(t, st.Submitted)
	assert.Len(t, st.Pending, 1)
	assert.NotEqual(t, session.StateSubmitted, s.State())
}
