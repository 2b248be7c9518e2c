// Package handler exposes the reward gateway over JSON HTTP.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/stamptour/internal/gateway"
	"github.com/dukerupert/stamptour/internal/metrics"
	"github.com/dukerupert/stamptour/internal/reward"
)

// AdminKeyHeader carries the reset key.
const AdminKeyHeader = "X-Admin-Key"

type RegistrationHandler struct {
	gw      *gateway.Gateway
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRegistrationHandler(gw *gateway.Gateway, m *metrics.Metrics, logger *slog.Logger) *RegistrationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistrationHandler{gw: gw, metrics: m, logger: logger}
}

func (h *RegistrationHandler) observe(route string, start time.Time) {
	if h.metrics != nil {
		h.metrics.Observe(route, time.Since(start).Seconds())
	}
}

// RegisterRequest is the body of POST /api/registrations.
type RegisterRequest struct {
	Name           string     `json:"name"`
	Position       string     `json:"position"`
	Company        string     `json:"company"`
	Phone          string     `json:"phone"`
	Email          string     `json:"email"`
	CompletedCount int        `json:"completed_count"`
	RewardLevel    string     `json:"reward_level"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
}

func (r RegisterRequest) submission() reward.Submission {
	sub := reward.Submission{
		Name:           r.Name,
		Position:       r.Position,
		Company:        r.Company,
		Phone:          r.Phone,
		Email:          r.Email,
		CompletedCount: r.CompletedCount,
		RewardLevel:    r.RewardLevel,
	}
	if r.SubmittedAt != nil {
		sub.SubmittedAt = *r.SubmittedAt
	}
	return sub
}

// RegisterResponse is the confirmation body of a successful registration.
type RegisterResponse struct {
	Submission reward.Submission `json:"submission"`
	Tier       reward.Tier       `json:"tier"`
	Remaining  map[string]int    `json:"remaining"`
}

type ListResponse struct {
	Rows []reward.Submission `json:"rows"`
}

type QuotaResponse struct {
	Remaining map[string]int `json:"remaining"`
}

type TierQuotaResponse struct {
	Tier      string `json:"tier"`
	Available bool   `json:"available"`
	Remaining int    `json:"remaining"`
}

type TiersResponse struct {
	Tiers []reward.Tier `json:"tiers"`
}

type ResetResponse struct {
	Archive string `json:"archive,omitempty"`
}

func (h *RegistrationHandler) List(w http.ResponseWriter, r *http.Request) {
	defer h.observe("list", time.Now())

	subs, err := h.gw.ListSubmissions(r.Context())
	if err != nil {
		h.logger.Error("list submissions", "error", err)
		writeError(w, err)
		return
	}
	if subs == nil {
		subs = []reward.Submission{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Rows: subs})
}

func (h *RegistrationHandler) Quota(w http.ResponseWriter, r *http.Request) {
	defer h.observe("quota", time.Now())

	snap, err := h.gw.RemainingQuota(r.Context())
	if err != nil {
		h.logger.Error("remaining quota", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QuotaResponse{Remaining: snap})
}

func (h *RegistrationHandler) TierQuota(w http.ResponseWriter, r *http.Request) {
	defer h.observe("tier_quota", time.Now())

	key := strings.TrimSpace(r.PathValue("tier"))
	available, remaining, err := h.gw.CheckTierAvailable(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TierQuotaResponse{Tier: key, Available: available, Remaining: remaining})
}

func (h *RegistrationHandler) Tiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TiersResponse{Tiers: h.gw.Table().Tiers()})
}

func (h *RegistrationHandler) Register(w http.ResponseWriter, r *http.Request) {
	defer h.observe("register", time.Now())

	var req RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, &reward.ValidationError{Msg: "invalid JSON"})
		return
	}

	receipt, err := h.gw.Register(r.Context(), req.submission())
	if err != nil {
		if h.metrics != nil {
			h.metrics.RegistrationFailed(err)
		}
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RegistrationAccepted(receipt.Tier)
	}

	writeJSON(w, http.StatusCreated, RegisterResponse{
		Submission: receipt.Submission,
		Tier:       receipt.Tier,
		Remaining:  receipt.Remaining,
	})
}

func (h *RegistrationHandler) Reset(w http.ResponseWriter, r *http.Request) {
	defer h.observe("reset", time.Now())

	archive, err := h.gw.ResetAll(r.Context(), r.Header.Get(AdminKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.LedgerReset()
	}
	h.logger.Info("ledger reset", "archive", archive, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, ResetResponse{Archive: archive})
}
