package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dukerupert/stamptour/internal/reward"
)

const maxBodyBytes = 16 << 10

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Reason    string         `json:"reason"`
	Field     string         `json:"field,omitempty"`
	Claimed   string         `json:"claimed,omitempty"`
	Resolved  string         `json:"resolved,omitempty"`
	Remaining map[string]int `json:"remaining,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, reward.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, reward.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, reward.ErrQuotaExhausted), errors.Is(err, reward.ErrQuotaChanged):
		return http.StatusConflict
	case errors.Is(err, reward.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError maps err onto a status code and an ErrorResponse. Storage and
// internal errors are reported without their underlying cause.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Reason: reward.Reason(err)}

	var verr *reward.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	var rerr *reward.RejectionError
	if errors.As(err, &rerr) {
		resp.Claimed = rerr.Claimed.Key
		if rerr.Resolved != nil {
			resp.Resolved = rerr.Resolved.Key
		}
		resp.Remaining = rerr.Remaining
	}

	switch status {
	case http.StatusServiceUnavailable:
		resp.Error = "storage unavailable"
	case http.StatusInternalServerError:
		resp.Error = "internal error"
		resp.Reason = "internal"
	case http.StatusUnauthorized:
		resp.Error = "invalid admin key"
	}
	writeJSON(w, status, resp)
}
