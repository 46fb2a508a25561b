package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"allowance/internal/core"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeDomainError maps domain errors onto HTTP statuses. Spend denials
// are 403 with the verbatim reason; lifecycle conflicts are 409.
func writeDomainError(w http.ResponseWriter, err error) {
	var limitErr *core.LimitExceededError
	var categoryErr *core.CategoryLimitExceededError
	var transitionErr *core.InvalidTransitionError

	switch {
	case errors.As(err, &limitErr):
		writeError(w, http.StatusForbidden, "limit_exceeded", limitErr.Error())
	case errors.As(err, &categoryErr):
		writeError(w, http.StatusForbidden, "category_limit_exceeded", categoryErr.Error())
	case errors.Is(err, core.ErrInsufficientBalance):
		writeError(w, http.StatusForbidden, "insufficient_balance", err.Error())
	case errors.As(err, &transitionErr):
		writeError(w, http.StatusConflict, "invalid_transition", transitionErr.Error())
	case errors.Is(err, core.ErrConflictingSettlement):
		writeError(w, http.StatusConflict, "conflicting_settlement", err.Error())
	case errors.Is(err, core.ErrNetworkMismatch):
		writeError(w, http.StatusConflict, "network_mismatch", err.Error())
	case errors.Is(err, core.ErrUnknownDependent), errors.Is(err, core.ErrUnknownTransaction):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		slog.Error("Internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// decodeJSON reads a request body into dst, rejecting unknown garbage
// early with a 400-friendly error.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(dst)
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// pathTail returns the remainder of the URL path after the prefix,
// without leading or trailing slashes.
func pathTail(r *http.Request, prefix string) string {
	tail := strings.TrimPrefix(r.URL.Path, prefix)
	return strings.Trim(tail, "/")
}

// parseAmount accepts a decimal string ("9.99", "9,99") or a bare JSON
// number in whole currency units.
func parseAmount(raw json.RawMessage) (core.Money, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return core.ParseMoney(asString)
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return core.ParseMoney(asNumber.String())
	}
	return core.Money{}, core.ErrInvalidAmount
}
