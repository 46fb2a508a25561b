package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"allowance/internal/core"
)

type createDependentRequest struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Balance    json.RawMessage `json:"balance"`
	DailyCap   json.RawMessage `json:"daily_cap"`
	WeeklyCap  json.RawMessage `json:"weekly_cap"`
	MonthlyCap json.RawMessage `json:"monthly_cap"`
}

type windowCounterResponse struct {
	Cap       string `json:"cap"`
	Spent     string `json:"spent"`
	Remaining string `json:"remaining"`
	ResetAt   string `json:"reset_at,omitempty"`
}

type countersResponse struct {
	DependentID string                   `json:"dependent_id"`
	Balance     string                   `json:"balance"`
	Daily       windowCounterResponse    `json:"daily"`
	Weekly      windowCounterResponse    `json:"weekly"`
	Monthly     windowCounterResponse    `json:"monthly"`
	PerCategory map[string]string        `json:"per_category,omitempty"`
}

func toWindowResponse(c core.WindowCounter) windowCounterResponse {
	resp := windowCounterResponse{
		Cap:       c.Cap.String(),
		Spent:     c.Spent.String(),
		Remaining: c.Cap.Sub(c.Spent).String(),
	}
	if !c.ResetAt.IsZero() {
		resp.ResetAt = c.ResetAt.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleCreateDependent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}

	var req createDependentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing_name", "name is required")
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.New().String()
	}

	dep := core.Dependent{ID: id, Name: strings.TrimSpace(req.Name)}
	if len(req.Balance) > 0 {
		balance, err := parseAmount(req.Balance)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_amount", "balance must be a positive decimal")
			return
		}
		dep.AvailableBalance = balance
	}
	var parseErr error
	dep.Counters.Daily.Cap, parseErr = parseOptionalAmount(req.DailyCap, parseErr)
	dep.Counters.Weekly.Cap, parseErr = parseOptionalAmount(req.WeeklyCap, parseErr)
	dep.Counters.Monthly.Cap, parseErr = parseOptionalAmount(req.MonthlyCap, parseErr)
	if parseErr != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_amount", "caps must be positive decimals")
		return
	}

	if err := s.admin.CreateDependent(r.Context(), dep); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":      dep.ID,
		"name":    dep.Name,
		"balance": dep.AvailableBalance.String(),
	})
}

func parseOptionalAmount(raw json.RawMessage, prior error) (core.Money, error) {
	if prior != nil {
		return core.Money{}, prior
	}
	if len(raw) == 0 {
		return core.Money{}, nil
	}
	return parseAmount(raw)
}

func (s *Server) handleDependentByID(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r, "/api/dependents/")
	if tail == "" {
		writeError(w, http.StatusNotFound, "not_found", "missing dependent id")
		return
	}

	id, action, _ := strings.Cut(tail, "/")

	switch action {
	case "counters":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, "GET")
			return
		}
		s.getCounters(w, r, id)

	case "caps":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, "PUT")
			return
		}
		s.updateCaps(w, r, id)

	case "credit":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, "POST")
			return
		}
		s.creditBalance(w, r, id)

	case "transactions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, "GET")
			return
		}
		s.listTransactions(w, r, id)

	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown action")
	}
}

// getCounters returns the dependent's balance and window counters with
// elapsed windows already rolled, so the view never shows stale spend.
func (s *Server) getCounters(w http.ResponseWriter, r *http.Request, id string) {
	counters, balance, err := s.store.GetRollingCounters(r.Context(), id, time.Now().UTC())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := countersResponse{
		DependentID: id,
		Balance:     balance.String(),
		Daily:       toWindowResponse(counters.Daily),
		Weekly:      toWindowResponse(counters.Weekly),
		Monthly:     toWindowResponse(counters.Monthly),
	}
	if len(counters.PerCategory) > 0 {
		resp.PerCategory = make(map[string]string, len(counters.PerCategory))
		for category, spent := range counters.PerCategory {
			resp.PerCategory[category] = spent.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) updateCaps(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Daily   json.RawMessage `json:"daily"`
		Weekly  json.RawMessage `json:"weekly"`
		Monthly json.RawMessage `json:"monthly"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	var parseErr error
	daily, parseErr := parseOptionalAmount(req.Daily, parseErr)
	weekly, parseErr := parseOptionalAmount(req.Weekly, parseErr)
	monthly, parseErr := parseOptionalAmount(req.Monthly, parseErr)
	if parseErr != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_amount", "caps must be positive decimals")
		return
	}

	if err := s.admin.UpdateCaps(r.Context(), id, daily, weekly, monthly); err != nil {
		writeDomainError(w, err)
		return
	}
	s.getCounters(w, r, id)
}

func (s *Server) creditBalance(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Amount json.RawMessage `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_amount", "amount must be a positive decimal")
		return
	}

	if err := s.admin.CreditBalance(r.Context(), id, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	s.getCounters(w, r, id)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request, id string) {
	txs, err := s.ledger.ListByDependent(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionResponse(tx))
	}
	writeJSON(w, http.StatusOK, out)
}
