package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"allowance/internal/core"
	applog "allowance/internal/log"
)

type createTransactionRequest struct {
	DependentID    string          `json:"dependent_id"`
	CounterpartyID string          `json:"counterparty_id"`
	Description    string          `json:"description"`
	Amount         json.RawMessage `json:"amount"`
	Category       string          `json:"category"`
}

type transactionResponse struct {
	ID             string `json:"id"`
	DependentID    string `json:"dependent_id"`
	CounterpartyID string `json:"counterparty_id"`
	Description    string `json:"description,omitempty"`
	Amount         string `json:"amount"`
	Category       string `json:"category"`
	Status         string `json:"status"`
	SettlementRef  string `json:"settlement_ref,omitempty"`
	CancelReason   string `json:"cancel_reason,omitempty"`
	CreatedAt      string `json:"created_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
	CancelledAt    string `json:"cancelled_at,omitempty"`
}

func toTransactionResponse(tx core.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:             tx.ID,
		DependentID:    tx.DependentID,
		CounterpartyID: tx.CounterpartyID,
		Description:    tx.Description,
		Amount:         tx.Amount.String(),
		Category:       tx.Category,
		Status:         string(tx.Status),
		SettlementRef:  tx.SettlementRef,
		CancelReason:   tx.CancelReason,
		CreatedAt:      tx.CreatedAt.Format(time.RFC3339),
	}
	if !tx.CompletedAt.IsZero() {
		resp.CompletedAt = tx.CompletedAt.Format(time.RFC3339)
	}
	if !tx.CancelledAt.IsZero() {
		resp.CancelledAt = tx.CancelledAt.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}

	var req createTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_amount", "amount must be a positive decimal")
		return
	}

	tx, decision, err := s.ledger.Create(r.Context(), req.DependentID, req.CounterpartyID, req.Description, amount, req.Category)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !decision.Allowed {
		writeDomainError(w, decision.Denial)
		return
	}

	// Settlement is asynchronous. A failed submit leaves the record
	// pending; the timeout sweeper resolves it if no result ever lands.
	if err := s.reconciler.Submit(r.Context(), tx); err != nil {
		fields := applog.NewFields().
			WithComponent(applog.ComponentSettlement).
			WithOperation(applog.OpSubmit).
			WithError(err)
		fields[applog.FieldTransactionID] = tx.ID
		slog.ErrorContext(r.Context(), "Settlement submit failed, record stays pending", fields.ToSlice()...)
	}

	writeJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

func (s *Server) handleTransactionByID(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r, "/api/transactions/")
	if tail == "" {
		writeError(w, http.StatusNotFound, "not_found", "missing transaction id")
		return
	}

	id, action, _ := strings.Cut(tail, "/")

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, "GET")
			return
		}
		tx, err := s.ledger.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTransactionResponse(tx))

	case "confirm":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, "PUT")
			return
		}
		s.confirmTransaction(w, r, id)

	case "cancel":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, "PUT")
			return
		}
		s.cancelTransaction(w, r, id)

	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown action")
	}
}

func (s *Server) confirmTransaction(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		SettlementRef string `json:"settlement_ref"`
		NetworkID     string `json:"network_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if strings.TrimSpace(req.SettlementRef) == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing_settlement_ref", "settlement_ref is required")
		return
	}

	// A caller reporting the network lets us verify it matches the one we
	// submitted to; a mismatch keeps the record pending.
	if req.NetworkID != "" {
		if err := s.reconciler.OnSettled(r.Context(), id, req.SettlementRef, req.NetworkID); err != nil {
			writeDomainError(w, err)
			return
		}
	} else {
		if _, err := s.ledger.Confirm(r.Context(), id, req.SettlementRef); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	tx, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (s *Server) cancelTransaction(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by guardian"
	}

	tx, err := s.ledger.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}
