package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wopr-network/wopr-fleet/pkg/ledger"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// adminUserHeader attributes admin ledger mutations. Falls back to
// "admin" when the proxy does not set it.
const adminUserHeader = "X-Admin-User"

type grantRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

type refundRequest struct {
	AmountCents  int64    `json:"amount_cents"`
	Reason       string   `json:"reason"`
	ReferenceIDs []string `json:"reference_ids,omitempty"`
}

type correctionRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

// transactionJSON is the wire shape of a ledger row.
type transactionJSON struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	AmountCents       int64     `json:"amount_cents"`
	BalanceAfterCents int64     `json:"balance_after_cents"`
	Type              string    `json:"type"`
	Description       string    `json:"description,omitempty"`
	ReferenceID       string    `json:"reference_id,omitempty"`
	ReferenceIDs      string    `json:"reference_ids,omitempty"`
	FundingSource     string    `json:"funding_source,omitempty"`
	AttributedUserID  string    `json:"attributed_user_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func renderTransaction(txn *types.CreditTransaction) transactionJSON {
	return transactionJSON{
		ID:                txn.ID,
		TenantID:          txn.TenantID,
		AmountCents:       txn.AmountCents,
		BalanceAfterCents: txn.BalanceAfterCents,
		Type:              string(txn.Type),
		Description:       txn.Description,
		ReferenceID:       txn.ReferenceID,
		ReferenceIDs:      txn.ReferenceIDs,
		FundingSource:     txn.FundingSource,
		AttributedUserID:  txn.AttributedUserID,
		CreatedAt:         txn.CreatedAt,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

// writeLedgerError maps ledger failures onto the admin contract:
// validation errors are a plain 400, insufficient balance is a 400
// carrying the current balance.
func writeLedgerError(w http.ResponseWriter, err error) {
	var invalid *ledger.InvalidArgumentError
	if errors.As(err, &invalid) {
		writeError(w, http.StatusBadRequest, invalid.Message)
		return
	}
	var insufficient *storage.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":           err.Error(),
			"current_balance": insufficient.CurrentBalance,
		})
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	var req grantRequest
	if !decodeBody(w, r, &req) {
		return
	}

	txn, err := s.ledger.Grant(tenantID, req.AmountCents, req.Reason, r.Header.Get(adminUserHeader))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderTransaction(txn))
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	var req refundRequest
	if !decodeBody(w, r, &req) {
		return
	}

	txn, err := s.ledger.Refund(tenantID, req.AmountCents, req.Reason, r.Header.Get(adminUserHeader), req.ReferenceIDs)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderTransaction(txn))
}

func (s *Server) handleCorrection(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	var req correctionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	txn, err := s.ledger.Correction(tenantID, req.AmountCents, req.Reason, r.Header.Get(adminUserHeader))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderTransaction(txn))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	balance, err := s.ledger.Balance(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant":        tenantID,
		"balance_cents": balance,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	filter, err := parseTxFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, total, err := s.ledger.ListTransactions(tenantID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	entries := make([]transactionJSON, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, renderTransaction(row))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   total,
	})
}

func parseTxFilter(r *http.Request) (storage.TxFilter, error) {
	var filter storage.TxFilter
	q := r.URL.Query()

	filter.Type = types.CreditTxType(q.Get("type"))

	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid from timestamp %q", raw)
		}
		filter.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid to timestamp %q", raw)
		}
		filter.To = to
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("invalid limit %q", raw)
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, fmt.Errorf("invalid offset %q", raw)
		}
		filter.Offset = offset
	}
	return filter, nil
}
