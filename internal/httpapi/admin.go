package httpapi

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/chainyield/coordinator/internal/ledger"
	"github.com/chainyield/coordinator/internal/models"
)

type createPaymentKeyRequest struct {
	OwnerAccount    string   `json:"owner_account"`
	Nonce           int64    `json:"nonce"`
	Secret          string   `json:"secret"`
	InitialBalance  int64    `json:"initial_balance"`
	AllowedProjects []string `json:"allowed_projects"`
	MaxPerCall      *int64   `json:"max_per_call"`
	IsGrant         bool     `json:"is_grant"`
}

// createPaymentKey lets the operator mint a new bearer payment credential;
// the raw secret is returned exactly once and never stored (only its hash
// is, in KeyHash).
func (s *Server) createPaymentKey(w http.ResponseWriter, r *http.Request) {
	var req createPaymentKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed request body", err))
		return
	}
	if req.OwnerAccount == "" || req.Secret == "" || req.InitialBalance <= 0 {
		writeError(w, models.NewError(models.KindValidation, "owner_account, secret, and a positive initial_balance are required", nil))
		return
	}
	k := models.PaymentKey{
		OwnerAccount:    req.OwnerAccount,
		Nonce:           req.Nonce,
		KeyHash:         ledger.HashSecret(req.Secret),
		InitialBalance:  req.InitialBalance,
		AllowedProjects: req.AllowedProjects,
		MaxPerCall:      req.MaxPerCall,
		IsGrant:         req.IsGrant,
	}
	if err := s.ledger.CreatePaymentKey(r.Context(), k); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"payment_key": req.OwnerAccount + ":" + strconv.FormatInt(req.Nonce, 10) + ":" + req.Secret,
		"key_hash":    k.KeyHash,
	})
}

// listPaymentKeys is an operator-only view over balances; it never returns
// the raw secret, only the KeyHash and accounting fields.
func (s *Server) listPaymentKeys(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT owner_account, nonce, key_hash, initial_balance, spent, reserved, allowed_projects, max_per_call, is_grant, created_at
		FROM payment_keys ORDER BY created_at DESC
	`)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rows.Close()

	type keySummary struct {
		OwnerAccount    string  `json:"owner_account"`
		Nonce           int64   `json:"nonce"`
		KeyHash         string  `json:"key_hash"`
		InitialBalance  int64   `json:"initial_balance"`
		Spent           int64   `json:"spent"`
		Reserved        int64   `json:"reserved"`
		AllowedProjects string  `json:"allowed_projects"`
		MaxPerCall      *int64  `json:"max_per_call,omitempty"`
		IsGrant         bool    `json:"is_grant"`
	}
	var out []keySummary
	for rows.Next() {
		var k keySummary
		var allowed sql.NullString
		var maxPerCall sql.NullInt64
		var createdAt any
		if err := rows.Scan(&k.OwnerAccount, &k.Nonce, &k.KeyHash, &k.InitialBalance, &k.Spent, &k.Reserved,
			&allowed, &maxPerCall, &k.IsGrant, &createdAt); err != nil {
			writeError(w, err)
			return
		}
		k.AllowedProjects = allowed.String
		if maxPerCall.Valid {
			k.MaxPerCall = &maxPerCall.Int64
		}
		out = append(out, k)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deletePaymentKey(w http.ResponseWriter, r *http.Request) {
	keyHash := mux.Vars(r)["key_hash"]
	res, err := s.db.ExecContext(r.Context(), `DELETE FROM payment_keys WHERE key_hash = $1`, keyHash)
	if err != nil {
		writeError(w, err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, models.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// compileLogs surfaces the raw build output captured by /jobs/complete for a
// compile job, gated to the admin audience since logs may echo user source.
func (s *Server) compileLogs(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(mux.Vars(r)["job_id"], 10, 64)
	if err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed job_id", err))
		return
	}
	var logs sql.NullString
	var kind string
	err = s.db.QueryRowContext(r.Context(), `SELECT kind, logs FROM jobs WHERE job_id = $1`, jobID).Scan(&kind, &logs)
	if err == sql.ErrNoRows {
		writeError(w, models.ErrNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if kind != string(models.JobCompile) {
		writeError(w, models.NewError(models.KindValidation, "job is not a compile job", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs.String})
}

// deregisterWorker revokes a worker's session immediately, e.g. after an
// operator decides its attestation measurement is no longer trusted.
func (s *Server) deregisterWorker(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["worker_id"]
	if strings.TrimSpace(workerID) == "" {
		writeError(w, models.NewError(models.KindValidation, "worker_id is required", nil))
		return
	}
	if err := s.registry.Revoke(r.Context(), workerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
