package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/chainyield/coordinator/internal/models"
	"github.com/chainyield/coordinator/internal/secrets"
)

type setSecretsPolicyRequest struct {
	OwnerAccount string          `json:"owner_account"`
	Profile      string          `json:"profile"`
	Condition    json.RawMessage `json:"condition"`
	Secret       string          `json:"secret"` // base64 plaintext
}

// setSecretsPolicy lets the operator (or, in a real deployment, the project
// owner authenticated as an admin delegate) bind an AccessCondition to a
// named secret. The plaintext is sealed through keystoreclient.Encrypt
// before it ever touches Postgres.
func (s *Server) setSecretsPolicy(w http.ResponseWriter, r *http.Request) {
	var req setSecretsPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed request body", err))
		return
	}
	if req.OwnerAccount == "" || req.Profile == "" || len(req.Condition) == 0 {
		writeError(w, models.NewError(models.KindValidation, "owner_account, profile, and condition are required", nil))
		return
	}
	cond, err := secrets.UnmarshalCondition(req.Condition)
	if err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed condition", err))
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.Secret)
	if err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed secret encoding", err))
		return
	}
	if err := s.secrets.SetPolicy(r.Context(), req.OwnerAccount, req.Profile, cond, plaintext); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func (s *Server) deleteSecretsPolicy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.secrets.DeletePolicy(r.Context(), vars["owner_account"], vars["profile"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// checkSecretsEligibility lets a caller probe whether their own account
// would pass a profile's AccessCondition without spending a /call — the
// condition is evaluated the same way AdvanceNeedsExecute evaluates it, but
// nothing is decrypted.
func (s *Server) checkSecretsEligibility(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	caller := r.URL.Query().Get("account_id")
	if caller == "" {
		writeError(w, models.NewError(models.KindValidation, "account_id query parameter is required", nil))
		return
	}
	ref := models.SecretsRef{Owner: vars["owner_account"], Profile: vars["profile"]}
	allowed, err := s.secrets.CheckEligibility(r.Context(), ref, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}
