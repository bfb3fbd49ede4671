package httpapi

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/chainyield/coordinator/internal/models"
)

// teeChallenge is handshake step 1 of spec §4.3: issue a short-lived nonce
// for the worker to sign with its TEE-resident key.
func (s *Server) teeChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := s.registry.IssueChallenge()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge_id": c.ChallengeID,
		"nonce":        base64.StdEncoding.EncodeToString(c.Nonce[:]),
		"expires_at":   c.ExpiresAt,
	})
}

type registerTEERequest struct {
	ChallengeID     string `json:"challenge_id"`
	Signature       string `json:"signature"`  // base64
	PublicKey       string `json:"public_key"` // base64
	Role            string `json:"role"`
	TEEMeasurement  string `json:"tee_measurement"`
	TDXQuoteHex     string `json:"tdx_quote_hex"`
}

// registerTEE is handshake steps 2-4: verify the signature, confirm the
// public key is a registered access key, issue a session token.
func (s *Server) registerTEE(w http.ResponseWriter, r *http.Request) {
	var req registerTEERequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed request body", err))
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed signature", err))
		return
	}
	pubKey, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed public key", err))
		return
	}
	role := models.WorkerRole(req.Role)
	if role != models.RoleCompile && role != models.RoleExecute && role != models.RoleBoth {
		writeError(w, models.NewError(models.KindValidation, "role must be compile, execute, or both", nil))
		return
	}

	sess, err := s.registry.Register(r.Context(), req.ChallengeID, sig, pubKey, role, req.TEEMeasurement, req.TDXQuoteHex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"worker_id":          sess.WorkerID,
		"session_token":      sess.SessionToken,
		"session_expires_at": sess.SessionExpiresAt,
	})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	sess, _ := workerSessionFromContext(r)
	if err := s.registry.Heartbeat(r.Context(), sess.WorkerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// claimJob lets a worker pull the oldest eligible pending job for its role.
// 204 No Content (not an error) when the queue has nothing for it right now.
func (s *Server) claimJob(w http.ResponseWriter, r *http.Request) {
	sess, _ := workerSessionFromContext(r)
	job, err := s.queue.Claim(r.Context(), sess.Role, sess.WorkerID, jobLeaseTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":   job.JobID,
		"kind":     job.Kind,
		"payload":  json.RawMessage(job.Payload),
		"attempts": job.Attempts,
	})
}

const jobLeaseTTL = 2 * time.Minute

type completeJobRequest struct {
	JobID          int64               `json:"job_id"`
	Success        bool                `json:"success"`
	Output         string              `json:"output"` // base64: wasm bytes (compile) or execution output (execute)
	ErrorKind      string              `json:"error_kind"`
	ErrorMessage   string              `json:"error_message"`
	Logs           string              `json:"logs"`
	ResourcesUsed  models.ResourceUsage `json:"resources_used"`
	TDXQuoteHex    string              `json:"tdx_quote_hex"`
	MeasurementHash string             `json:"measurement_hash"`
}

// completeJob is the single endpoint both compile and execute workers post
// their result to; the job's own Kind (read back from Postgres, since the
// queue stores it alongside the payload) decides which orchestrator method
// fields the outcome into (spec §4.2, §4.5).
func (s *Server) completeJob(w http.ResponseWriter, r *http.Request) {
	sess, _ := workerSessionFromContext(r)

	var req completeJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed request body", err))
		return
	}

	kind, payload, err := s.loadJobPayload(r.Context(), req.JobID)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Logs != "" {
		_, _ = s.db.ExecContext(r.Context(), `UPDATE jobs SET logs = $1 WHERE job_id = $2`, req.Logs, req.JobID)
	}

	var output []byte
	if req.Output != "" {
		output, err = base64.StdEncoding.DecodeString(req.Output)
		if err != nil {
			writeError(w, models.NewError(models.KindValidation, "malformed output encoding", err))
			return
		}
	}

	switch kind {
	case models.JobCompile:
		err = s.completeCompileJob(r.Context(), req, payload, sess.WorkerID, output)
	case models.JobExecute:
		err = s.completeExecuteJob(r.Context(), req, payload, sess.WorkerID, output)
	default:
		err = models.NewError(models.KindInvariant, "unknown job kind", nil)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) completeCompileJob(r context.Context, req completeJobRequest, payload []byte, workerID string, output []byte) error {
	var p models.CompilePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return models.NewError(models.KindInvariant, "corrupt compile job payload", err)
	}
	if !req.Success {
		errKind := models.ErrorKind(req.ErrorKind)
		terminal, err := s.queue.Fail(r, req.JobID, workerID, models.NewError(errKind, req.ErrorMessage, nil), models.RetryPolicy{Transient: errKind.Retryable()})
		if err != nil {
			return err
		}
		if !terminal {
			// Requeued for retry: the parent request stays in its current
			// state so a later successful attempt can still complete it.
			return nil
		}
		return s.orch.CompileJobFailed(r, p.RequestID, workerID, models.NewError(errKind, req.ErrorMessage, nil))
	}
	if err := s.orch.CompileJobCompleted(r, p.RequestID, workerID, output); err != nil {
		return err
	}
	return s.queue.Complete(r, req.JobID, workerID)
}

func (s *Server) completeExecuteJob(r context.Context, req completeJobRequest, payload []byte, workerID string, output []byte) error {
	var p models.ExecutePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return models.NewError(models.KindInvariant, "corrupt execute job payload", err)
	}
	// recordAttestation is best-effort: its failure is never surfaced to the
	// worker's completion call.
	s.recordAttestation(r, req.JobID, workerID, req.TDXQuoteHex, req.MeasurementHash)
	if !req.Success {
		errKind := models.ErrorKind(req.ErrorKind)
		terminal, err := s.queue.Fail(r, req.JobID, workerID, models.NewError(errKind, req.ErrorMessage, nil), models.RetryPolicy{Transient: errKind.Retryable()})
		if err != nil {
			return err
		}
		if !terminal {
			// Requeued for retry: the parent request stays in its current
			// state so a later successful attempt can still complete it.
			return nil
		}
		return s.orch.ExecuteJobFailed(r, p.RequestID, req.ErrorKind, req.ErrorMessage)
	}
	if err := s.orch.ExecuteJobCompleted(r, p.RequestID, models.ExecutionResponse{
		Success: true, Output: output, ResourcesUsed: req.ResourcesUsed,
	}); err != nil {
		return err
	}
	return s.queue.Complete(r, req.JobID, workerID)
}

func (s *Server) recordAttestation(ctx context.Context, jobID int64, workerID, tdxQuoteHex, measurementHash string) bool {
	if tdxQuoteHex == "" {
		return false
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attestation_records (job_id, worker_id, tdx_quote_hex, measurement_hash, verified_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (job_id, worker_id) DO NOTHING
	`, jobID, workerID, tdxQuoteHex, measurementHash)
	return err == nil
}

func (s *Server) loadJobPayload(ctx context.Context, jobID int64) (models.JobKind, []byte, error) {
	var kind string
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT kind, payload FROM jobs WHERE job_id = $1`, jobID).Scan(&kind, &payload)
	if err == sql.ErrNoRows {
		return "", nil, models.ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	return models.JobKind(kind), payload, nil
}

func (s *Server) getWasm(w http.ResponseWriter, r *http.Request) {
	fp := models.ArtifactFingerprint(mux.Vars(r)["fingerprint"])
	data, found, err := s.cache.Lookup(r.Context(), fp)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, models.ErrNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/wasm")
	_, _ = w.Write(data)
}

type uploadWasmRequest struct {
	Fingerprint string `json:"fingerprint"`
	Data        string `json:"data"` // base64
}

// uploadWasm lets an operator preload a built artifact directly, bypassing
// a compile job; compile workers normally deliver bytes via /jobs/complete.
func (s *Server) uploadWasm(w http.ResponseWriter, r *http.Request) {
	var req uploadWasmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed request body", err))
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed data encoding", err))
		return
	}
	fp := models.ArtifactFingerprint(req.Fingerprint)
	if err := s.cache.FinishBuild(r.Context(), fp, data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
