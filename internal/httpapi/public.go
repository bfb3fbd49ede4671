package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainyield/coordinator/internal/models"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// healthDetailed pings Postgres and reports its status, so an operator
// dashboard (or the load balancer's deep health check) can tell whether the
// database is down. Redis and the chain/keystore RPCs are not checked.
func (s *Server) healthDetailed(w http.ResponseWriter, r *http.Request) {
	out := map[string]string{}
	if err := s.db.PingContext(r.Context()); err != nil {
		out["postgres"] = "down: " + err.Error()
	} else {
		out["postgres"] = "ok"
	}
	status := http.StatusOK
	for _, v := range out {
		if v != "ok" {
			status = http.StatusServiceUnavailable
		}
	}
	if len(out) == 0 {
		out["postgres"] = "ok"
	}
	writeJSON(w, status, out)
}

type publicStats struct {
	RequestsByState map[string]int64 `json:"requests_by_state"`
	ActiveWorkers   int64             `json:"active_workers"`
	CachedArtifacts int64             `json:"cached_artifacts"`
}

func (s *Server) publicStats(w http.ResponseWriter, r *http.Request) {
	var out publicStats
	out.RequestsByState = map[string]int64{}

	rows, err := s.db.QueryContext(r.Context(), `SELECT state, count(*) FROM execution_requests GROUP BY state`)
	if err != nil {
		writeError(w, err)
		return
	}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			writeError(w, err)
			return
		}
		out.RequestsByState[state] = n
	}
	rows.Close()

	_ = s.db.QueryRowContext(r.Context(), `SELECT count(*) FROM worker_sessions WHERE status = 'active'`).Scan(&out.ActiveWorkers)
	_ = s.db.QueryRowContext(r.Context(), `SELECT count(*) FROM cached_artifacts`).Scan(&out.CachedArtifacts)

	writeJSON(w, http.StatusOK, out)
}

type publicWorker struct {
	WorkerID        string    `json:"worker_id"`
	Role            string    `json:"role"`
	Status          string    `json:"status"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// publicWorkers never exposes PublicKey or SessionToken — only what a
// dashboard needs to show fleet health.
func (s *Server) publicWorkers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT worker_id, role, status, last_heartbeat_at FROM worker_sessions ORDER BY last_heartbeat_at DESC
	`)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rows.Close()

	var out []publicWorker
	for rows.Next() {
		var pw publicWorker
		if err := rows.Scan(&pw.WorkerID, &pw.Role, &pw.Status, &pw.LastHeartbeatAt); err != nil {
			writeError(w, err)
			return
		}
		out = append(out, pw)
	}
	writeJSON(w, http.StatusOK, out)
}

type publicJob struct {
	RequestID int64  `json:"request_id"`
	State     string `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// publicJobs lists the most recent requests by creation time, capped at 100
// rows — a live activity feed, not an audit export.
func (s *Server) publicJobs(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT request_id, state, created_at FROM execution_requests ORDER BY created_at DESC LIMIT 100
	`)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rows.Close()

	var out []publicJob
	for rows.Next() {
		var j publicJob
		if err := rows.Scan(&j.RequestID, &j.State, &j.CreatedAt); err != nil {
			writeError(w, err)
			return
		}
		out = append(out, j)
	}
	writeJSON(w, http.StatusOK, out)
}

var jobsStreamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// publicJobsStream upgrades to a websocket and streams every JobEvent the
// orchestrator's poll loop publishes, mirroring the teacher's per-board
// live-update socket but over the single global job feed.
func (s *Server) publicJobsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := jobsStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.register(conn)

	go func() {
		defer s.hub.unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) publicPricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pricing)
}

// publicStorageGet reads a non-worker-private value; callers can never
// address the "@worker" sentinel account through this endpoint.
func (s *Server) publicStorageGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID, accountID, key := q.Get("project_id"), q.Get("account_id"), q.Get("key")
	if projectID == "" || accountID == "" || key == "" {
		writeError(w, models.NewError(models.KindValidation, "project_id, account_id, and key are required", nil))
		return
	}
	if accountID == models.WorkerAccountSentinel {
		writeError(w, models.ErrForbidden)
		return
	}
	value, found, err := s.storage.Get(r.Context(), projectID, accountID, key)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, models.ErrNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(value)
}

func (s *Server) publicVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.buildVersion})
}

func (s *Server) publicLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.resourceLimits)
}

// getAttestation returns the audit trail of TDX quotes a worker claimed for
// a job; the coordinator never verifies these itself (spec §4.3), it only
// retains what was asserted.
func (s *Server) getAttestation(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(mux.Vars(r)["job_id"], 10, 64)
	if err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed job_id", err))
		return
	}
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT worker_id, tdx_quote_hex, measurement_hash, verified_at
		FROM attestation_records WHERE job_id = $1
	`, jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rows.Close()

	var out []models.AttestationRecord
	for rows.Next() {
		var a models.AttestationRecord
		a.JobID = jobID
		if err := rows.Scan(&a.WorkerID, &a.TDXQuoteHex, &a.MeasurementHash, &a.VerifiedAt); err != nil {
			writeError(w, err)
			return
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		writeError(w, models.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
