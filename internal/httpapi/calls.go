package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/chainyield/coordinator/internal/ledger"
	"github.com/chainyield/coordinator/internal/models"
)

type callRequest struct {
	Input          string                `json:"input"` // base64
	ResourceLimits models.ResourceLimits `json:"resource_limits"`
	Async          bool                  `json:"async"`
}

type callResponse struct {
	CallID  int64  `json:"call_id"`
	State   string `json:"state"`
	Success *bool  `json:"success,omitempty"`
	Output  string `json:"output,omitempty"` // base64
	Error   string `json:"error,omitempty"`
}

// callProject is POST /call/:owner/:project (spec §6): a direct caller
// invocation funded by a payment key (or attached deposit), sharing the
// orchestrator's full compile/cache/execute machinery with chain-originated
// requests but never resuming a chain promise (models.OriginHTTP).
func (s *Server) callProject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	projectID := fmt.Sprintf("%s/%s", vars["owner"], vars["project"])

	var body callRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed request body", err))
		return
	}
	input, err := base64.StdEncoding.DecodeString(body.Input)
	if err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed input encoding", err))
		return
	}
	limits := body.ResourceLimits
	if limits.MaxInstructions == 0 {
		limits.MaxInstructions = uint64(s.resourceLimits.MaxInstructions)
	}
	if limits.MaxMemoryMiB == 0 {
		limits.MaxMemoryMiB = s.resourceLimits.MaxMemoryMiB
	}
	if limits.MaxWallSeconds == 0 {
		limits.MaxWallSeconds = s.resourceLimits.MaxWallSeconds
	}

	attachedDeposit := parseInt64Header(r, "X-Attached-Deposit")
	thisCallMax := parseInt64Header(r, "X-Compute-Limit")
	if thisCallMax == 0 {
		thisCallMax = s.ledger.DepositCost(models.ResourceUsage{
			Instructions: limits.MaxInstructions,
			MemoryBytes:  uint64(limits.MaxMemoryMiB) * 1024 * 1024,
			TimeMillis:   uint64(limits.MaxWallSeconds) * 1000,
		})
	}

	var paymentKeyHash string
	if hdr := r.Header.Get("X-Payment-Key"); hdr != "" {
		_, _, keyHash, err := ledger.ParsePaymentKeyHeader(hdr)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.ledger.Reserve(r.Context(), keyHash, projectID, thisCallMax, attachedDeposit); err != nil {
			writeReserveError(w, err)
			return
		}
		paymentKeyHash = keyHash
	} else if attachedDeposit <= 0 {
		writeError(w, models.NewError(models.KindBudget, "call requires X-Payment-Key or X-Attached-Deposit", nil))
		return
	}

	requestID, err := s.nextHTTPRequestID(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	req := models.ExecutionRequest{
		RequestID: requestID,
		Sender:    vars["owner"],
		Origin:    models.OriginHTTP,
		CodeRef: models.CodeRef{
			Kind:      models.CodeRefProject,
			ProjectID: projectID,
		},
		ResourceLimits:     limits,
		Input:              input,
		AttachedDepositUSD: attachedDeposit,
		PaymentKeyHash:     paymentKeyHash,
		ReservedUSD:        thisCallMax,
	}
	if err := s.orch.IngestRequest(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	s.Publish(requestID, string(models.StateReceived))

	if body.Async {
		writeJSON(w, http.StatusAccepted, callResponse{CallID: requestID, State: string(models.StateReceived)})
		return
	}

	resp := s.blockUntilTerminal(r.Context(), requestID)
	writeJSON(w, http.StatusOK, resp)
}

// getCall is GET /calls/:call_id, the poll endpoint for async calls.
func (s *Server) getCall(w http.ResponseWriter, r *http.Request) {
	callID, err := strconv.ParseInt(mux.Vars(r)["call_id"], 10, 64)
	if err != nil {
		writeError(w, models.NewError(models.KindValidation, "malformed call_id", err))
		return
	}
	req, err := s.orch.GetRequest(r.Context(), callID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponseFromRequest(req))
}

// blockUntilTerminal polls the request row until it reaches a terminal state
// or the server's sync poll budget elapses, at which point the caller falls
// back to polling GET /calls/:call_id themselves.
func (s *Server) blockUntilTerminal(ctx context.Context, requestID int64) callResponse {
	deadline := time.Now().Add(s.syncPollBudget)
	for {
		req, err := s.orch.GetRequest(ctx, requestID)
		if err == nil && req.State.Terminal() {
			return callResponseFromRequest(req)
		}
		if time.Now().After(deadline) {
			return callResponse{CallID: requestID, State: string(models.StateReceived)}
		}
		select {
		case <-ctx.Done():
			return callResponse{CallID: requestID, State: "cancelled"}
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func callResponseFromRequest(req models.ExecutionRequest) callResponse {
	resp := callResponse{CallID: req.RequestID, State: string(req.State)}
	if req.State.Terminal() {
		success := req.PendingSuccess
		resp.Success = &success
		if success {
			resp.Output = base64.StdEncoding.EncodeToString(req.PendingOutput)
		} else {
			resp.Error = req.PendingErrorMessage
			if resp.Error == "" {
				resp.Error = req.LastError
			}
		}
	}
	return resp
}

func (s *Server) nextHTTPRequestID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT nextval('http_call_request_id_seq')`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("httpapi: allocate call id: %w", err)
	}
	return id, nil
}

func parseInt64Header(r *http.Request, name string) int64 {
	v, err := strconv.ParseInt(r.Header.Get(name), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// writeReserveError maps the grant-key-forbids-attached-deposit case to 403
// (spec §8 scenario 4) rather than the generic 402 other budget failures use.
func writeReserveError(w http.ResponseWriter, err error) {
	var ke *models.KindError
	if errors.As(err, &ke) && ke.Message == "grant keys forbid attached deposits" {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": ke.Message})
		return
	}
	writeError(w, err)
}
