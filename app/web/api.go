package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	log "github.com/go-pkgz/lgr"

	"github.com/dkorolev/jobrelay/app/orchestrator"
	"github.com/dkorolev/jobrelay/app/persistence"
	"github.com/dkorolev/jobrelay/app/store"
)

// SubmitRequest is the body of POST /v1/jobs. Extra fields are carried as
// job parameters, matching the flat payload the callback gets back.
type SubmitRequest struct {
	ServiceName string         `json:"service_name"`
	Job         string         `json:"job,omitempty"`
	Callback    store.Callback `json:"redirect_location"`
}

// SubmitResponse is the 202 response for an accepted job
type SubmitResponse struct {
	MessageToken string `json:"message_token"`
}

// ListResponse is the response for GET /v1/jobs
type ListResponse struct {
	PendingJobs []string                  `json:"pending_jobs"`
	Store       map[string][]store.Record `json:"store"`
}

// PollRequest is the body of POST /v1/jobs/poll
type PollRequest struct {
	ServiceName  string `json:"service_name"`
	MessageToken string `json:"message_token"`
}

// PollResponse reports the poll outcome, the HTTP status carries the same
// information for callers that only look at codes
type PollResponse struct {
	MessageToken string `json:"message_token"`
	State        string `json:"state"`
}

// StatusResponse is the response for GET /v1/jobs/{service}/{token}
type StatusResponse struct {
	Status string        `json:"status"`
	Record *store.Record `json:"record,omitempty"`
}

// DeliveriesResponse is the response for GET /v1/deliveries/{token}
type DeliveriesResponse struct {
	MessageToken string                `json:"message_token"`
	Attempts     []persistence.Attempt `json:"attempts"`
}

// handleSubmit registers a job and returns its token with 202. The job runs
// in the background, completion is reported via the callback.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// re-parse the known fields from the same map
	var req SubmitRequest
	raw, err := json.Marshal(params)
	if err == nil {
		err = json.Unmarshal(raw, &req)
	}
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ServiceName == "" {
		s.writeJSONError(w, http.StatusBadRequest, "service_name required")
		return
	}

	job := req.Job
	if job == "" {
		job = s.defaultJob
	}

	token, err := s.relay.Register(r.Context(), req.ServiceName, job, params, req.Callback)
	if err != nil {
		log.Printf("[WARN] failed to register job for %s: %v", req.ServiceName, err)
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, SubmitResponse{MessageToken: token})
}

// handleList returns the queued tokens and the full store contents
func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	resp := ListResponse{
		PendingJobs: s.relay.ListPending(),
		Store:       s.relay.DumpStore(),
	}
	if resp.PendingJobs == nil {
		resp.PendingJobs = []string{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handlePoll performs a single poll/delivery step for the requested token.
// Delivered maps to 302, missing records to 404 and unfinished jobs to 202.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req PollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ServiceName == "" || req.MessageToken == "" {
		s.writeJSONError(w, http.StatusBadRequest, "service_name and message_token required")
		return
	}

	outcome, err := s.relay.PollOne(r.Context(), req.ServiceName, req.MessageToken)
	if err != nil {
		// delivery failures keep the record for the next attempt
		log.Printf("[WARN] poll failed for %s: %v", req.MessageToken, err)
	}

	resp := PollResponse{MessageToken: req.MessageToken}
	switch outcome {
	case orchestrator.OutcomeDelivered:
		resp.State = "delivered"
		s.writeJSON(w, http.StatusFound, resp)
	case orchestrator.OutcomeNotFound:
		resp.State = "not_found"
		s.writeJSON(w, http.StatusNotFound, resp)
	default:
		resp.State = "pending"
		s.writeJSON(w, http.StatusAccepted, resp)
	}
}

// handleStatus returns the status and record for a single job
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	service, token := r.PathValue("service"), r.PathValue("token")

	status, rec, err := s.relay.StatusQuery(service, token)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if status == store.StatusNotExist {
		s.writeJSON(w, http.StatusNotFound, StatusResponse{Status: status.String()})
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: status.String(), Record: &rec})
}

// handleDeliveries returns recorded delivery attempts for a token
func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSONError(w, http.StatusNotFound, "delivery history disabled")
		return
	}

	token := r.PathValue("token")
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	attempts, err := s.history.GetAttempts(token, limit)
	if err != nil {
		log.Printf("[WARN] failed to load delivery attempts for %s: %v", token, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load delivery attempts")
		return
	}
	if attempts == nil {
		attempts = []persistence.Attempt{}
	}
	s.writeJSON(w, http.StatusOK, DeliveriesResponse{MessageToken: token, Attempts: attempts})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
