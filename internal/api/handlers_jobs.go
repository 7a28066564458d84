package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wallet-cluster-engine/internal/job"
	"github.com/wallet-cluster-engine/internal/models"
	"github.com/wallet-cluster-engine/internal/types"
)

// SubmitJobRequest is the body of POST /api/clusters/jobs
type SubmitJobRequest struct {
	WalletAddresses []string    `json:"wallet_addresses"`
	Depth           types.Depth `json:"depth"`
	IncludeRisk     bool        `json:"include_risk"`
}

// SubmitJobResponse acknowledges a submission
type SubmitJobResponse struct {
	JobID            string          `json:"job_id"`
	Status           types.JobStatus `json:"status"`
	TotalAddresses   int             `json:"total_addresses"`
	ValidAddresses   []string        `json:"valid_addresses"`
	InvalidAddresses []string        `json:"invalid_addresses"`
	CreatedAt        time.Time       `json:"created_at"`
}

// JobStatusResponse is a job's current state
type JobStatusResponse struct {
	JobID             string             `json:"job_id"`
	Status            types.JobStatus    `json:"status"`
	Progress          int                `json:"progress"`
	Total             int                `json:"total"`
	Processed         int                `json:"processed"`
	Depth             types.Depth        `json:"depth"`
	IncludeRisk       bool               `json:"include_risk"`
	InvalidAddresses  []string           `json:"invalid_addresses"`
	ExcludedAddresses map[string]string  `json:"excluded_addresses,omitempty"`
	Error             *string            `json:"error,omitempty"`
	Results           *models.JobResults `json:"results,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

func newJobStatusResponse(j *models.BatchJob) JobStatusResponse {
	return JobStatusResponse{
		JobID:             j.JobID,
		Status:            j.Status,
		Progress:          j.Progress,
		Total:             j.Total,
		Processed:         j.Processed,
		Depth:             j.Depth,
		IncludeRisk:       j.IncludeRisk,
		InvalidAddresses:  j.InvalidAddresses,
		ExcludedAddresses: j.ExcludedAddresses,
		Error:             j.Error,
		Results:           j.Results,
		CreatedAt:         j.CreatedAt,
		StartedAt:         j.StartedAt,
		CompletedAt:       j.CompletedAt,
	}
}

// handleSubmitJob accepts a batch. A new job answers 202; an identical
// in-flight submission answers 200 with the existing job.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	j, created, err := s.jobs.Submit(r.Context(), job.SubmitRequest{
		Addresses:   req.WalletAddresses,
		Depth:       req.Depth,
		IncludeRisk: req.IncludeRisk,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	respondJSON(w, status, SubmitJobResponse{
		JobID:            j.JobID,
		Status:           j.Status,
		TotalAddresses:   len(j.ValidAddresses) + len(j.InvalidAddresses),
		ValidAddresses:   j.ValidAddresses,
		InvalidAddresses: j.InvalidAddresses,
		CreatedAt:        j.CreatedAt,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newJobStatusResponse(j))
}

// handleCancelJob requests cancellation. The job winds down asynchronously,
// so a job that is not yet terminal answers 202.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if j.Status.IsTerminal() {
		status = http.StatusOK
	}
	respondJSON(w, status, newJobStatusResponse(j))
}
