package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/wallet-cluster-engine/internal/errors"
	"github.com/wallet-cluster-engine/internal/service"
	"github.com/wallet-cluster-engine/internal/types"
)

// IngestRequest is the body of POST /api/wallets/{address}/transactions
type IngestRequest struct {
	Transactions []types.TransactionRecord `json:"transactions"`
}

// handleLookup returns a wallet's cluster and risk, from cache when fresh.
// Query parameters: depth (shallow|medium|deep), refresh (bool).
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	input := service.LookupInput{
		Address: mux.Vars(r)["address"],
		Depth:   types.Depth(r.URL.Query().Get("depth")),
	}
	if raw := r.URL.Query().Get("refresh"); raw != "" {
		refresh, err := strconv.ParseBool(raw)
		if err != nil {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("refresh", "must be a boolean"))
			return
		}
		input.Refresh = refresh
	}

	result, err := s.wallets.Lookup(r.Context(), input)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleIngest appends transactions for a wallet
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	result, err := s.wallets.Ingest(r.Context(), mux.Vars(r)["address"], req.Transactions)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
