package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-usage/internal/orchestrator"
	"github.com/kubilitics/kubilitics-usage/internal/synthetic"
	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Error codes returned alongside the orchestrator's failure codes.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeInvalidValue   = "invalid_value"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeInternal       = "internal_error"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, types.ErrorResponse{Code: code, Message: message})
}

// writeOpError maps an orchestrator failure to a response. Validation
// rejections from the backends are client errors; everything else means no
// backend could serve the request.
func writeOpError(w http.ResponseWriter, err error) {
	if errors.Is(err, synthetic.ErrUnknownModel) || errors.Is(err, synthetic.ErrInvalidValue) ||
		errors.Is(err, orchestrator.ErrRejected) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidValue, err.Error())
		return
	}
	writeError(w, http.StatusServiceUnavailable, orchestrator.ErrorCode(err), err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// handleGetDashboard returns the current snapshot, refreshing it when the
// cache has expired.
func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.Refresh(r.Context(), false)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleRefreshDashboard bypasses the cache. ?synthetic=true asks the
// synthetic backend for fresh data regardless of the live backend.
func (s *Server) handleRefreshDashboard(w http.ResponseWriter, r *http.Request) {
	forceSynthetic := false
	if v := r.URL.Query().Get("synthetic"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "synthetic must be a boolean")
			return
		}
		forceSynthetic = b
	}

	if !forceSynthetic {
		s.orch.Invalidate()
	}
	snap, err := s.orch.Refresh(r.Context(), forceSynthetic)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleStatus reports the connection status, a readable summary and
// orchestrator counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Status()
	stats := s.orch.GetStats()
	stats["event_clients"] = s.hub.ClientCount()

	writeJSON(w, http.StatusOK, types.ConnectionStatusResponse{
		LiveConnected:  st.LiveConnected,
		UsingSynthetic: st.UsingSynthetic,
		IsLoading:      s.orch.IsLoading(),
		Summary:        orchestrator.Summarize(st, s.orch.Snapshot(), time.Now()),
		Stats:          stats,
	})
}

// handleListHistory lists persisted snapshots, newest first.
// ?limit bounds the page, ?offset skips entries and ?full=true includes
// the snapshots themselves.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "snapshot history is not enabled")
		return
	}

	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), s.config.HistoryLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a positive integer")
		return
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "offset must be a non-negative integer")
		return
	}
	full, _ := strconv.ParseBool(q.Get("full"))

	records, err := s.history.ListSnapshots(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("failed to list snapshot history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list snapshot history")
		return
	}

	items := make([]types.HistoryEntry, 0, len(records))
	for _, rec := range records {
		entry := types.HistoryEntry{
			ID:          rec.ID,
			Source:      rec.Source,
			Fingerprint: rec.Fingerprint,
			RecordedAt:  rec.RecordedAt,
		}
		if full {
			snap, err := types.DecodeSnapshot([]byte(rec.Payload))
			if err != nil {
				s.logger.Warn("skipping undecodable history entry", zap.Int64("id", rec.ID), zap.Error(err))
				continue
			}
			entry.Snapshot = snap
		}
		items = append(items, entry)
	}
	writeJSON(w, http.StatusOK, types.HistoryResponse{Items: items, Total: len(items)})
}

// handleGetHistory returns one persisted snapshot.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "snapshot history is not enabled")
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid id")
		return
	}

	rec, err := s.history.GetSnapshot(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load snapshot", zap.Int64("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to load snapshot")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("snapshot %d not found", id))
		return
	}
	snap, err := types.DecodeSnapshot([]byte(rec.Payload))
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "stored snapshot is unreadable")
		return
	}
	writeJSON(w, http.StatusOK, types.HistoryEntry{
		ID:          rec.ID,
		Source:      rec.Source,
		Fingerprint: rec.Fingerprint,
		RecordedAt:  rec.RecordedAt,
		Snapshot:    snap,
	})
}

func (s *Server) handleUpdateSelectedModel(w http.ResponseWriter, r *http.Request) {
	var req types.UpdateSelectedModelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ModelID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "modelId is required")
		return
	}
	ok, err := s.orch.UpdateSelectedModel(r.Context(), req.ModelID)
	s.writeMutation(w, ok, err)
}

func (s *Server) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req types.UpdateSettingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch req.Value.(type) {
	case bool, string, float64:
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidValue, "value must be a boolean, string or number")
		return
	}
	ok, err := s.orch.UpdateSetting(r.Context(), key, req.Value)
	s.writeMutation(w, ok, err)
}

func (s *Server) handleUpdateTokenBudget(w http.ResponseWriter, r *http.Request) {
	category := mux.Vars(r)["category"]
	var req types.UpdateTokenBudgetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Value < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidValue, "value must not be negative")
		return
	}
	ok, err := s.orch.UpdateTokenBudget(r.Context(), category, req.Value)
	s.writeMutation(w, ok, err)
}

func (s *Server) writeMutation(w http.ResponseWriter, ok bool, err error) {
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.MutationResponse{Success: ok})
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
