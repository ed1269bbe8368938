package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/nugget/loopgate/internal/usage"
)

// defaultUsageWindow is the look-back used when no "since" is given.
const defaultUsageWindow = 24 * time.Hour

// UsageReport is the body of GET /v1/usage.
type UsageReport struct {
	Start         time.Time                 `json:"start"`
	End           time.Time                 `json:"end"`
	Total         *usage.Summary            `json:"total"`
	ByModel       map[string]*usage.Summary `json:"by_model"`
	ByTermination map[string]*usage.Summary `json:"by_termination"`
}

// ArchiveResponse is the body of GET /v1/archive/{key}.
type ArchiveResponse struct {
	Key      string        `json:"key"`
	Messages []ChatMessage `json:"messages"`
}

// handleUsage aggregates the run log. The window is set with "since",
// a Go duration such as "1h" or "168h".
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errTypeServer, "usage store not configured")
		return
	}

	window := defaultUsageWindow
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, errTypeInvalidRequest, "since must be a positive duration like 24h")
			return
		}
		window = d
	}

	end := time.Now().UTC()
	start := end.Add(-window)
	ctx := r.Context()

	total, err := s.usage.Summary(ctx, start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}
	byModel, err := s.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}
	byTermination, err := s.usage.SummaryByTermination(ctx, start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, UsageReport{
		Start:         start,
		End:           end,
		Total:         total,
		ByModel:       byModel,
		ByTermination: byTermination,
	}, s.logger)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errTypeServer, "usage store not configured")
		return
	}

	key := r.PathValue("key")
	msgs, err := s.usage.GetArchive(r.Context(), key)
	if errors.Is(err, usage.ErrArchiveNotFound) {
		s.errorResponse(w, http.StatusNotFound, errTypeNotFound, "no archived history for "+key)
		return
	}
	if err != nil {
		s.usageError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, fromLLMMessage(m))
	}
	writeJSON(w, ArchiveResponse{Key: key, Messages: out}, s.logger)
}

func (s *Server) usageError(w http.ResponseWriter, err error) {
	s.logger.Error("usage query failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, errTypeServer, "usage query failed")
}
