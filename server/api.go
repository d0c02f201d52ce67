package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/linyinli/llama-box/db"
	"github.com/linyinli/llama-box/metrics"
	"github.com/linyinli/llama-box/sdruntime"
)

// List endpoint bounds for ?limit= and ?recent=.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string              `json:"status"`
	Version    string              `json:"version"`
	Model      string              `json:"model"`
	Backend    string              `json:"backend"`
	Pool       PoolStatus          `json:"pool"`
	InFlight   int64               `json:"in_flight"`
	Uptime     string              `json:"uptime"`
	UptimeSecs float64             `json:"uptime_secs"`
	GPU        *metrics.GPUMetrics `json:"gpu,omitempty"`
}

// PoolStatus reports context pool occupancy.
type PoolStatus struct {
	MaxSize int `json:"max_size"`
	Created int `json:"created"`
}

// HistoryResponse is the body of GET /v1/images/history.
type HistoryResponse struct {
	Object string                `json:"object"`
	Data   []db.GenerationRecord `json:"data"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.started)
	resp := HealthResponse{
		Status:     "ok",
		Version:    s.config.Version,
		Model:      s.modelID(),
		Backend:    sdruntime.BackendName,
		Pool:       PoolStatus{MaxSize: s.generator.MaxSize(), Created: s.generator.Created()},
		InFlight:   s.metrics.InFlight(),
		Uptime:     uptime.Round(time.Second).String(),
		UptimeSecs: uptime.Seconds(),
		GPU:        s.metrics.Snapshot(0).GPU,
	}

	status := http.StatusOK
	if s.ops.IsShuttingDown() {
		resp.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, openai.ModelsList{
		Models: []openai.Model{{
			ID:        s.modelID(),
			Object:    "model",
			OwnedBy:   "llama-box",
			CreatedAt: s.started.Unix(),
		}},
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, errTypeInvalidRequest, "generation history is disabled")
		return
	}
	limit, err := queryLimit(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return
	}
	records, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list generation history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errTypeServer, "failed to read history")
		return
	}
	if records == nil {
		records = []db.GenerationRecord{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Object: "list", Data: records})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	recent, err := queryLimit(r, "recent")
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot(recent))
}

// queryLimit parses a positive integer query parameter, defaulting to
// DefaultListLimit and capped at MaxListLimit.
func queryLimit(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return DefaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, &queryError{name: name, value: v}
	}
	return min(n, MaxListLimit), nil
}

type queryError struct {
	name, value string
}

func (e *queryError) Error() string {
	return e.name + " must be a positive integer, got " + strconv.Quote(e.value)
}
