package supervisor

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"function_runtime/metrics"
	"function_runtime/utils"
)

// PoolStatus is the body of GET /pool
type PoolStatus struct {
	Size       int               `json:"size"`
	Workers    []Worker          `json:"workers"`
	Executions []ExecutionRecord `json:"executions"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Workers int    `json:"workers"`
}

// Routes returns the admin router: pool state, health and metrics of the
// supervisor process
func (s *Supervisor) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/pool", s.handlePool)
	r.Handle("/metrics", metrics.Handler())
	return r
}

func (s *Supervisor) handleHealth(w http.ResponseWriter, r *http.Request) {
	size := s.Size()
	status, code := "UP", http.StatusOK
	if size == 0 {
		status, code = "DOWN", http.StatusServiceUnavailable
	}
	utils.RespondWithJSON(w, code, healthResponse{Status: status, Workers: size})
}

func (s *Supervisor) handlePool(w http.ResponseWriter, r *http.Request) {
	workers := s.Workers()
	utils.RespondWithJSON(w, http.StatusOK, PoolStatus{
		Size:       len(workers),
		Workers:    workers,
		Executions: s.table.Snapshot(),
	})
}
