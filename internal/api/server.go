// Package api exposes the consensus engine over HTTP. Handlers are thin:
// decode, delegate, map the error taxonomy to a status code.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/clearstake/attest-engine/internal/consensus"
	"github.com/clearstake/attest-engine/internal/model"
	"github.com/clearstake/attest-engine/internal/monitoring"
	"github.com/clearstake/attest-engine/internal/policy"
	"github.com/clearstake/attest-engine/internal/registry"
)

// principalHeader identifies the already-authenticated caller. Authentication
// happens upstream of this service.
const principalHeader = "X-Principal"

// Server wires the engine's subsystems into an HTTP handler.
type Server struct {
	coordinator *consensus.Coordinator
	registry    registry.Registry
	policies    policy.Store
	metrics     *monitoring.Collector
}

// NewServer creates the API server. metrics may be nil.
func NewServer(coord *consensus.Coordinator, reg registry.Registry, policies policy.Store, metrics *monitoring.Collector) *Server {
	return &Server{
		coordinator: coord,
		registry:    reg,
		policies:    policies,
		metrics:     metrics,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", principalHeader},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/metrics", s.handleMetrics)

		v1.Route("/attestors", func(ar chi.Router) {
			ar.Post("/", s.handleRegisterAttestor)
			ar.Get("/", s.handleListAttestors)
			ar.Get("/{id}", s.handleGetAttestor)
			ar.Delete("/{id}", s.handleDeactivateAttestor)
		})

		v1.Route("/policies", func(pr chi.Router) {
			pr.Get("/", s.handleListPolicies)
			pr.Put("/{assetType}", s.handleSetPolicy)
			pr.Get("/{assetType}", s.handleGetPolicy)
		})

		v1.Route("/requests", func(rr chi.Router) {
			rr.Post("/", s.handleSubmit)
			rr.Get("/", s.handleListRequests)
			rr.Get("/{id}", s.handleGetRequest)
			rr.Get("/{id}/outcome", s.handleGetOutcome)
			rr.Post("/{id}/attestations", s.handleAttest)
			rr.Post("/{id}/approve", s.handleManualApprove)
			rr.Post("/{id}/reject", s.handleManualReject)
			rr.Post("/{id}/expire", s.handleExpire)
		})
	})

	return r
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotFound, "metrics not configured")
		return
	}
	snap, err := s.metrics.Collect(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type registerAttestorRequest struct {
	OrganizationName string            `json:"organization_name"`
	Region           string            `json:"region"`
	Specialties      []model.AssetType `json:"specialties,omitempty"`
	StakeAmount      int64             `json:"stake_amount"`
}

func (s *Server) handleRegisterAttestor(w http.ResponseWriter, r *http.Request) {
	var req registerAttestorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.registry.Register(r.Context(), principal(r), registry.Candidate{
		OrganizationName: req.OrganizationName,
		Region:           req.Region,
		Specialties:      req.Specialties,
	}, req.StakeAmount)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	a, err := s.registry.Get(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAttestors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"attestors": s.registry.List()})
}

func (s *Server) handleGetAttestor(w http.ResponseWriter, r *http.Request) {
	a, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeactivateAttestor(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deactivate(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policies": s.policies.ListPolicies()})
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var p model.AssetTypePolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p.AssetType = model.AssetType(chi.URLParam(r, "assetType"))

	if err := s.policies.SetPolicy(r.Context(), principal(r), p); err != nil {
		writeEngineError(w, err)
		return
	}

	stored, err := s.policies.GetPolicy(p.AssetType)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.GetPolicy(model.AssetType(chi.URLParam(r, "assetType")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var params consensus.SubmitParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := s.coordinator.Submit(r.Context(), params)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	status := model.RequestStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, map[string]any{"requests": s.coordinator.List(status)})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.coordinator.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	out, err := s.coordinator.GetOutcome(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type attestRequest struct {
	AttestorID     string               `json:"attestor_id"`
	ScoreBps       int                  `json:"score_bps"`
	Recommendation model.Recommendation `json:"recommendation"`
	Comments       string               `json:"comments,omitempty"`
}

func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	var req attestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := s.coordinator.Attest(r.Context(), chi.URLParam(r, "id"),
		req.AttestorID, req.ScoreBps, req.Recommendation, req.Comments)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleManualApprove(w http.ResponseWriter, r *http.Request) {
	req, err := s.coordinator.ManualApprove(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleManualReject(w http.ResponseWriter, r *http.Request) {
	req, err := s.coordinator.ManualReject(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	expired, err := s.coordinator.Expire(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"expired": expired})
}

func principal(r *http.Request) string {
	return r.Header.Get(principalHeader)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps the error taxonomy to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	category := model.Categorize(err)

	var status int
	switch category {
	case model.CategoryValidation:
		status = http.StatusBadRequest
	case model.CategoryStateConflict:
		status = http.StatusConflict
	case model.CategoryTemporal:
		status = http.StatusGone
	case model.CategoryNotFound:
		status = http.StatusNotFound
	case model.CategoryForbidden:
		status = http.StatusForbidden
	default:
		status = http.StatusInternalServerError
		zap.L().Error("request failed", zap.Error(err))
	}

	writeJSON(w, status, map[string]string{
		"error":    err.Error(),
		"category": string(category),
	})
}
