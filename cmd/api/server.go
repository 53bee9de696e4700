package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"leadpool/auth"
	"leadpool/claim"
	"leadpool/lead"
	"leadpool/pool"
)

type ctxKey int

const (
	ctxKeyAgentID ctxKey = iota
	ctxKeyRole
)

type poolService interface {
	Create(ctx context.Context, params pool.CreateParams) (pool.BuyerRequest, error)
	List(ctx context.Context, filters pool.Filters) (pool.ListResult, error)
}

type claimArbiter interface {
	Claim(ctx context.Context, params claim.ClaimParams) (claim.Claim, error)
	Release(ctx context.Context, params claim.ReleaseParams) error
	Complete(ctx context.Context, params claim.CompleteParams) error
}

type contactGate interface {
	DisclosedContact(ctx context.Context, agentID, requestID string) (claim.Disclosure, error)
}

type leadService interface {
	ListForAgent(ctx context.Context, agentID string) ([]lead.Record, error)
	UpdateStatus(ctx context.Context, agentID, leadID string, status lead.Status) (lead.Record, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Agent, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// Server exposes the claim marketplace over HTTP. Handlers translate between
// the wire and the domain services; all decisions live in the services.
type Server struct {
	authService authService
	poolService poolService
	arbitrator  claimArbiter
	gate        contactGate
	leads       leadService
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/requests", s.withAuth(s.handleRequests, false))
	mux.HandleFunc("/api/requests/", s.withAuth(s.handleRequestDetail, false))
	mux.HandleFunc("/api/claims/", s.withAuth(s.handleClaimDetail, true))
	mux.HandleFunc("/api/leads", s.withAuth(s.handleLeads, true))
	mux.HandleFunc("/api/leads/", s.withAuth(s.handleLeadDetail, true))
	return mux
}

// withAuth resolves the bearer token into agent id and role. When required is
// false the handler also serves anonymous callers, which then see only
// masked data.
func (s *Server) withAuth(next http.HandlerFunc, required bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			if required {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			next(w, r)
			return
		}

		token := strings.TrimPrefix(header, "Bearer ")
		agentID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyAgentID, agentID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func callerAgentID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyAgentID).(string)
	return id
}

func callerRole(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

type agentResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	agent, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, agentResponse{
		ID:       agent.ID,
		Email:    agent.Email,
		FullName: agent.FullName,
		Role:     string(agent.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Token string        `json:"token"`
		Agent agentResponse `json:"agent"`
	}{
		Token: result.Token,
		Agent: agentResponse{
			ID:       result.Agent.ID,
			Email:    result.Agent.Email,
			FullName: result.Agent.FullName,
			Role:     string(result.Agent.Role),
		},
	})
}

type requestResponse struct {
	ID                string  `json:"id"`
	City              string  `json:"city"`
	PropertyType      string  `json:"propertyType"`
	MinPrice          int64   `json:"minPrice"`
	MaxPrice          int64   `json:"maxPrice"`
	MinBedrooms       *int    `json:"minBedrooms,omitempty"`
	MaxBedrooms       *int    `json:"maxBedrooms,omitempty"`
	Notes             *string `json:"notes,omitempty"`
	MaskedContact     string  `json:"maskedContact"`
	MultiAgentAllowed bool    `json:"multiAgentAllowed"`
	Status            string  `json:"status"`
	CreatedAt         string  `json:"createdAt"`
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListRequests(w, r)
	case http.MethodPost:
		s.handleCreateRequest(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := pool.Filters{
		City:         q.Get("city"),
		PropertyType: q.Get("propertyType"),
		MinPrice:     parseInt64(q.Get("minPrice")),
		MaxPrice:     parseInt64(q.Get("maxPrice")),
		MinBedrooms:  parseInt(q.Get("minBedrooms")),
		MaxBedrooms:  parseInt(q.Get("maxBedrooms")),
		Page:         parseInt(q.Get("page")),
		PageSize:     parseInt(q.Get("pageSize")),
		SortKey:      q.Get("sort"),
		SortOrder:    q.Get("order"),
	}

	result, err := s.poolService.List(r.Context(), filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list requests failed")
		return
	}

	items := make([]requestResponse, 0, len(result.Items))
	for _, it := range result.Items {
		items = append(items, requestResponse{
			ID:                it.ID,
			City:              it.City,
			PropertyType:      it.PropertyType,
			MinPrice:          it.MinPrice,
			MaxPrice:          it.MaxPrice,
			MinBedrooms:       it.MinBedrooms,
			MaxBedrooms:       it.MaxBedrooms,
			Notes:             it.Notes,
			MaskedContact:     it.MaskedContact,
			MultiAgentAllowed: it.MultiAgentAllowed,
			Status:            string(it.Status),
			CreatedAt:         it.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, struct {
		Items []requestResponse `json:"items"`
		Total int               `json:"total"`
	}{Items: items, Total: result.Total})
}

type createRequestBody struct {
	City              string       `json:"city"`
	PropertyType      string       `json:"propertyType"`
	MinPrice          int64        `json:"minPrice"`
	MaxPrice          int64        `json:"maxPrice"`
	MinBedrooms       *int         `json:"minBedrooms"`
	MaxBedrooms       *int         `json:"maxBedrooms"`
	Notes             *string      `json:"notes"`
	Contact           pool.Contact `json:"contact"`
	MultiAgentAllowed bool         `json:"multiAgentAllowed"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	agentID := callerAgentID(r)
	if agentID == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	role := callerRole(r)
	if role != auth.RoleIntake && role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "intake role required")
		return
	}

	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	req, err := s.poolService.Create(r.Context(), pool.CreateParams{
		CreatedByUserID:   agentID,
		City:              body.City,
		PropertyType:      body.PropertyType,
		MinPrice:          body.MinPrice,
		MaxPrice:          body.MaxPrice,
		MinBedrooms:       body.MinBedrooms,
		MaxBedrooms:       body.MaxBedrooms,
		Notes:             body.Notes,
		Contact:           body.Contact,
		MultiAgentAllowed: body.MultiAgentAllowed,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, requestResponse{
		ID:                req.ID,
		City:              req.City,
		PropertyType:      req.PropertyType,
		MinPrice:          req.MinPrice,
		MaxPrice:          req.MaxPrice,
		MinBedrooms:       req.MinBedrooms,
		MaxBedrooms:       req.MaxBedrooms,
		Notes:             req.Notes,
		MaskedContact:     req.MaskedContact,
		MultiAgentAllowed: req.MultiAgentAllowed,
		Status:            string(req.Status),
		CreatedAt:         req.CreatedAt.Format(time.RFC3339),
	})
}

type claimResponse struct {
	ID        string  `json:"id"`
	RequestID string  `json:"requestId"`
	AgentID   string  `json:"agentId"`
	Status    string  `json:"status"`
	Notes     *string `json:"notes,omitempty"`
	ExpiresAt string  `json:"expiresAt"`
}

type contactResponse struct {
	Masked string        `json:"masked"`
	Full   *pool.Contact `json:"full,omitempty"`
}

// handleRequestDetail serves /api/requests/{id}/contact and
// /api/requests/{id}/claims.
func (s *Server) handleRequestDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/requests/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	requestID := parts[0]

	switch parts[1] {
	case "contact":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		d, err := s.gate.DisclosedContact(r.Context(), callerAgentID(r), requestID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, contactResponse{Masked: d.Masked, Full: d.Full})

	case "claims":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		agentID := callerAgentID(r)
		if agentID == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		var body struct {
			Notes *string `json:"notes"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		c, err := s.arbitrator.Claim(r.Context(), claim.ClaimParams{
			AgentID:   agentID,
			RequestID: requestID,
			Notes:     body.Notes,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, claimResponse{
			ID:        c.ID,
			RequestID: c.RequestID,
			AgentID:   c.AgentID,
			Status:    string(c.Status),
			Notes:     c.Notes,
			ExpiresAt: c.ExpiresAt.Format(time.RFC3339),
		})

	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

// handleClaimDetail serves /api/claims/{id}/release and
// /api/claims/{id}/complete.
func (s *Server) handleClaimDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/claims/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	claimID, action := parts[0], parts[1]
	agentID := callerAgentID(r)

	var err error
	switch action {
	case "release":
		err = s.arbitrator.Release(r.Context(), claim.ReleaseParams{AgentID: agentID, ClaimID: claimID})
	case "complete":
		err = s.arbitrator.Complete(r.Context(), claim.CompleteParams{AgentID: agentID, ClaimID: claimID})
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type leadResponse struct {
	ID        string `json:"id"`
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Source    string `json:"source"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handleLeads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	records, err := s.leads.ListForAgent(r.Context(), callerAgentID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list leads failed")
		return
	}

	items := make([]leadResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, leadResponse{
			ID:        rec.ID,
			RequestID: rec.RequestID,
			Status:    string(rec.Status),
			Source:    rec.Source,
			CreatedAt: rec.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Items []leadResponse `json:"items"`
	}{Items: items})
}

func (s *Server) handleLeadDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	leadID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/leads/"), "/")
	if leadID == "" || strings.Contains(leadID, "/") {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := s.leads.UpdateStatus(r.Context(), callerAgentID(r), leadID, lead.Status(body.Status))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leadResponse{
		ID:        rec.ID,
		RequestID: rec.RequestID,
		Status:    string(rec.Status),
		Source:    rec.Source,
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
	})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrNotFound),
		errors.Is(err, claim.ErrClaimNotFound),
		errors.Is(err, lead.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, claim.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, claim.ErrTooManyActiveClaims),
		errors.Is(err, claim.ErrRequestCoolingDown):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, claim.ErrConcurrency):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case claim.Terminal(err),
		errors.Is(err, claim.ErrClaimNotActive),
		errors.Is(err, pool.ErrStatusConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lead.ErrBadStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
