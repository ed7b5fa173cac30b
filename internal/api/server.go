package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"driving-school-jobs/internal/auth"
	"driving-school-jobs/internal/jobs"
	"driving-school-jobs/internal/logger"
	"driving-school-jobs/internal/models"
	"driving-school-jobs/internal/ratelimit"
	"driving-school-jobs/internal/realtime"
	"driving-school-jobs/internal/store"
	"driving-school-jobs/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Limiter throttles submissions per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the job API, the worker callbacks and the realtime gateway.
type Server struct {
	jobs      *jobs.Service
	authn     *auth.Authenticator
	sessions  *auth.SessionManager
	hub       *realtime.Hub
	limiter   Limiter
	callbacks []netip.Prefix
}

// New constructs the API server. extraCallbackCIDRs widen the callback allow-list
// beyond loopback and private ranges. limiter may be nil.
func New(svc *jobs.Service, authn *auth.Authenticator, sessions *auth.SessionManager, hub *realtime.Hub, limiter Limiter, extraCallbackCIDRs []string) (*Server, error) {
	prefixes := make([]netip.Prefix, 0, len(extraCallbackCIDRs))
	for _, cidr := range extraCallbackCIDRs {
		p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("callback allow-list %q: %w", cidr, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return &Server{
		jobs:      svc,
		authn:     authn,
		sessions:  sessions,
		hub:       hub,
		limiter:   limiter,
		callbacks: prefixes,
	}, nil
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(logger.Requests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": s.hub.ConnectionCount()})
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/ws", s.hub.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireSession(s.authn))
		r.Post("/auth/logout", s.handleLogout)
		r.Get("/jobs", s.handleListAllJobs)
		r.Route("/schools/{schoolID}", func(r chi.Router) {
			r.Use(requireSchool)
			r.Post("/jobs", s.handleSubmit)
			r.Get("/jobs", s.handleListSchoolJobs)
			r.Get("/jobs/{jobID}", s.handleGetJob)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.callbackAllowList)
		r.Get("/jobs/{jobID}", s.handleInternalGetJob)
		r.Post("/schools/{schoolID}/progress", s.handleSchoolProgress)
		r.Post("/jobs/progress", s.handleGenericProgress)
		r.Post("/jobs/{jobID}/progress", s.handleEnvelopeProgress)
	})
	return r
}

type submitResponse struct {
	JobID         string `json:"jobId"`
	Message       string `json:"message"`
	EstimatedTime int    `json:"estimatedTime"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	schoolID := schoolFromContext(r.Context())

	var req models.SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), ratelimit.SchoolKey(schoolID))
		if err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("Rate limiter failed")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	sub, err := s.jobs.Submit(r.Context(), schoolID, p.UserID, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:         sub.Job.IDString(),
		Message:       "job accepted",
		EstimatedTime: sub.EstimatedSeconds,
	})
}

func (s *Server) handleListSchoolJobs(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	schoolID := schoolFromContext(r.Context())
	f.SchoolID = &schoolID
	if r.URL.Query().Get("mine") == "true" {
		uid := auth.PrincipalFromContext(r.Context()).UserID
		f.UserID = &uid
	}
	s.writePage(w, r, f)
}

func (s *Server) handleListAllJobs(w http.ResponseWriter, r *http.Request) {
	if !auth.PrincipalFromContext(r.Context()).IsAdmin() {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	f, err := filterFromQuery(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if raw := r.URL.Query().Get("schoolId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid schoolId")
			return
		}
		f.SchoolID = &id
	}
	s.writePage(w, r, f)
}

func (s *Server) writePage(w http.ResponseWriter, r *http.Request, f store.JobFilter) {
	page, err := s.jobs.List(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if job.SchoolID != schoolFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleInternalGetJob lets workers check a job's stored state without a session.
func (s *Server) handleInternalGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if err := s.sessions.Logout(r.Context(), p.Token); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSchoolProgress(w http.ResponseWriter, r *http.Request) {
	schoolID, err := parseID(chi.URLParam(r, "schoolID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid school id")
		return
	}
	var cb jobs.SchoolCallback
	if err := decodeBody(w, r, &cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := s.jobs.ApplySchoolCallback(r.Context(), schoolID, cb)
	s.writeProgressResult(w, r, job, err)
}

func (s *Server) handleGenericProgress(w http.ResponseWriter, r *http.Request) {
	var cb jobs.GenericCallback
	if err := decodeBody(w, r, &cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := s.jobs.ApplyGenericCallback(r.Context(), cb)
	s.writeProgressResult(w, r, job, err)
}

func (s *Server) handleEnvelopeProgress(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var env jobs.Envelope
	if err := decodeBody(w, r, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := s.jobs.ApplyProgress(r.Context(), id, env, jobs.ShapeEnvelope)
	s.writeProgressResult(w, r, job, err)
}

func (s *Server) writeProgressResult(w http.ResponseWriter, r *http.Request, job models.Job, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// callbackAllowList admits loopback, private and configured source addresses only.
// It looks at the socket peer, never at forwarding headers.
func (s *Server) callbackAllowList(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.callbackAllowed(r.RemoteAddr) {
			zerolog.Ctx(r.Context()).Warn().Str("remote", r.RemoteAddr).Msg("Rejected progress callback")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) callbackAllowed(remote string) bool {
	ap, err := netip.ParseAddrPort(remote)
	var addr netip.Addr
	if err == nil {
		addr = ap.Addr()
	} else if addr, err = netip.ParseAddr(remote); err != nil {
		return false
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() {
		return true
	}
	for _, p := range s.callbacks {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

type schoolKey struct{}

func schoolFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(schoolKey{}).(int64)
	return id
}

// requireSchool parses {schoolID} and checks the principal's tenant.
func requireSchool(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(chi.URLParam(r, "schoolID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid school id")
			return
		}
		if !auth.PrincipalFromContext(r.Context()).CanAccessSchool(id) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), schoolKey{}, id)))
	})
}

func filterFromQuery(r *http.Request) (store.JobFilter, error) {
	q := r.URL.Query()
	f := store.JobFilter{
		Status: models.JobStatus(strings.ToUpper(q.Get("status"))),
		Type:   models.JobType(strings.ToUpper(q.Get("type"))),
	}
	var problems []string
	if f.Status != "" && !f.Status.Valid() {
		problems = append(problems, fmt.Sprintf("unknown status %q", q.Get("status")))
	}
	if f.Type != "" && !f.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown type %q", q.Get("type")))
	}
	for name, dst := range map[string]*int{"page": &f.Page, "limit": &f.Limit} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			problems = append(problems, name+" must be a positive integer")
			continue
		}
		*dst = n
	}
	if len(problems) > 0 {
		return store.JobFilter{}, &models.ValidationError{Problems: problems}
	}
	return f, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, store.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrStaleProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrEnqueueFailed):
		writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": "error", "message": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
