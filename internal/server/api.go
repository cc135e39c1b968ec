// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/domain"
	"github.com/i-dream-of-ai/aegra/internal/usage"
)

type Backtests interface {
	Submit(ctx context.Context, spec domain.JobSpec) (string, error)
	Abort(ctx context.Context, jobId string) (*domain.Job, error)
	GetStatus(ctx context.Context, jobId string) (*domain.Job, error)
}

type UsageReporter interface {
	Summary(ctx context.Context, owner string, since time.Time) (*usage.Summary, error)
}

type CredentialStore interface {
	SetUserCredential(owner, providerName, key, secret string) error
	DeleteUserCredential(owner, providerName string) error
}

// CredentialCache forgets resolved credentials of an owner.
type CredentialCache interface {
	Invalidate(owner string)
}

type SubmitResponse struct {
	Id     string           `json:"id"`
	Status domain.JobStatus `json:"status"`
}

type CredentialRequest struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type Api struct {
	backtests   Backtests
	usage       UsageReporter
	credentials CredentialStore
	resolved    CredentialCache
}

func NewApi(backtests Backtests, usage UsageReporter, credentials CredentialStore, resolved CredentialCache) *Api {
	return &Api{backtests: backtests, usage: usage, credentials: credentials, resolved: resolved}
}

func (a *Api) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/backtests", a.Submit).Methods(http.MethodPost)
	api.HandleFunc("/backtests/{id}", a.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/backtests/{id}", a.Abort).Methods(http.MethodDelete)
	api.HandleFunc("/backtests/{id}/abort", a.Abort).Methods(http.MethodPost)
	api.HandleFunc("/usage/{owner}", a.Usage).Methods(http.MethodGet)
	api.HandleFunc("/credentials/{owner}/{provider}", a.SetCredential).Methods(http.MethodPut)
	api.HandleFunc("/credentials/{owner}/{provider}", a.DeleteCredential).Methods(http.MethodDelete)
}

func (a *Api) Submit(w http.ResponseWriter, r *http.Request) {
	var spec domain.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, &backtesterrors.ErrValidation{Field: "body", Message: err.Error()})
		return
	}
	jobId, err := a.backtests.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusCreated, SubmitResponse{Id: jobId, Status: domain.JobQueued})
}

func (a *Api) GetStatus(w http.ResponseWriter, r *http.Request) {
	job, err := a.backtests.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, job)
}

func (a *Api) Abort(w http.ResponseWriter, r *http.Request) {
	job, err := a.backtests.Abort(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, job)
}

// Usage summarises an owner's usage since the "since" query parameter, by default the
// start of the current month.
func (a *Api) Usage(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	since := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, &backtesterrors.ErrValidation{Field: "since", Value: raw, Message: "must be an RFC 3339 timestamp"})
			return
		}
		since = parsed
	}
	summary, err := a.usage.Summary(r.Context(), mux.Vars(r)["owner"], since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, summary)
}

func (a *Api) SetCredential(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &backtesterrors.ErrValidation{Field: "body", Message: err.Error()})
		return
	}
	if req.Key == "" {
		writeError(w, &backtesterrors.ErrValidation{Field: "key", Message: "is required"})
		return
	}
	if err := a.credentials.SetUserCredential(vars["owner"], vars["provider"], req.Key, req.Secret); err != nil {
		writeError(w, err)
		return
	}
	a.resolved.Invalidate(vars["owner"])
	w.WriteHeader(http.StatusNoContent)
}

func (a *Api) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.credentials.DeleteUserCredential(vars["owner"], vars["provider"]); err != nil {
		writeError(w, err)
		return
	}
	a.resolved.Invalidate(vars["owner"])
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, err error) {
	status := backtesterrors.HttpStatusFromError(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
	}
	writeJson(w, status, errorResponse{Error: err.Error(), Kind: string(backtesterrors.KindOf(err))})
}

func writeJson(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}
