package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/imalyk/go-image-processor/internal/jobs"
	"github.com/imalyk/go-image-processor/internal/recovery"
	"github.com/imalyk/go-image-processor/internal/store"
	"github.com/imalyk/go-image-processor/worker"
	"github.com/imalyk/go-image-processor/pkg/job"
)

const maxBodyBytes = 1 << 20

type server struct {
	// ctx ends when the server shuts down.
	ctx           context.Context
	jobs          *jobs.Service
	dispatcher    *worker.Dispatcher
	sweeper       *recovery.Sweeper
	internalToken string
	logger        *slog.Logger
}

func newServer(ctx context.Context, a *app) *server {
	return &server{
		ctx:           ctx,
		jobs:          a.jobs,
		dispatcher:    a.dispatcher,
		sweeper:       a.sweeper,
		internalToken: a.cfg.InternalToken,
		logger:        a.logger.With("component", "http"),
	}
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.requireOwner)
	api.HandleFunc("/jobs", s.submitJobs).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs", s.deleteJobs).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/retry", s.retryJobs).Methods(http.MethodPost)
	api.HandleFunc("/jobs/recover", s.recoverJobs).Methods(http.MethodPost)
	api.HandleFunc("/jobs/recover", s.stuckJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.patchJob).Methods(http.MethodPatch)
	api.HandleFunc("/worker/run", s.runWorker).Methods(http.MethodPost)
	return r
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) submitJobs(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, job.Invalid("read body: %v", err))
		return
	}
	body = bytes.TrimSpace(body)

	var reqs []jobs.SubmitRequest
	single := len(body) == 0 || body[0] != '['
	if single {
		var req jobs.SubmitRequest
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, job.Invalid("decode body: %v", err))
			return
		}
		reqs = []jobs.SubmitRequest{req}
	} else if err := json.Unmarshal(body, &reqs); err != nil {
		s.writeError(w, job.Invalid("decode body: %v", err))
		return
	}

	created, err := s.jobs.Submit(r.Context(), ownerFrom(r.Context()), reqs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if single {
		writeJSON(w, http.StatusCreated, created[0])
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"jobs": created})
}

func (s *server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Status: job.Status(strings.ToUpper(q.Get("status"))),
		Type:   job.Type(strings.ToUpper(q.Get("type"))),
		Limit:  atoiOr(q.Get("limit"), 0),
		Offset: atoiOr(q.Get("offset"), 0),
	}
	if ids := q.Get("ids"); ids != "" {
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				f.IDs = append(f.IDs, id)
			}
		}
	}
	res, err := s.jobs.List(r.Context(), ownerFrom(r.Context()), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), ownerFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *server) patchJob(w http.ResponseWriter, r *http.Request) {
	var p job.Patch
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, err)
		return
	}
	j, err := s.jobs.Patch(r.Context(), ownerFrom(r.Context()), mux.Vars(r)["id"], p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type idsRequest struct {
	JobIDs    []string `json:"jobIds"`
	DeleteAll bool     `json:"deleteAll,omitempty"`
}

func (s *server) deleteJobs(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	owner := ownerFrom(r.Context())
	var (
		n   int
		err error
	)
	if req.DeleteAll {
		n, err = s.jobs.DeleteAll(r.Context(), owner)
	} else {
		n, err = s.jobs.Delete(r.Context(), owner, req.JobIDs)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *server) retryJobs(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	clones, err := s.jobs.Retry(r.Context(), ownerFrom(r.Context()), req.JobIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"jobs": clones})
}

func (s *server) recoverJobs(w http.ResponseWriter, r *http.Request) {
	report, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) stuckJobs(w http.ResponseWriter, r *http.Request) {
	all, err := s.sweeper.Stuck(r.Context(), time.Now().UTC())
	if err != nil {
		s.writeError(w, err)
		return
	}
	owner := ownerFrom(r.Context())
	stuck := []recovery.StuckJob{}
	for _, j := range all {
		if j.OwnerID == owner {
			stuck = append(stuck, j)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": stuck, "count": len(stuck)})
}

func (s *server) runWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Batch bool `json:"batch"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	// Claimed jobs are finalized even if the client goes away; only shutdown
	// stops the drain, and the next recovery sweep picks up what it left.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	sum, err := s.dispatcher.Drain(ctx, worker.DrainOptions{All: req.Batch})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("manual drain finished", "batch", req.Batch, "claimed", sum.Claimed, "failed", sum.Failed)
	writeJSON(w, http.StatusOK, sum)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return job.Invalid("decode body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, job.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, job.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, job.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, job.ErrTerminal), errors.Is(err, job.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
		s.logger.Info("request cancelled", "error", err)
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func atoiOr(value string, fallback int) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
