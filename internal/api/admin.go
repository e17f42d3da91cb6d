package api

import (
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sharepilot/internal/credentials"
	"sharepilot/internal/job"
	"sharepilot/internal/observability"
	"sharepilot/internal/sweep"
	logx "sharepilot/pkg/logx"
)

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := job.Filter{Status: job.Status(q.Get("status")), Owner: q.Get("userId")}
	if f.Status != "" && !f.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_status", "status": string(f.Status)})
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		f.Limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": h.Jobs.List(f)})
}

func (h *handler) stuckJobs(w http.ResponseWriter, r *http.Request) {
	threshold := h.StuckThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_threshold")
			return
		}
		threshold = d
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threshold": threshold.String(),
		"jobs":      nonNil(h.Jobs.FindStuck(threshold, h.Now())),
	})
}

func (h *handler) requeueJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, ok := h.Jobs.Requeue(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job_not_found")
		return
	}
	h.Log.Ctx(r.Context()).Info("job requeued by operator",
		logx.String("job_id", id), logx.String("actor", actorOf(r, "")))
	writeJSON(w, http.StatusOK, map[string]any{"job": j})
}

type dashboardView struct {
	Threshold   string                  `json:"stuckThreshold"`
	Stuck       []*job.Job              `json:"stuckJobs"`
	Recent      []*job.Job              `json:"recentJobs"`
	Revoked     []credentials.Record    `json:"revokedCredentials"`
	Stats       job.Stats               `json:"stats"`
	Metrics     *observability.Snapshot `json:"metrics,omitempty"`
	LastSweep   *sweep.Report           `json:"lastSweep,omitempty"`
	BusDropped  uint64                  `json:"busDropped"`
	GeneratedAt time.Time               `json:"generatedAt"`
}

func (h *handler) dashboard(w http.ResponseWriter, _ *http.Request) {
	now := h.Now()
	v := dashboardView{
		Threshold:   h.StuckThreshold.String(),
		Stuck:       nonNil(h.Jobs.FindStuck(h.StuckThreshold, now)),
		Recent:      h.Jobs.List(job.Filter{Limit: recentLimit}),
		Revoked:     []credentials.Record{},
		Stats:       h.Jobs.Stats(),
		GeneratedAt: now,
	}
	if h.Credentials != nil {
		v.Revoked = h.Credentials.List(credentials.StatusRevoked)
	}
	if h.Metrics != nil {
		s := h.Metrics.Snapshot()
		v.Metrics = &s
	}
	if h.Sweeper != nil {
		if rep, runs := h.Sweeper.Last(); runs > 0 {
			v.LastSweep = &rep
		}
	}
	if h.Bus != nil {
		v.BusDropped = h.Bus.Dropped()
	}
	writeJSON(w, http.StatusOK, v)
}

type credentialRequest struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// readCredentialRequest accepts JSON or a urlencoded form.
func readCredentialRequest(r *http.Request) (credentialRequest, error) {
	var req credentialRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" {
		r.Body = http.MaxBytesReader(nil, r.Body, maxBody)
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.UserID = r.PostForm.Get("userId")
		if req.UserID == "" {
			req.UserID = r.PostForm.Get("user_id")
		}
		req.Reason = r.PostForm.Get("reason")
		req.Actor = r.PostForm.Get("actor")
	} else if err := decodeBody(r, &req); err != nil {
		return req, err
	}
	req.UserID = strings.TrimSpace(req.UserID)
	return req, nil
}

func actorOf(r *http.Request, fallback string) string {
	if a := strings.TrimSpace(r.Header.Get(HeaderAdminActor)); a != "" {
		return a
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return fallback
	}
	return defaultActor
}

func (h *handler) revokeCredential(w http.ResponseWriter, r *http.Request) {
	h.changeCredential(w, r, func(req credentialRequest, actor string) credentials.Record {
		return h.Credentials.Revoke(req.UserID, req.Reason, actor)
	})
}

func (h *handler) restoreCredential(w http.ResponseWriter, r *http.Request) {
	h.changeCredential(w, r, func(req credentialRequest, actor string) credentials.Record {
		return h.Credentials.Restore(req.UserID, actor)
	})
}

func (h *handler) changeCredential(w http.ResponseWriter, r *http.Request, apply func(credentialRequest, string) credentials.Record) {
	if h.Credentials == nil {
		writeError(w, http.StatusServiceUnavailable, "credentials_unavailable")
		return
	}
	req, err := readCredentialRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body", "reason": err.Error()})
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId_required")
		return
	}
	rec := apply(req, actorOf(r, req.Actor))
	writeJSON(w, http.StatusOK, map[string]any{"credential": rec})
}

func (h *handler) listCredentials(w http.ResponseWriter, r *http.Request) {
	if h.Credentials == nil {
		writeError(w, http.StatusServiceUnavailable, "credentials_unavailable")
		return
	}
	status := credentials.Status(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, map[string]any{"credentials": h.Credentials.List(status)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
