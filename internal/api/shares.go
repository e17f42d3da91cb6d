package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"sharepilot/internal/eventbus"
	"sharepilot/internal/job"
	logx "sharepilot/pkg/logx"
)

type createShareRequest struct {
	UserID   string         `json:"userId"`
	Payload  job.Payload    `json:"payload"`
	Metadata map[string]any `json:"metadata"`
}

type createShareResponse struct {
	JobID         string     `json:"jobId"`
	CorrelationID string     `json:"correlationId"`
	Status        job.Status `json:"status"`
}

func (h *handler) createShare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createShareRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json", "reason": err.Error()})
		return
	}
	owner := strings.TrimSpace(req.UserID)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "userId_required")
		return
	}
	log := h.Log.Ctx(ctx).With(logx.String("owner", owner), logx.String("route", "create-share"))

	// Rejections that do not depend on quota are checked before consuming it.
	if err := req.Payload.Validate(); err != nil {
		var ve *job.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid_payload", "field": ve.Field, "reason": ve.Reason,
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload", "reason": err.Error()})
		return
	}
	if h.Credentials != nil && h.Credentials.Revoked(owner) {
		log.Warn("share rejected, credentials revoked")
		writeError(w, http.StatusForbidden, "credential_revoked")
		return
	}

	if h.Admission != nil {
		d := h.Admission.TryConsume(owner, 1, h.Now())
		if !d.Allowed {
			den := d.Denial()
			log.Warn("admission rate limit exceeded",
				logx.String("scope", string(den.Scope)), logx.Int("limit", den.Limit),
				logx.Int64("reset_in_ms", den.ResetInMs))
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(d.ResetIn), 10))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":     "rate_limit_exceeded",
				"scope":     den.Scope,
				"limit":     den.Limit,
				"remaining": den.Remaining,
				"resetInMs": den.ResetInMs,
			})
			return
		}
	}

	corr := logx.CorrelationID(ctx)
	j := h.Jobs.Create(owner, req.Payload, req.Metadata, corr)
	log.Info("share job queued", logx.String("job_id", j.ID),
		logx.Int("listings", len(j.Payload.ListingIDs)))
	writeJSON(w, http.StatusAccepted, createShareResponse{JobID: j.ID, CorrelationID: corr, Status: j.Status})
}

func retryAfterSeconds(d time.Duration) int64 {
	s := int64((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (h *handler) getShare(w http.ResponseWriter, r *http.Request) {
	j, ok := h.Jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": j})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Same trust model as the JSON routes: no browser session is involved.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 64
)

// streamMessage is one websocket frame: a history entry plus the job status
// after it was appended.
type streamMessage struct {
	JobID  string     `json:"jobId"`
	Status job.Status `json:"status"`
	Event  job.Event  `json:"event"`
}

// done reports whether no further history is expected without an operator
// requeue.
func streamDone(s job.Status) bool { return s.Terminal() || s == job.StatusRateLimited }

func (h *handler) streamShare(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.Jobs.Get(id); !ok {
		writeError(w, http.StatusNotFound, "job_not_found")
		return
	}
	if h.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "stream_unavailable")
		return
	}

	// Subscribe before the snapshot so nothing between them is lost.
	events, unsubscribe := h.Bus.SubscribeMatch(wsBuffer, func(e eventbus.Event) bool {
		c, ok := e.Data.(job.Change)
		return ok && e.Type == job.TopicChanged && c.Job != nil && c.Job.ID == id
	})
	defer unsubscribe()

	snap, _ := h.Jobs.Get(id)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	log := h.Log.Ctx(r.Context()).With(logx.String("job_id", id))
	log.Debug("history stream opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(m streamMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(m) == nil
	}

	// seen counts history entries already sent. History is append-only, so
	// a longer snapshot than expected means the bus dropped changes and the
	// missing entries are replayed from it.
	seen := 0
	catchUp := func(j *job.Job) (ok, done bool) {
		if len(j.History) <= seen && seen > 0 {
			// Stale buffered change; its status may predate what was sent.
			return true, false
		}
		for seen < len(j.History) {
			if !send(streamMessage{JobID: id, Status: j.Status, Event: j.History[seen]}) {
				return false, false
			}
			seen++
		}
		return true, streamDone(j.Status)
	}

	if ok, done := catchUp(snap); !ok {
		return
	} else if done {
		closeStream(conn, "job settled")
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		var latest *job.Job
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			// Also picks up a final change the bus may have dropped.
			latest, _ = h.Jobs.Get(id)
		case e, ok := <-events:
			if !ok {
				return
			}
			latest = e.Data.(job.Change).Job
			if n := len(latest.History); n > seen+1 {
				log.Debug("history stream gap; replaying", logx.Int("missed", n-seen-1))
			}
		}
		if latest == nil {
			continue
		}
		ok, done := catchUp(latest)
		if !ok {
			return
		}
		if done {
			closeStream(conn, "job settled")
			return
		}
	}
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
