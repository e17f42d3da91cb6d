// Package credentials tracks owners whose marketplace credentials an
// operator has revoked. Admission rejects jobs for a revoked owner.
package credentials

import (
	"sort"
	"strings"
	"sync"
	"time"

	"sharepilot/internal/eventbus"
	logx "sharepilot/pkg/logx"
)

// TopicChanged carries a Record on every revoke or restore.
const TopicChanged = "credential.changed"

type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusUnknown Status = "unknown"
)

type Record struct {
	UserID         string     `json:"userId"`
	Status         Status     `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	Actor          string     `json:"actor,omitempty"`
	PreviousStatus Status     `json:"previousStatus,omitempty"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
	RestoredAt     *time.Time `json:"restoredAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type Registry struct {
	mu      sync.RWMutex
	records map[string]Record

	now func() time.Time
	bus eventbus.Bus
	log logx.Logger
}

func NewRegistry(bus eventbus.Bus, log logx.Logger) *Registry {
	return &Registry{
		records: map[string]Record{},
		now:     time.Now,
		bus:     bus,
		log:     log.With(logx.String("comp", "credentials")),
	}
}

// Load seeds the registry from persisted records without publishing.
func (r *Registry) Load(recs []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		if strings.TrimSpace(rec.UserID) == "" {
			continue
		}
		r.records[rec.UserID] = rec
	}
}

func (r *Registry) Revoke(userID, reason, actor string) Record {
	if reason == "" {
		reason = "unspecified"
	}
	if actor == "" {
		actor = "system"
	}
	now := r.now()

	r.mu.Lock()
	prev := StatusActive
	if old, ok := r.records[userID]; ok {
		prev = old.Status
	}
	rec := Record{
		UserID:         userID,
		Status:         StatusRevoked,
		Reason:         reason,
		Actor:          actor,
		PreviousStatus: prev,
		RevokedAt:      &now,
		UpdatedAt:      now,
	}
	r.records[userID] = rec
	r.mu.Unlock()

	r.log.Warn("credential revoked", logx.String("owner", userID), logx.String("reason", reason), logx.String("actor", actor))
	r.publish(rec)
	return rec
}

func (r *Registry) Restore(userID, actor string) Record {
	if actor == "" {
		actor = "system"
	}
	now := r.now()
	rec := Record{UserID: userID, Status: StatusActive, Actor: actor, RestoredAt: &now, UpdatedAt: now}

	r.mu.Lock()
	if old, ok := r.records[userID]; ok {
		rec.PreviousStatus = old.Status
	}
	r.records[userID] = rec
	r.mu.Unlock()

	r.log.Info("credential restored", logx.String("owner", userID), logx.String("actor", actor))
	r.publish(rec)
	return rec
}

// Get returns the record for userID, or a StatusUnknown placeholder.
func (r *Registry) Get(userID string) Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[userID]; ok {
		return rec
	}
	return Record{UserID: userID, Status: StatusUnknown}
}

func (r *Registry) Revoked(userID string) bool { return r.Get(userID).Status == StatusRevoked }

// List returns records with the given status (all when empty), oldest update first.
func (r *Registry) List(status Status) []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

func (r *Registry) publish(rec Record) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: TopicChanged, Time: rec.UpdatedAt, Data: rec})
}
