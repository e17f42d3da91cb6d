package job

import (
	"time"

	"sharepilot/internal/ratelimit"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusProcessing  Status = "processing"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusRateLimited Status = "rate_limited"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusSucceeded, StatusFailed, StatusRateLimited:
		return true
	}
	return false
}

// Terminal reports whether s has a finish stamp.
func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

// EventKind is the closed set of history entry kinds.
type EventKind string

const (
	EventQueued            EventKind = "queued"
	EventDequeued          EventKind = "dequeued"
	EventStarted           EventKind = "started"
	EventChallengeDetected EventKind = "challenge_detected"
	EventAuthRefresh       EventKind = "auth_refresh"
	EventShareStarted      EventKind = "share_started"
	EventShareSucceeded    EventKind = "share_succeeded"
	EventShareFailed       EventKind = "share_failed"
	EventCompleted         EventKind = "completed"
	EventFailed            EventKind = "failed"
	EventRateLimited       EventKind = "rate_limited"
	EventRequeued          EventKind = "requeued"
)

type Audience string

const (
	AudienceFollowers Audience = "followers"
	AudienceParty     Audience = "party"
)

// Rate is the inter-listing pacing range in milliseconds (inclusive).
type Rate struct {
	MinMs int `json:"minMs"`
	MaxMs int `json:"maxMs"`
}

// MaxRateMs bounds a single pause between listings.
const MaxRateMs = 24 * 60 * 60 * 1000

// Cookie is one replayable session credential.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

type Payload struct {
	ListingIDs     []string `json:"listingIds"`
	Audience       Audience `json:"audience"`
	Rate           Rate     `json:"rate"`
	SessionCookies []Cookie `json:"sessionCookies,omitempty"`
	AuthRefreshURL string   `json:"authRefreshUrl,omitempty"`
}

// Event is one append-only history record.
type Event struct {
	Kind    EventKind      `json:"event"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

type ListingFailure struct {
	ListingID string `json:"listingId"`
	Error     string `json:"error"`
}

// Result summarizes one completed execution.
type Result struct {
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Failures  []ListingFailure `json:"failures,omitempty"`
}

// Failure is the job-fatal error detail.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RateLimitDetail is kept on a rate_limited job until it is requeued.
type RateLimitDetail struct {
	ratelimit.Denial
	At time.Time `json:"at"`
}

// Job is a share job. Values returned by Store are copies; mutate through Store.
type Job struct {
	ID            string         `json:"id"`
	Owner         string         `json:"userId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Payload       Payload        `json:"payload"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	Result    *Result          `json:"result,omitempty"`
	Error     *Failure         `json:"error,omitempty"`
	RateLimit *RateLimitDetail `json:"rateLimit,omitempty"`

	History []Event `json:"history"`
}

// Type returns metadata["jobType"], defaulting to "share".
func (j *Job) Type() string {
	if j != nil {
		if s, ok := j.Metadata["jobType"].(string); ok && s != "" {
			return s
		}
	}
	return "share"
}

func (j *Job) clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload.ListingIDs = append([]string(nil), j.Payload.ListingIDs...)
	c.Payload.SessionCookies = append([]Cookie(nil), j.Payload.SessionCookies...)
	if j.Metadata != nil {
		c.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		r.Failures = append([]ListingFailure(nil), j.Result.Failures...)
		c.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.RateLimit != nil {
		rl := *j.RateLimit
		c.RateLimit = &rl
	}
	// History entries are never mutated after append, so sharing Data maps is fine.
	c.History = append([]Event(nil), j.History...)
	return &c
}

// Filter selects jobs for List. Zero values match everything.
type Filter struct {
	Status Status
	Owner  string
	Limit  int // default DefaultListLimit
}

const DefaultListLimit = 100

// Change is published on the bus for every history append.
type Change struct {
	Job   *Job   `json:"job"`
	From  Status `json:"from,omitempty"`
	Event Event  `json:"event"`
}

// Observer receives status transitions synchronously with the store lock held;
// it must not call back into Store. from is "" for a newly created job.
type Observer interface {
	Transition(j *Job, from, to Status)
}
