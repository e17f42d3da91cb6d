// Package notifier delivers operator alerts (challenge detections, stuck
// job reports) through a Sender such as Telegram.
//
// Alerts go through a bounded queue drained by a small worker pool. Sends
// are rate limited and retried with backoff; identical alerts inside the
// dedup window are suppressed, optionally across restarts via storage.
package notifier

import (
	"context"
	"time"
)

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Target is a chat, optionally narrowed to a forum thread.
type Target struct {
	ChatID   int64
	ThreadID int
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCritical
)

type Alert struct {
	Severity Severity
	Text     string
	// Key identifies the alert for dedup. Empty derives a key from Text.
	Key string
}

// Sender delivers one rendered message.
type Sender interface {
	Send(ctx context.Context, to Target, text string) error
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}
