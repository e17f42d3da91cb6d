package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sharepilot/internal/eventbus"
	"sharepilot/internal/job"
	"sharepilot/internal/share"
	logx "sharepilot/pkg/logx"
)

// Notifier is the subset of Service used by the alert producers.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// WatchChallenges alerts on every job that fails with challenge_detected.
// It returns when ctx is done.
func WatchChallenges(ctx context.Context, bus eventbus.Bus, n Notifier, log logx.Logger) error {
	ch, unsub := bus.SubscribeMatch(256, func(e eventbus.Event) bool {
		c, ok := e.Data.(job.Change)
		return ok && e.Type == job.TopicChanged && c.Event.Kind == job.EventFailed &&
			c.Job != nil && c.Job.Error != nil && c.Job.Error.Code == share.CodeChallengeDetected
	})
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			j := e.Data.(job.Change).Job
			if err := n.Notify(ctx, ChallengeAlert(j)); err != nil {
				log.Debug("challenge alert not queued", logx.String("job_id", j.ID), logx.Err(err))
			}
		}
	}
}

// ChallengeAlert is deduped per owner so a burst of blocked jobs yields one message.
func ChallengeAlert(j *job.Job) Alert {
	return Alert{
		Severity: SeverityCritical,
		Key:      "challenge:" + j.Owner,
		Text: fmt.Sprintf("Challenge detected for user %s\njob %s\n%s",
			j.Owner, j.ID, j.Error.Message),
	}
}

// StuckAlert summarises a stuck-job report. It returns false when there is
// nothing to report.
func StuckAlert(stuck []*job.Job, threshold time.Duration, now time.Time) (Alert, bool) {
	if len(stuck) == 0 {
		return Alert{}, false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d job(s) processing longer than %s", len(stuck), threshold)
	ids := make([]string, 0, len(stuck))
	for i, j := range stuck {
		ids = append(ids, j.ID)
		if i >= 9 {
			fmt.Fprintf(&b, "\n… and %d more", len(stuck)-10)
			break
		}
		age := time.Duration(0)
		if j.StartedAt != nil {
			age = now.Sub(*j.StartedAt).Truncate(time.Second)
		}
		fmt.Fprintf(&b, "\n• %s user=%s for %s", j.ID, j.Owner, age)
	}
	return Alert{Severity: SeverityWarn, Key: "stuck:" + strings.Join(ids, ","), Text: b.String()}, true
}
