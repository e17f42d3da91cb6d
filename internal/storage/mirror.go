package storage

import (
	"context"
	"time"

	"sharepilot/internal/credentials"
	"sharepilot/internal/eventbus"
	"sharepilot/internal/job"
	logx "sharepilot/pkg/logx"
)

// Mirror copies job and credential changes from the bus into a Store.
// Write failures are logged; they never affect the job itself.
type Mirror struct {
	store   Store
	bus     eventbus.Bus
	log     logx.Logger
	buffer  int
	timeout time.Duration
}

func NewMirror(store Store, bus eventbus.Bus, log logx.Logger) *Mirror {
	return &Mirror{
		store:   store,
		bus:     bus,
		log:     log.With(logx.String("comp", "storage.mirror")),
		buffer:  1024,
		timeout: 5 * time.Second,
	}
}

// Run consumes changes until ctx is done.
func (m *Mirror) Run(ctx context.Context) error {
	ch, unsub := m.bus.SubscribeMatch(m.buffer, func(e eventbus.Event) bool {
		return e.Type == job.TopicChanged || e.Type == credentials.TopicChanged
	})
	defer unsub()
	m.log.Info("storage mirror started")
	for {
		select {
		case <-ctx.Done():
			m.flush(ctx, ch)
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Apply(ctx, e)
		}
	}
}

// flush writes whatever is already buffered when Run is asked to stop.
func (m *Mirror) flush(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Apply(ctx, e)
		default:
			return
		}
	}
}

// Apply writes a single bus event.
func (m *Mirror) Apply(ctx context.Context, e eventbus.Event) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	switch d := e.Data.(type) {
	case job.Change:
		if d.Job == nil {
			return
		}
		log := m.log.With(logx.String("job_id", d.Job.ID), logx.String("event", string(d.Event.Kind)))
		if err := m.store.SaveJob(wctx, d.Job); err != nil {
			log.Warn("persist job snapshot failed", logx.Err(err))
		}
		if err := m.store.AppendEvent(wctx, d.Job.ID, d.Event); err != nil {
			log.Warn("persist job event failed", logx.Err(err))
		}
	case credentials.Record:
		if err := m.store.SaveCredential(wctx, d); err != nil {
			m.log.Warn("persist credential failed", logx.String("owner", d.UserID), logx.Err(err))
		}
	}
}
