package app

import (
	"context"

	"github.com/palemoky/xiaomi-speaker/internal/dispatch"
	"github.com/palemoky/xiaomi-speaker/internal/eventbus"
	"github.com/palemoky/xiaomi-speaker/internal/storage"
	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

// auditWriter is the slice of storage.Store the event pipeline needs.
type auditWriter interface {
	AppendJobAudit(ctx context.Context, e storage.JobAuditEntry) error
}

// failureAlerter pushes a terminal failure somewhere a human will see it.
type failureAlerter interface {
	NotifyFailure(ctx context.Context, st dispatch.JobStatus)
}

// runEventPipeline subscribes to the bus and fans terminal job events out to
// the audit log and the failure alerter. Both sinks are best-effort: the
// dispatch worker never waits on either.
func runEventPipeline(ctx context.Context, bus eventbus.Bus, audit auditWriter, alerter failureAlerter, log logx.Logger) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != eventbus.TypeJobPlayed && ev.Type != eventbus.TypeJobFailed {
				continue
			}
			st, ok := ev.Data.(dispatch.JobStatus)
			if !ok {
				continue
			}

			if audit != nil {
				entry := storage.JobAuditEntry{
					At:          ev.Time,
					JobID:       st.ID,
					Source:      st.Source,
					Text:        st.Text,
					Language:    st.Language,
					Fingerprint: st.Fingerprint,
					State:       string(st.State),
					Attempts:    st.Attempts,
					TookMS:      st.UpdatedAt.Sub(st.EnqueuedAt).Milliseconds(),
					Error:       st.Error,
				}
				if err := audit.AppendJobAudit(ctx, entry); err != nil {
					log.Warn("job audit write failed", logx.Err(err))
				}
			}
			if ev.Type == eventbus.TypeJobFailed && alerter != nil {
				alerter.NotifyFailure(ctx, st)
			}
		}
	}
}
