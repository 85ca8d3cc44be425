package dispatch

import (
	"context"
	"time"

	"github.com/palemoky/xiaomi-speaker/internal/delivery"
	"github.com/palemoky/xiaomi-speaker/internal/eventbus"
	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		// Fast-exit check so a closed quit channel wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case j := <-s.queue:
			s.process(ctx, j)
		}
	}
}

func (s *Service) process(ctx context.Context, j job) {
	start := time.Now()
	s.setState(j.id, StateSynthesizing, nil)

	res, err := s.resolver.Resolve(ctx, j.msg.Text, j.msg.LanguageHint)
	if err != nil {
		s.finish(j, start, 0, err)
		return
	}

	s.mu.Lock()
	if st, ok := s.statuses[j.id]; ok {
		st.Language = string(res.Language)
		st.Fingerprint = res.Fingerprint
		st.Native = res.Native
		st.State = StateReady
		st.UpdatedAt = time.Now()
	}
	opts := s.opts
	s.mu.Unlock()

	// The artifact must survive eviction while this job still needs it.
	if res.Fingerprint != "" {
		s.cache.Pin(res.Fingerprint)
		defer s.cache.Unpin(res.Fingerprint)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		s.finish(j, start, 0, err)
		return
	}

	s.setState(j.id, StateDispatching, nil)

	var lastErr error
	attempts := 0
	maxAttempts := 1 + opts.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		s.mu.Lock()
		if st, ok := s.statuses[j.id]; ok {
			st.Attempts = attempt
			st.UpdatedAt = time.Now()
		}
		s.mu.Unlock()

		lastErr = s.deliver.Deliver(ctx, res)
		if lastErr == nil {
			break
		}
		if !delivery.IsRetryable(lastErr) {
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := s.backoffDelay(opts, attempt)
		s.log.Debug("delivery retry scheduled",
			logx.String("job", j.id),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(lastErr))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			lastErr = ctx.Err()
			break attemptLoop
		case <-s.quit:
			if !tmr.Stop() {
				<-tmr.C
			}
			lastErr = ErrStopped
			break attemptLoop
		case <-tmr.C:
		}
	}

	s.finish(j, start, attempts, lastErr)
}

func (s *Service) setState(id string, state State, errVal error) {
	s.mu.Lock()
	if st, ok := s.statuses[id]; ok {
		st.State = state
		st.UpdatedAt = time.Now()
		if errVal != nil {
			st.Error = errVal.Error()
		}
	}
	s.mu.Unlock()
}

func (s *Service) finish(j job, start time.Time, attempts int, errVal error) {
	now := time.Now()
	state := StatePlayed
	if errVal != nil {
		state = StateFailed
	}

	s.mu.Lock()
	if st, ok := s.statuses[j.id]; ok {
		st.State = state
		st.Attempts = attempts
		st.UpdatedAt = now
		if errVal != nil {
			st.Error = errVal.Error()
		}
	}
	s.done = append(s.done, j.id)
	s.pruneStatusesLocked(now)
	s.mu.Unlock()

	st := s.statusCopy(j.id)
	took := now.Sub(start)

	if errVal != nil {
		s.log.Warn("job failed",
			logx.String("job", j.id),
			logx.String("source", j.msg.Source),
			logx.Int("attempts", attempts),
			logx.Duration("took", took),
			logx.Err(errVal))
	} else {
		s.log.Info("job played",
			logx.String("job", j.id),
			logx.String("source", j.msg.Source),
			logx.Int("attempts", attempts),
			logx.Duration("took", took))
	}

	// Audit and failure alerting are bus subscribers; this publish is the
	// only fan-out point for terminal jobs.
	if s.bus != nil {
		evType := eventbus.TypeJobPlayed
		if errVal != nil {
			evType = eventbus.TypeJobFailed
		}
		s.bus.Publish(eventbus.Event{Type: evType, Time: now, Data: st})
	}
}

func (s *Service) backoffDelay(opts Options, retry int) time.Duration {
	d := opts.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > opts.RetryMaxDelay {
			d = opts.RetryMaxDelay
			break
		}
	}
	if opts.RetryJitter > 0 {
		r := (s.rng.Float64()*2 - 1) * opts.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > opts.RetryMaxDelay {
		d = opts.RetryMaxDelay
	}
	return d
}
