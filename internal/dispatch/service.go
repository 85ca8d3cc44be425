package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/palemoky/xiaomi-speaker/internal/audiocache"
	"github.com/palemoky/xiaomi-speaker/internal/delivery"
	"github.com/palemoky/xiaomi-speaker/internal/eventbus"
	"github.com/palemoky/xiaomi-speaker/internal/storage"
	"github.com/palemoky/xiaomi-speaker/internal/synth"
	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

// Options tunes the queue. Zero values fall back to sane defaults.
type Options struct {
	QueueSize       int
	RetryMax        int // extra delivery attempts; 0 means the default, -1 disables retries
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	RetryJitter     float64
	RatePerMin      int // device commands per minute; 0 means unpaced
	StatusRetention time.Duration
	StatusMax       int
	DedupWindow     time.Duration
}

func (o *Options) normalize() {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.StatusRetention <= 0 {
		o.StatusRetention = 10 * time.Minute
	}
	if o.StatusMax <= 0 {
		o.StatusMax = 500
	}
}

// Service accepts messages and plays them in arrival order through a single
// worker goroutine. Terminal outcomes are published on the bus; audit and
// alerting hang off it as subscribers.
type Service struct {
	mu       sync.Mutex
	opts     Options
	queue    chan job
	limiter  *rate.Limiter
	statuses map[string]*JobStatus
	done     []string // terminal job ids, oldest first
	dedup    map[string]time.Time
	stopped  bool

	resolver *synth.Service
	cache    *audiocache.Cache
	deliver  *delivery.Service
	store    storage.Store
	bus      eventbus.Bus
	log      logx.Logger

	quit chan struct{}
	wg   sync.WaitGroup
	rng  *rand.Rand
}

func New(opts Options, resolver *synth.Service, cache *audiocache.Cache, deliver *delivery.Service, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	opts.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		opts:     opts,
		queue:    make(chan job, opts.QueueSize),
		limiter:  newLimiter(opts.RatePerMin),
		statuses: map[string]*JobStatus{},
		dedup:    map[string]time.Time{},
		resolver: resolver,
		cache:    cache,
		deliver:  deliver,
		store:    store,
		bus:      bus,
		log:      log,
		quit:     make(chan struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func newLimiter(perMin int) *rate.Limiter {
	if perMin <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1)
}

// Start launches the worker.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop refuses new work and waits for the worker, bounded by ctx. Queued but
// unstarted jobs stay in the channel and are abandoned.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.quit)
	}
	s.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply swaps the retry and pacing knobs at runtime. Queue size is fixed at
// construction.
func (s *Service) Apply(opts Options) {
	opts.normalize()
	s.mu.Lock()
	opts.QueueSize = s.opts.QueueSize
	s.opts = opts
	s.mu.Unlock()
	if opts.RatePerMin <= 0 {
		s.limiter.SetLimit(rate.Inf)
	} else {
		s.limiter.SetLimit(rate.Every(time.Minute / time.Duration(opts.RatePerMin)))
	}
}

// Enqueue adds a message without blocking. It returns the job id, or
// ErrQueueFull, ErrStopped or ErrDuplicate.
func (s *Service) Enqueue(ctx context.Context, msg Message) (string, error) {
	now := time.Now()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrStopped
	}

	var key string
	if s.opts.DedupWindow > 0 {
		key = dedupKey(msg)
		s.pruneDedupLocked(now)
		if until, ok := s.dedup[key]; ok && now.Before(until) {
			s.mu.Unlock()
			return "", ErrDuplicate
		}
	}
	window := s.opts.DedupWindow
	s.mu.Unlock()

	// The persistent dedup mark outlives restarts; check it outside the lock.
	if key != "" && s.store != nil {
		if until, ok, err := s.store.GetDedup(ctx, key); err == nil && ok && now.Before(until) {
			return "", ErrDuplicate
		}
	}

	j := job{id: uuid.NewString(), msg: msg, enqueuedAt: now}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	select {
	case s.queue <- j:
	default:
		s.mu.Unlock()
		return "", ErrQueueFull
	}
	s.statuses[j.id] = &JobStatus{
		ID:         j.id,
		Source:     msg.Source,
		Text:       msg.Text,
		State:      StateQueued,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if key != "" {
		s.dedup[key] = now.Add(window)
	}
	s.mu.Unlock()

	if key != "" && s.store != nil {
		if err := s.store.PutDedup(ctx, key, now.Add(window)); err != nil {
			s.log.Warn("dedup persist failed", logx.Err(err))
		}
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobEnqueued, Time: now, Data: s.statusCopy(j.id)})
	}
	s.log.Info("job enqueued",
		logx.String("job", j.id),
		logx.String("source", msg.Source),
		logx.Int("len", len(msg.Text)))
	return j.id, nil
}

// Status returns one job's record.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[id]
	if !ok {
		return JobStatus{}, false
	}
	return *st, true
}

// Snapshot lists all retained jobs, oldest first.
func (s *Service) Snapshot() []JobStatus {
	s.mu.Lock()
	out := make([]JobStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Depth reports how many jobs are waiting in the channel.
func (s *Service) Depth() int { return len(s.queue) }

func (s *Service) statusCopy(id string) JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[id]; ok {
		return *st
	}
	return JobStatus{ID: id}
}

// dedupKey hashes an explicit caller key when present, otherwise the
// (source, normalized text, hint) triple. Source is part of the derived key:
// a CI webhook and a custom alert that happen to share text are distinct
// messages.
func dedupKey(msg Message) string {
	raw := msg.Source + "\x00" + synth.NormalizeText(msg.Text) + "\x00" + msg.LanguageHint
	if msg.DedupeKey != "" {
		raw = "key\x00" + msg.DedupeKey
	}
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:16])
}

func (s *Service) pruneDedupLocked(now time.Time) {
	for k, until := range s.dedup {
		if now.After(until) {
			delete(s.dedup, k)
		}
	}
}

// pruneStatusesLocked drops terminal jobs beyond the retention window or the
// hard cap. Live jobs are never pruned.
func (s *Service) pruneStatusesLocked(now time.Time) {
	cutoff := now.Add(-s.opts.StatusRetention)
	keep := s.done[:0]
	for _, id := range s.done {
		st, ok := s.statuses[id]
		if !ok {
			continue
		}
		if st.UpdatedAt.Before(cutoff) {
			delete(s.statuses, id)
			continue
		}
		keep = append(keep, id)
	}
	s.done = keep
	for len(s.done) > s.opts.StatusMax {
		delete(s.statuses, s.done[0])
		s.done = s.done[1:]
	}
}
