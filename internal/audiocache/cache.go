// Package audiocache is a content-addressed, size-bounded store for
// synthesized audio artifacts.
//
// Artifacts are keyed by synthesis fingerprint and kept as WAV files inside
// a single cache directory. Eviction is strictly LRU and runs synchronously
// inside Put, so the byte budget holds at the end of every call. The one
// exception is a single artifact larger than the whole budget, which is kept
// and logged rather than rejected.
package audiocache

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/palemoky/xiaomi-speaker/internal/eventbus"
	logx "github.com/palemoky/xiaomi-speaker/pkg/logx"
)

const DefaultMaxBytes = 100 << 20 // 100 MiB, matching the historical default

type Config struct {
	Dir      string
	MaxBytes int64
}

// Artifact is a snapshot of a cached audio clip.
//
// The cache owns the underlying entry; callers get copies and must not
// assume Path exists after the entry could have been evicted (pin the
// fingerprint to prevent that).
type Artifact struct {
	Fingerprint string
	Path        string
	Size        int64
	CreatedAt   time.Time
	LastUsedAt  time.Time
	HitCount    uint64

	// Durable is false when the disk write failed and the audio only
	// exists in Bytes. Playback still proceeds from memory.
	Durable bool
	Bytes   []byte
}

type Stats struct {
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	Budget    int64  `json:"budget"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Oversized uint64 `json:"oversized"`
}

// Index persists the artifact index so hit counters survive restarts.
// All calls are best-effort; the cache logs and continues on error.
type Index interface {
	PutArtifact(ctx context.Context, fp string, size int64, hits uint64, lastUsed time.Time) error
	DeleteArtifact(ctx context.Context, fp string) error
}

type entry struct {
	art Artifact
}

// Cache is safe for concurrent use. A single mutex covers the map, the LRU
// list and the byte total, so an eviction decision never observes torn state.
type Cache struct {
	mu      sync.Mutex
	dir     string
	budget  int64
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
	total   int64
	pins    map[string]int

	hits, misses, evictions, oversized uint64

	index Index
	bus   eventbus.Bus
	log   logx.Logger
}

func New(cfg Config, index Index, bus eventbus.Bus, log logx.Logger) (*Cache, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	dir := cfg.Dir
	if strings.TrimSpace(dir) == "" {
		dir = "./audio_cache"
	}
	budget := cfg.MaxBytes
	if budget <= 0 {
		budget = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audiocache: create dir: %w", err)
	}

	c := &Cache{
		dir:     dir,
		budget:  budget,
		entries: map[string]*list.Element{},
		lru:     list.New(),
		pins:    map[string]int{},
		index:   index,
		bus:     bus,
		log:     log,
	}
	c.warm()
	return c, nil
}

// warm re-indexes WAV files already present in the cache dir, so cached
// audio survives restarts. File mtime stands in for last-used order.
func (c *Cache) warm() {
	des, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("cache warm scan failed", logx.Err(err), logx.String("dir", c.dir))
		return
	}
	type found struct {
		fp    string
		size  int64
		mtime time.Time
	}
	var files []found
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".wav") {
			continue
		}
		fi, err := de.Info()
		if err != nil || fi.Size() == 0 {
			continue
		}
		fp := strings.TrimSuffix(de.Name(), ".wav")
		files = append(files, found{fp: fp, size: fi.Size(), mtime: fi.ModTime()})
	}
	// Oldest first so the most recent file ends up at the list front.
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	for _, f := range files {
		el := c.lru.PushFront(&entry{art: Artifact{
			Fingerprint: f.fp,
			Path:        filepath.Join(c.dir, f.fp+".wav"),
			Size:        f.size,
			CreatedAt:   f.mtime,
			LastUsedAt:  f.mtime,
			Durable:     true,
		}})
		c.entries[f.fp] = el
		c.total += f.size
	}
	if len(files) > 0 {
		c.log.Info("cache warmed from disk", logx.Int("entries", len(files)), logx.Int64("bytes", c.total))
	}
	// The budget may have shrunk since the files were written.
	c.evictLocked("")
}

// RestoreCounters applies persisted hit counters to warmed entries.
// Unknown fingerprints are ignored.
func (c *Cache) RestoreCounters(hits map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, n := range hits {
		if el, ok := c.entries[fp]; ok {
			el.Value.(*entry).art.HitCount = n
		}
	}
}

// Get returns a snapshot of the artifact for fp, promoting it to most
// recently used and bumping its hit count.
func (c *Cache) Get(fp string) (Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fp]
	if !ok {
		c.misses++
		return Artifact{}, false
	}
	c.hits++
	e := el.Value.(*entry)
	e.art.LastUsedAt = time.Now()
	e.art.HitCount++
	c.lru.MoveToFront(el)
	c.writeIndex(e.art)
	return snapshot(e.art), true
}

// Put stores audio under fp and returns the resulting artifact.
//
// If writing to disk fails the artifact is kept in memory, marked
// non-durable, and Put still succeeds: a degraded cache must not fail the
// playback request. Eviction happens synchronously before returning.
func (c *Cache) Put(fp string, audio []byte) Artifact {
	now := time.Now()
	path := filepath.Join(c.dir, fp+".wav")

	durable := true
	if err := writeFileAtomic(path, audio); err != nil {
		durable = false
		c.log.Warn("cache write degraded; serving from memory",
			logx.String("fingerprint", fp), logx.Err(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replace an existing entry in place (regenerated after invalidate or a
	// racing fill); keep byte accounting straight.
	if el, ok := c.entries[fp]; ok {
		e := el.Value.(*entry)
		c.total -= e.art.Size
		c.lru.Remove(el)
		delete(c.entries, fp)
	}

	art := Artifact{
		Fingerprint: fp,
		Path:        path,
		Size:        int64(len(audio)),
		CreatedAt:   now,
		LastUsedAt:  now,
		Durable:     durable,
	}
	if !durable {
		art.Bytes = append([]byte(nil), audio...)
	}
	el := c.lru.PushFront(&entry{art: art})
	c.entries[fp] = el
	c.total += art.Size

	c.evictLocked(fp)
	c.writeIndex(art)
	return snapshot(art)
}

// evictLocked removes least-recently-used entries until the total fits the
// budget. Ties on identical last-used times fall back to insertion order,
// which the list preserves. The entry named by keep and any pinned entries
// are never removed, even if that leaves the budget exceeded.
func (c *Cache) evictLocked(keep string) {
	for c.total > c.budget {
		el := c.lru.Back()
		removed := false
		for el != nil {
			e := el.Value.(*entry)
			fp := e.art.Fingerprint
			prev := el.Prev()
			if fp != keep && c.pins[fp] == 0 {
				c.removeLocked(el, e)
				removed = true
				break
			}
			el = prev
		}
		if !removed {
			// Everything left is pinned or just inserted.
			if keep != "" {
				c.oversized++
				c.log.Warn("cache over budget; nothing evictable",
					logx.Int64("bytes", c.total), logx.Int64("budget", c.budget),
					logx.String("fingerprint", keep))
			}
			return
		}
	}
}

func (c *Cache) removeLocked(el *list.Element, e *entry) {
	fp := e.art.Fingerprint
	c.lru.Remove(el)
	delete(c.entries, fp)
	c.total -= e.art.Size
	c.evictions++
	if e.art.Durable {
		if err := os.Remove(e.art.Path); err != nil && !os.IsNotExist(err) {
			c.log.Warn("cache evict unlink failed", logx.String("fingerprint", fp), logx.Err(err))
		}
	}
	if c.index != nil {
		if err := c.index.DeleteArtifact(context.Background(), fp); err != nil {
			c.log.Debug("cache index delete failed", logx.String("fingerprint", fp), logx.Err(err))
		}
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeCacheEvicted, Data: fp})
	}
	c.log.Debug("cache evicted", logx.String("fingerprint", fp), logx.Int64("size", e.art.Size))
}

// Invalidate removes one entry and its file. No-op when absent.
func (c *Cache) Invalidate(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[fp]
	if !ok {
		return
	}
	c.removeLocked(el, el.Value.(*entry))
}

// Pin marks fp as referenced by an in-flight playback job; pinned entries
// are exempt from eviction until the matching Unpin.
func (c *Cache) Pin(fp string) {
	c.mu.Lock()
	c.pins[fp]++
	c.mu.Unlock()
}

func (c *Cache) Unpin(fp string) {
	c.mu.Lock()
	if c.pins[fp] > 1 {
		c.pins[fp]--
	} else {
		delete(c.pins, fp)
	}
	c.mu.Unlock()
}

// EnsureFile guarantees the artifact exists on disk and returns its path,
// retrying the write for entries that were degraded to memory-only.
func (c *Cache) EnsureFile(fp string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fp]
	if !ok {
		return "", fmt.Errorf("audiocache: %s: not cached", fp)
	}
	e := el.Value.(*entry)
	if e.art.Durable {
		return e.art.Path, nil
	}
	if err := writeFileAtomic(e.art.Path, e.art.Bytes); err != nil {
		return "", fmt.Errorf("audiocache: rewrite %s: %w", fp, err)
	}
	e.art.Durable = true
	e.art.Bytes = nil
	return e.art.Path, nil
}

// OwnedFiles lists the base filenames the cache currently accounts for.
// The janitor uses this to spare live entries when sweeping orphans.
func (c *Cache) OwnedFiles() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	owned := make(map[string]struct{}, len(c.entries))
	for fp := range c.entries {
		owned[fp+".wav"] = struct{}{}
	}
	return owned
}

func (c *Cache) Dir() string { return c.dir }

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		Bytes:     c.total,
		Budget:    c.budget,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Oversized: c.oversized,
	}
}

func (c *Cache) writeIndex(a Artifact) {
	if c.index == nil {
		return
	}
	if err := c.index.PutArtifact(context.Background(), a.Fingerprint, a.Size, a.HitCount, a.LastUsedAt); err != nil {
		c.log.Debug("cache index write failed", logx.String("fingerprint", a.Fingerprint), logx.Err(err))
	}
}

func snapshot(a Artifact) Artifact {
	cp := a
	if a.Bytes != nil {
		cp.Bytes = append([]byte(nil), a.Bytes...)
	}
	return cp
}

// writeFileAtomic writes via a temp file + rename so the static file server
// never serves a half-written WAV.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
