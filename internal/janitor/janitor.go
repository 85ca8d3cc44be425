// Package janitor sweeps the cache directory on a cron schedule, removing
// audio files the cache no longer accounts for. Orphans appear after crashes
// mid-eviction or when an operator shrinks the byte budget.
package janitor

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/palemoky/xiaomi-speaker/internal/audiocache"
	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

// minAge spares files that might still be mid-write.
const minAge = 5 * time.Minute

type Janitor struct {
	c     *cron.Cron
	cache *audiocache.Cache
	log   logx.Logger
}

func New(schedule string, cache *audiocache.Cache, log logx.Logger) (*Janitor, error) {
	if schedule == "" {
		schedule = "@hourly"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	j := &Janitor{c: cron.New(), cache: cache, log: log}
	if _, err := j.c.AddFunc(schedule, j.Sweep); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Janitor) Start() { j.c.Start() }

func (j *Janitor) Stop() {
	ctx := j.c.Stop()
	<-ctx.Done()
}

// Sweep removes orphaned wav files and stale temp files from the cache dir.
func (j *Janitor) Sweep() {
	owned := j.cache.OwnedFiles()
	dir := j.cache.Dir()

	des, err := os.ReadDir(dir)
	if err != nil {
		j.log.Warn("janitor scan failed", logx.Err(err), logx.String("dir", dir))
		return
	}

	var removed int
	var freed int64
	cutoff := time.Now().Add(-minAge)
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		isWav := strings.HasSuffix(name, ".wav")
		isTmp := strings.HasPrefix(name, ".tmp-")
		if !isWav && !isTmp {
			continue
		}
		if isWav {
			if _, ok := owned[name]; ok {
				continue
			}
		}
		fi, err := de.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			j.log.Warn("janitor remove failed", logx.String("file", name), logx.Err(err))
			continue
		}
		removed++
		freed += fi.Size()
	}

	if removed > 0 {
		j.log.Info("janitor sweep done",
			logx.Int("removed", removed),
			logx.Int64("freed_bytes", freed))
	} else {
		j.log.Debug("janitor sweep done, nothing to remove")
	}
}
