package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "github.com/palemoky/xiaomi-speaker/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.jobs.jsonl              (append-only JSON Lines)
//   - <prefix>.artifacts.snapshot.json (periodic snapshot)
//   - <prefix>.artifacts.journal.jsonl (append-only journal)
//   - <prefix>.dedup.snapshot.json     (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl     (append-only journal)
//
// Journals are periodically compacted into their snapshots.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	jobsFile *os.File

	artSnapshotPath string
	artJournalFile  *os.File
	artifacts       map[string]artifactRecord
	artWrites       int

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type artifactRecord struct {
	Fingerprint string `json:"fp"`
	Size        int64  `json:"size"`
	Hits        uint64 `json:"hits"`
	LastUsed    int64  `json:"last_used"` // unix milli
	Deleted     bool   `json:"deleted,omitempty"`
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	jobsPath := prefix + ".jobs.jsonl"
	artSnapPath := prefix + ".artifacts.snapshot.json"
	artJournalPath := prefix + ".artifacts.journal.jsonl"
	dedupSnapPath := prefix + ".dedup.snapshot.json"
	dedupJournalPath := prefix + ".dedup.journal.jsonl"

	jf, err := os.OpenFile(jobsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	artifacts := map[string]artifactRecord{}
	_ = loadArtifactSnapshot(artSnapPath, artifacts)
	_ = replayArtifactJournal(artJournalPath, artifacts)

	aj, err := os.OpenFile(artJournalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	dedup := map[string]int64{}
	_ = loadDedupSnapshot(dedupSnapPath, dedup)
	_ = replayDedupJournal(dedupJournalPath, dedup)
	pruneExpiredDedup(dedup)

	dj, err := os.OpenFile(dedupJournalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = jf.Close()
		_ = aj.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		jobsFile:          jf,
		artSnapshotPath:   artSnapPath,
		artJournalFile:    aj,
		artifacts:         artifacts,
		dedupSnapshotPath: dedupSnapPath,
		dedupJournalFile:  dj,
		dedup:             dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range []**os.File{&s.jobsFile, &s.artJournalFile, &s.dedupJournalFile} {
		if *f != nil {
			if err := (*f).Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			*f = nil
		}
	}
	return firstErr
}

func (s *fileStore) AppendJobAudit(ctx context.Context, e JobAuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return errors.New("jobs file closed")
	}
	return json.NewEncoder(s.jobsFile).Encode(e)
}

func (s *fileStore) PutArtifact(ctx context.Context, fp string, size int64, hits uint64, lastUsed time.Time) error {
	_ = ctx
	fp = strings.TrimSpace(fp)
	if fp == "" {
		return nil
	}
	rec := artifactRecord{Fingerprint: fp, Size: size, Hits: hits, LastUsed: lastUsed.UnixMilli()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artJournalFile == nil {
		return errors.New("artifact journal closed")
	}
	s.artifacts[fp] = rec
	if err := json.NewEncoder(s.artJournalFile).Encode(rec); err != nil {
		return err
	}
	s.artWrites++
	if s.artWrites%1000 == 0 {
		if err := s.compactArtifactsLocked(); err != nil {
			s.log.Debug("artifact index compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) DeleteArtifact(ctx context.Context, fp string) error {
	_ = ctx
	fp = strings.TrimSpace(fp)
	if fp == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artJournalFile == nil {
		return errors.New("artifact journal closed")
	}
	delete(s.artifacts, fp)
	return json.NewEncoder(s.artJournalFile).Encode(artifactRecord{Fingerprint: fp, Deleted: true})
}

func (s *fileStore) ListArtifacts(ctx context.Context) (map[string]ArtifactRow, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ArtifactRow, len(s.artifacts))
	for fp, rec := range s.artifacts {
		out[fp] = ArtifactRow{Size: rec.Size, Hits: rec.Hits, LastUsed: time.UnixMilli(rec.LastUsed)}
	}
	return out, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactArtifactsLocked() error {
	if err := writeSnapshot(s.artSnapshotPath, s.artifacts); err != nil {
		return err
	}
	return truncateJournal(s.artJournalFile)
}

func (s *fileStore) compactDedupLocked() error {
	pruneExpiredDedup(s.dedup)
	if err := writeSnapshot(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	return truncateJournal(s.dedupJournalFile)
}

func writeSnapshot(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func truncateJournal(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.Seek(0, 2)
	return err
}

func loadArtifactSnapshot(path string, out map[string]artifactRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]artifactRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayArtifactJournal(path string, out map[string]artifactRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r artifactRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Fingerprint == "" {
			continue
		}
		if r.Deleted {
			delete(out, r.Fingerprint)
			continue
		}
		out[r.Fingerprint] = r
	}
	return sc.Err()
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
