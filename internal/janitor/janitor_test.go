package janitor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/palemoky/xiaomi-speaker/internal/audiocache"
	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

func TestSweepRemovesOldOrphansOnly(t *testing.T) {
	dir := t.TempDir()
	cache, err := audiocache.New(audiocache.Config{Dir: dir, MaxBytes: 1 << 20}, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	fp := strings.Repeat("ef", 32)
	cache.Put(fp, []byte("live artifact"))

	old := time.Now().Add(-time.Hour)
	writeAged := func(name string, when time.Time) {
		t.Helper()
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := os.Chtimes(p, when, when); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}
	writeAged("orphan.wav", old)
	writeAged(".tmp-12345", old)
	writeAged("fresh-orphan.wav", time.Now())
	writeAged("notes.txt", old)

	j, err := New("@hourly", cache, logx.Nop())
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	j.Sweep()

	mustExist := func(name string, want bool) {
		t.Helper()
		_, err := os.Stat(filepath.Join(dir, name))
		exists := err == nil
		if exists != want {
			t.Errorf("%s: exists = %v, want %v", name, exists, want)
		}
	}
	mustExist(fp+".wav", true)
	mustExist("orphan.wav", false)
	mustExist(".tmp-12345", false)
	mustExist("fresh-orphan.wav", true)
	mustExist("notes.txt", true)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	dir := t.TempDir()
	cache, err := audiocache.New(audiocache.Config{Dir: dir, MaxBytes: 1 << 20}, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	if _, err := New("every now and then", cache, logx.Nop()); err == nil {
		t.Fatal("want schedule parse error")
	}
}
