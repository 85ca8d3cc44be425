package staticfs

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

func TestServeArtifact(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "abc.wav"), []byte("RIFFwavdata"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := New(Config{Dir: dir, BaseURL: "http://192.168.1.10:1810"}, logx.Nop())
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/audio/abc.wav")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "RIFFwavdata" {
		t.Fatalf("body = %q", body)
	}

	resp2, err := http.Get(ts.URL + "/audio/missing.wav")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("missing: status = %d", resp2.StatusCode)
	}
}

func TestURLFor(t *testing.T) {
	s := New(Config{Dir: t.TempDir(), BaseURL: "http://192.168.1.10:1810/"}, logx.Nop())
	if got := s.URLFor("abc.wav"); got != "http://192.168.1.10:1810/audio/abc.wav" {
		t.Fatalf("URLFor = %q", got)
	}
	// Path components are stripped so cache internals never leak into URLs.
	if got := s.URLFor("/tmp/cache/abc.wav"); got != "http://192.168.1.10:1810/audio/abc.wav" {
		t.Fatalf("URLFor = %q", got)
	}
}
