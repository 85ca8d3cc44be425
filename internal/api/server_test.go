package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/palemoky/xiaomi-speaker/internal/audiocache"
	"github.com/palemoky/xiaomi-speaker/internal/delivery"
	"github.com/palemoky/xiaomi-speaker/internal/dispatch"
	"github.com/palemoky/xiaomi-speaker/internal/synth"
	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

type stubDevice struct {
	volumes []int
	err     error
}

func (d *stubDevice) PlayURL(ctx context.Context, url string) error     { return d.err }
func (d *stubDevice) SpeakNative(ctx context.Context, text string) error { return d.err }

func (d *stubDevice) SetVolume(ctx context.Context, volume int) error {
	d.volumes = append(d.volumes, volume)
	return d.err
}

func newTestServer(t *testing.T, cfg Config, opts dispatch.Options) (*Server, *dispatch.Service, *stubDevice) {
	t.Helper()
	cache, err := audiocache.New(audiocache.Config{Dir: t.TempDir(), MaxBytes: 1 << 20}, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	dev := &stubDevice{}
	resolver := synth.New(cache, nil, logx.Nop())
	deliver := delivery.New(cache, nil, dev, logx.Nop())
	// Worker not started: jobs stay queued so handlers can be checked in isolation.
	queue := dispatch.New(opts, resolver, cache, deliver, nil, nil, logx.Nop())
	srv := NewServer(cfg, Templates{}, queue, dev, cache, logx.Nop())
	return srv, queue, dev
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const workflowRunBody = `{
	"action": "completed",
	"workflow_run": {"name": "CI", "conclusion": "success", "head_branch": "main"},
	"repository": {"name": "xiaomi-speaker", "full_name": "palemoky/xiaomi-speaker"}
}`

func TestGithubWebhookAccepted(t *testing.T) {
	srv, queue, _ := newTestServer(t, Config{GithubWebhookSecret: "s3cret"}, dispatch.Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := []byte(workflowRunBody)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "workflow_run")
	req.Header.Set("X-Hub-Signature-256", sign("s3cret", body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var out struct {
		Status string `json:"status"`
		JobID  string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	st, ok := queue.Status(out.JobID)
	if !ok {
		t.Fatalf("job %s not found", out.JobID)
	}
	if !strings.Contains(st.Text, "xiaomi-speaker") || !strings.Contains(st.Text, "CI") {
		t.Fatalf("rendered text = %q", st.Text)
	}
	if st.Source != "github" {
		t.Fatalf("source = %s", st.Source)
	}
}

func TestGithubWebhookOtherCIEvents(t *testing.T) {
	srv, queue, _ := newTestServer(t, Config{GithubWebhookSecret: "s3cret"}, dispatch.Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cases := []struct {
		event string
		body  string
	}{
		{"workflow_job", `{
			"action": "completed",
			"workflow_job": {"name": "build", "conclusion": "failure", "head_branch": "main"},
			"repository": {"name": "xiaomi-speaker"}
		}`},
		{"check_run", `{
			"action": "completed",
			"check_run": {"name": "lint", "conclusion": "success", "check_suite": {"head_branch": "dev"}},
			"repository": {"name": "xiaomi-speaker"}
		}`},
	}
	for _, tc := range cases {
		body := []byte(tc.body)
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhook/github", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", tc.event)
		req.Header.Set("X-Hub-Signature-256", sign("s3cret", body))

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: post: %v", tc.event, err)
		}
		var out struct {
			JobID string `json:"job_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("%s: decode: %v", tc.event, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("%s: status = %d, want 202", tc.event, resp.StatusCode)
		}
		if _, ok := queue.Status(out.JobID); !ok {
			t.Fatalf("%s: job %s not found", tc.event, out.JobID)
		}
	}
}

func TestGithubWebhookBadSignature(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{GithubWebhookSecret: "s3cret"}, dispatch.Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := []byte(workflowRunBody)
	for _, sig := range []string{"", "sha256=deadbeef", sign("wrong", body)} {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhook/github", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", "workflow_run")
		if sig != "" {
			req.Header.Set("X-Hub-Signature-256", sig)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("sig %q: status = %d, want 401", sig, resp.StatusCode)
		}
	}
}

func TestGithubPing(t *testing.T) {
	srv, queue, _ := newTestServer(t, Config{GithubWebhookSecret: "s3cret"}, dispatch.Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := []byte(`{"zen":"Keep it logically awesome."}`)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature-256", sign("s3cret", body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if n := len(queue.Snapshot()); n != 0 {
		t.Fatalf("ping enqueued %d jobs", n)
	}
}

func postCustom(t *testing.T, url, key, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url+"/webhook/custom", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestCustomWebhook(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{APIKey: "k3y", MaxMessageLen: 10}, dispatch.Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cases := []struct {
		name string
		key  string
		body string
		want int
	}{
		{"accepted", "k3y", `{"text":"hello"}`, http.StatusAccepted},
		{"with hint", "k3y", `{"text":"你好","language":"zh"}`, http.StatusAccepted},
		{"no key", "", `{"text":"hello2"}`, http.StatusUnauthorized},
		{"wrong key", "nope", `{"text":"hello3"}`, http.StatusUnauthorized},
		{"empty text", "k3y", `{"text":"  "}`, http.StatusBadRequest},
		{"too long", "k3y", `{"text":"` + strings.Repeat("a", 11) + `"}`, http.StatusBadRequest},
		{"bad language", "k3y", `{"text":"hi","language":"fr"}`, http.StatusBadRequest},
		{"bad json", "k3y", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := postCustom(t, ts.URL, tc.key, tc.body)
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestCustomWebhookDuplicate(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{APIKey: "k3y"}, dispatch.Options{DedupWindow: time.Minute})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := postCustom(t, ts.URL, "k3y", `{"text":"same thing"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first: status = %d", resp.StatusCode)
	}

	resp = postCustom(t, ts.URL, "k3y", `{"text":"same thing"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dup: status = %d, want 200", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "duplicate" {
		t.Fatalf("status field = %q", out["status"])
	}
}

func TestCustomWebhookExplicitDedupeKey(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{APIKey: "k3y"}, dispatch.Options{DedupWindow: time.Minute})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := postCustom(t, ts.URL, "k3y", `{"text":"disk at 91%","dedupe_key":"disk-alert"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first: status = %d", resp.StatusCode)
	}

	// Different text, same key: the flapping alert is collapsed.
	resp = postCustom(t, ts.URL, "k3y", `{"text":"disk at 93%","dedupe_key":"disk-alert"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dup: status = %d, want 200", resp.StatusCode)
	}
}

func TestCustomWebhookQueueFull(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{APIKey: "k3y"}, dispatch.Options{QueueSize: 1})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := postCustom(t, ts.URL, "k3y", `{"text":"first"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first: status = %d", resp.StatusCode)
	}

	resp = postCustom(t, ts.URL, "k3y", `{"text":"second"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("overflow: status = %d, want 429", resp.StatusCode)
	}
}

func TestJobStatusEndpoint(t *testing.T) {
	srv, queue, _ := newTestServer(t, Config{APIKey: "k3y"}, dispatch.Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	id, err := queue.Enqueue(context.Background(), dispatch.Message{Source: "custom", Text: "status me"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp, err := http.Get(ts.URL + "/jobs/" + id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st dispatch.JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.ID != id || st.State != dispatch.StateQueued {
		t.Fatalf("got %+v", st)
	}

	resp2, err := http.Get(ts.URL + "/jobs/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job: status = %d, want 404", resp2.StatusCode)
	}
}

func TestVolumeEndpoint(t *testing.T) {
	srv, _, dev := newTestServer(t, Config{APIKey: "k3y"}, dispatch.Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/volume", strings.NewReader(`{"volume":40}`))
	req.Header.Set("X-API-Key", "k3y")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(dev.volumes) != 1 || dev.volumes[0] != 40 {
		t.Fatalf("volumes = %v", dev.volumes)
	}

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/volume", strings.NewReader(`{"volume":120}`))
	req.Header.Set("X-API-Key", "k3y")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out of range: status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{}, dispatch.Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("body = %v", out)
	}
}
