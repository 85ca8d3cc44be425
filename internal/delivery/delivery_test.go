package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/palemoky/xiaomi-speaker/internal/audiocache"
	"github.com/palemoky/xiaomi-speaker/internal/device"
	"github.com/palemoky/xiaomi-speaker/internal/language"
	"github.com/palemoky/xiaomi-speaker/internal/synth"
	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

type fakeDevice struct {
	playedURLs []string
	spoken     []string
	err        error
}

func (f *fakeDevice) PlayURL(ctx context.Context, url string) error {
	f.playedURLs = append(f.playedURLs, url)
	return f.err
}

func (f *fakeDevice) SpeakNative(ctx context.Context, text string) error {
	f.spoken = append(f.spoken, text)
	return f.err
}

func (f *fakeDevice) SetVolume(ctx context.Context, volume int) error { return f.err }

type fakeURLs struct{ base string }

func (f fakeURLs) URLFor(name string) string { return f.base + "/audio/" + name }

func newCache(t *testing.T) *audiocache.Cache {
	t.Helper()
	c, err := audiocache.New(audiocache.Config{Dir: t.TempDir(), MaxBytes: 1 << 20}, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestDeliverStreamsArtifact(t *testing.T) {
	cache := newCache(t)
	fp := strings.Repeat("ab", 32)
	art := cache.Put(fp, []byte("RIFFwav"))

	dev := &fakeDevice{}
	svc := New(cache, fakeURLs{base: "http://host:1810"}, dev, logx.Nop())

	res := synth.Result{Text: "hi", Language: language.EN, Fingerprint: fp, Artifact: art}
	if err := svc.Deliver(context.Background(), res); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(dev.playedURLs) != 1 || !strings.HasPrefix(dev.playedURLs[0], "http://host:1810/audio/") {
		t.Fatalf("played = %v", dev.playedURLs)
	}
	if len(dev.spoken) != 0 {
		t.Fatalf("unexpected native speech: %v", dev.spoken)
	}
}

func TestDeliverNativeResult(t *testing.T) {
	dev := &fakeDevice{}
	svc := New(newCache(t), fakeURLs{}, dev, logx.Nop())

	res := synth.Result{Native: true, Text: "构建失败", Language: language.ZH}
	if err := svc.Deliver(context.Background(), res); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(dev.spoken) != 1 || dev.spoken[0] != "构建失败" {
		t.Fatalf("spoken = %v", dev.spoken)
	}
}

func TestDeliverMissingArtifactFallsBackToNative(t *testing.T) {
	dev := &fakeDevice{}
	svc := New(newCache(t), fakeURLs{}, dev, logx.Nop())

	res := synth.Result{Text: "hello", Fingerprint: strings.Repeat("cd", 32)}
	if err := svc.Deliver(context.Background(), res); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(dev.spoken) != 1 || dev.spoken[0] != "hello" {
		t.Fatalf("spoken = %v", dev.spoken)
	}
	if len(dev.playedURLs) != 0 {
		t.Fatalf("played = %v", dev.playedURLs)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient device", &device.Error{Op: "play_url", Status: 502, Transient: true}, true},
		{"permanent device", &device.Error{Op: "play_url", Status: 401}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped transient", errors.Join(errors.New("outer"), &device.Error{Transient: true}), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}
