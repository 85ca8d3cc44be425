package synth

import (
	"context"
	"errors"
	"testing"

	"github.com/palemoky/xiaomi-speaker/internal/audiocache"
	"github.com/palemoky/xiaomi-speaker/internal/language"
	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

type fakeEngine struct {
	id     string
	params VoiceParams
	calls  int
	out    []byte
	err    error
}

func (f *fakeEngine) ID() string         { return f.id }
func (f *fakeEngine) Params() VoiceParams { return f.params }

func (f *fakeEngine) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func newTestCache(t *testing.T) *audiocache.Cache {
	t.Helper()
	c, err := audiocache.New(audiocache.Config{Dir: t.TempDir(), MaxBytes: 1 << 20}, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestResolveCachesEngineOutput(t *testing.T) {
	eng := &fakeEngine{id: "piper", params: VoiceParams{Voice: "en_US-lessac-medium"}, out: []byte("RIFFwav")}
	svc := New(newTestCache(t), map[language.Tag]Engine{language.EN: eng}, logx.Nop())

	first, err := svc.Resolve(context.Background(), "build passed", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.Native {
		t.Fatal("expected artifact result, got native")
	}
	if first.CacheHit {
		t.Fatal("first resolve must be a cache miss")
	}

	second, err := svc.Resolve(context.Background(), "  build   passed ", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !second.CacheHit {
		t.Fatal("normalized repeat must hit the cache")
	}
	if second.Fingerprint != first.Fingerprint {
		t.Fatalf("fingerprint drifted: %s vs %s", first.Fingerprint, second.Fingerprint)
	}
	if eng.calls != 1 {
		t.Fatalf("engine called %d times, want 1", eng.calls)
	}
}

func TestResolveFallsBackOnEngineError(t *testing.T) {
	eng := &fakeEngine{id: "piper", err: errors.New("model missing")}
	svc := New(newTestCache(t), map[language.Tag]Engine{language.EN: eng}, logx.Nop())

	res, err := svc.Resolve(context.Background(), "deploy finished", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Native {
		t.Fatal("engine failure must degrade to native voice")
	}
	if res.Text != "deploy finished" {
		t.Fatalf("native text = %q", res.Text)
	}
}

func TestStrategyChainOrderedEngineThenNative(t *testing.T) {
	eng := &fakeEngine{id: "piper", out: []byte("wav")}
	svc := New(newTestCache(t), map[language.Tag]Engine{language.EN: eng}, logx.Nop())

	chain := svc.strategies(language.EN)
	if len(chain) != 2 {
		t.Fatalf("chain len = %d, want engine then native", len(chain))
	}
	if chain[0].native() || chain[0].engine.ID() != "piper" {
		t.Fatalf("first strategy = %+v, want the piper engine", chain[0])
	}
	if !chain[1].native() {
		t.Fatal("chain must terminate with the native voice")
	}

	// No engine configured: the chain is just the native terminator.
	chain = svc.strategies(language.ZH)
	if len(chain) != 1 || !chain[0].native() {
		t.Fatalf("zh chain = %+v, want native only", chain)
	}
}

func TestResolveNativeWhenNoEngineForLanguage(t *testing.T) {
	eng := &fakeEngine{id: "piper", out: []byte("wav")}
	svc := New(newTestCache(t), map[language.Tag]Engine{language.EN: eng}, logx.Nop())

	res, err := svc.Resolve(context.Background(), "部署完成", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Native {
		t.Fatal("chinese text without a zh engine must go native")
	}
	if res.Language != language.ZH {
		t.Fatalf("language = %s, want zh", res.Language)
	}
	if eng.calls != 0 {
		t.Fatalf("en engine called %d times for zh text", eng.calls)
	}
}

func TestResolveHintOverridesDetection(t *testing.T) {
	eng := &fakeEngine{id: "piper", out: []byte("wav")}
	svc := New(newTestCache(t), map[language.Tag]Engine{language.ZH: eng}, logx.Nop())

	res, err := svc.Resolve(context.Background(), "ok", "zh")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Language != language.ZH {
		t.Fatalf("hint ignored: language = %s", res.Language)
	}
	if eng.calls != 1 {
		t.Fatalf("zh engine calls = %d, want 1", eng.calls)
	}
}

func TestFingerprintVariesWithVoiceParams(t *testing.T) {
	a := Fingerprint("hello", language.EN, "piper", VoiceParams{Voice: "lessac", LengthScale: 1.0})
	b := Fingerprint("hello", language.EN, "piper", VoiceParams{Voice: "lessac", LengthScale: 1.2})
	if a == b {
		t.Fatal("length scale change must change the fingerprint")
	}
	c := Fingerprint("hello", language.ZH, "piper", VoiceParams{Voice: "lessac", LengthScale: 1.0})
	if a == c {
		t.Fatal("language change must change the fingerprint")
	}
}
