package synth

import (
	"context"
	"time"

	"github.com/palemoky/xiaomi-speaker/internal/audiocache"
	"github.com/palemoky/xiaomi-speaker/internal/language"
	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

// Result describes how a message should reach the speaker: either a cached
// audio artifact to stream, or the raw text for the device's built-in voice.
type Result struct {
	Native      bool
	Text        string
	Language    language.Tag
	Fingerprint string
	Artifact    audiocache.Artifact
	CacheHit    bool
}

// Service resolves a message to playable audio. It tries the configured
// engine for the message's language first and falls back to the device's
// native voice when no engine is configured or the engine fails. Synthesis
// trouble degrades the output, it never fails the message.
type Service struct {
	cache   *audiocache.Cache
	engines map[language.Tag]Engine
	log     logx.Logger
}

func New(cache *audiocache.Cache, engines map[language.Tag]Engine, log logx.Logger) *Service {
	if engines == nil {
		engines = map[language.Tag]Engine{}
	}
	return &Service{cache: cache, engines: engines, log: log}
}

// Engine returns the engine configured for lang, if any.
func (s *Service) Engine(lang language.Tag) (Engine, bool) {
	e, ok := s.engines[lang]
	return e, ok && e != nil
}

// strategy is one rung of the fallback ladder. A nil engine is the native
// terminator: hand the raw text to the device's built-in voice.
type strategy struct {
	engine Engine
}

func (st strategy) native() bool { return st.engine == nil }

// strategies returns the ordered fallback chain for lang: every configured
// engine for the language, then the native terminator. Adding another engine
// only extends this slice.
func (s *Service) strategies(lang language.Tag) []strategy {
	var chain []strategy
	if e, ok := s.Engine(lang); ok {
		chain = append(chain, strategy{engine: e})
	}
	return append(chain, strategy{})
}

// Resolve classifies the text and walks the language's strategy chain: for
// each engine, consult the cache, synthesize on a miss, and fall through to
// the next rung on failure. hint, when recognized, overrides detection. The
// chain always ends in the native voice, so the returned Result is usable.
func (s *Service) Resolve(ctx context.Context, text, hint string) (Result, error) {
	lang := language.Detect(text)
	if tag, ok := language.Parse(hint); ok {
		lang = tag
	}

	for _, strat := range s.strategies(lang) {
		if strat.native() {
			return Result{Native: true, Text: text, Language: lang}, nil
		}
		eng := strat.engine

		fp := Fingerprint(text, lang, eng.ID(), eng.Params())
		if art, hit := s.cache.Get(fp); hit {
			return Result{Text: text, Language: lang, Fingerprint: fp, Artifact: art, CacheHit: true}, nil
		}

		start := time.Now()
		audio, err := eng.Synthesize(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			s.log.Warn("synthesis degraded, trying next strategy",
				logx.String("engine", eng.ID()),
				logx.String("language", string(lang)),
				logx.Err(err))
			continue
		}

		art := s.cache.Put(fp, audio)
		s.log.Info("synthesized",
			logx.String("engine", eng.ID()),
			logx.String("language", string(lang)),
			logx.String("fingerprint", fp[:12]),
			logx.Int("bytes", len(audio)),
			logx.Duration("took", time.Since(start)))
		return Result{Text: text, Language: lang, Fingerprint: fp, Artifact: art}, nil
	}

	// Unreachable: strategies always ends with the native terminator.
	return Result{Native: true, Text: text, Language: lang}, nil
}
