// Package delivery hands a resolved message to the speaker: cached artifacts
// stream by URL, everything else goes through the device's built-in voice.
package delivery

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/palemoky/xiaomi-speaker/internal/audiocache"
	"github.com/palemoky/xiaomi-speaker/internal/device"
	"github.com/palemoky/xiaomi-speaker/internal/synth"
	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

// URLResolver maps an artifact filename to the URL the speaker streams from.
type URLResolver interface {
	URLFor(filename string) string
}

type Service struct {
	cache *audiocache.Cache
	urls  URLResolver
	dev   device.Controller
	log   logx.Logger
}

func New(cache *audiocache.Cache, urls URLResolver, dev device.Controller, log logx.Logger) *Service {
	return &Service{cache: cache, urls: urls, dev: dev, log: log}
}

// Deliver plays one resolved message on the speaker. An artifact whose file
// cannot be materialized degrades to the native voice instead of failing.
func (s *Service) Deliver(ctx context.Context, res synth.Result) error {
	if res.Native {
		return s.dev.SpeakNative(ctx, res.Text)
	}

	path, err := s.cache.EnsureFile(res.Fingerprint)
	if err != nil {
		s.log.Warn("artifact unavailable, speaking natively",
			logx.String("fingerprint", res.Fingerprint[:12]),
			logx.Err(err))
		return s.dev.SpeakNative(ctx, res.Text)
	}

	url := s.urls.URLFor(filepath.Base(path))
	s.log.Debug("streaming artifact", logx.String("url", url))
	return s.dev.PlayURL(ctx, url)
}

// IsRetryable reports whether a delivery failure is worth another attempt.
// Gateway 5xx responses, network trouble and timeouts are; 4xx are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var de *device.Error
	if errors.As(err, &de) {
		return de.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
