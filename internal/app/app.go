// Package app wires the pipeline together: config, logging, cache,
// synthesis, queue, delivery, the two HTTP listeners and the optional
// extras (storage, janitor, alerts).
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/palemoky/xiaomi-speaker/internal/alert"
	"github.com/palemoky/xiaomi-speaker/internal/api"
	"github.com/palemoky/xiaomi-speaker/internal/audiocache"
	"github.com/palemoky/xiaomi-speaker/internal/config"
	"github.com/palemoky/xiaomi-speaker/internal/delivery"
	"github.com/palemoky/xiaomi-speaker/internal/device"
	"github.com/palemoky/xiaomi-speaker/internal/dispatch"
	"github.com/palemoky/xiaomi-speaker/internal/eventbus"
	"github.com/palemoky/xiaomi-speaker/internal/janitor"
	"github.com/palemoky/xiaomi-speaker/internal/language"
	rtsup "github.com/palemoky/xiaomi-speaker/internal/runtime/supervisor"
	"github.com/palemoky/xiaomi-speaker/internal/staticfs"
	"github.com/palemoky/xiaomi-speaker/internal/storage"
	"github.com/palemoky/xiaomi-speaker/internal/synth"
	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	alerter failureAlerter

	cache    *audiocache.Cache
	resolver *synth.Service
	dev      *device.Client
	static   *staticfs.Server
	deliver  *delivery.Service
	queue    *dispatch.Service
	apiSrv   *api.Server
	jan      *janitor.Janitor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if cfg.Storage != nil {
		sc, err := mapStorageConfig(cfg.Storage)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		if st != nil {
			store = st
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	var index audiocache.Index
	if store != nil {
		index = store
	}
	cache, err := audiocache.New(audiocache.Config{
		Dir:      cfg.Cache.Dir,
		MaxBytes: cfg.Cache.MaxBytes,
	}, index, bus, logSvc.Logger().With(logx.String("comp", "cache")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		restoreCacheCounters(cache, store, log)
	}

	engines, err := mapEngines(cfg.TTS, logSvc.Logger().With(logx.String("comp", "tts")))
	if err != nil {
		return nil, err
	}
	resolver := synth.New(cache, engines, logSvc.Logger().With(logx.String("comp", "synth")))

	devTimeout, err := config.ParseDurationOrDefault("device.timeout", cfg.Device.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	dev := device.NewClient(device.Config{
		BaseURL:  cfg.Device.BaseURL,
		DeviceID: cfg.Device.DeviceID,
		Token:    cfg.Device.Token,
		Timeout:  devTimeout,
	}, logSvc.Logger().With(logx.String("comp", "device")))

	static := staticfs.New(staticfs.Config{
		Addr:    cfg.Static.Addr,
		Dir:     cache.Dir(),
		BaseURL: cfg.Static.BaseURL,
	}, logSvc.Logger().With(logx.String("comp", "static")))

	deliver := delivery.New(cache, static, dev, logSvc.Logger().With(logx.String("comp", "delivery")))

	var alerter failureAlerter
	if cfg.Alert.Token != "" && cfg.Alert.ChatID != 0 {
		n, err := alert.New(alert.Config{
			Token:      cfg.Alert.Token,
			ChatID:     cfg.Alert.ChatID,
			RatePerSec: cfg.Alert.RatePerSec,
		}, logSvc.Logger().With(logx.String("comp", "alert")))
		if err != nil {
			// Unreachable Telegram at boot should not keep notifications silent.
			log.Warn("failure alerts disabled", logx.Err(err))
		} else {
			alerter = n
			log.Info("failure alerts enabled", logx.Int64("chat_id", cfg.Alert.ChatID))
		}
	}

	qopts, err := mapQueueOptions(cfg.Queue)
	if err != nil {
		return nil, err
	}
	queue := dispatch.New(qopts, resolver, cache, deliver, store, bus,
		logSvc.Logger().With(logx.String("comp", "dispatch")))

	readTimeout, err := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	apiSrv := api.NewServer(api.Config{
		Addr:                cfg.Server.Addr,
		GithubWebhookSecret: cfg.Server.GithubWebhookSecret,
		APIKey:              cfg.Server.APIKey,
		MaxMessageLen:       cfg.Server.MaxMessageLen,
		ReadTimeout:         readTimeout,
		WriteTimeout:        writeTimeout,
	}, api.Templates{
		GithubSuccess: cfg.Templates.GithubSuccess,
		GithubFailure: cfg.Templates.GithubFailure,
		Generic:       cfg.Templates.GithubGeneric,
	}, queue, dev, cache, logSvc.Logger().With(logx.String("comp", "api")))

	var jan *janitor.Janitor
	if cfg.Janitor.Enabled {
		jan, err = janitor.New(cfg.Janitor.Schedule, cache, logSvc.Logger().With(logx.String("comp", "janitor")))
		if err != nil {
			return nil, fmt.Errorf("janitor: %w", err)
		}
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		alerter:  alerter,
		cache:    cache,
		resolver: resolver,
		dev:      dev,
		static:   static,
		deliver:  deliver,
		queue:    queue,
		apiSrv:   apiSrv,
		jan:      jan,
	}, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.queue.Start(a.sup.Context())
	a.sup.Go("static.serve", a.static.Serve)
	a.sup.Go("api.serve", a.apiSrv.Serve)
	if a.jan != nil {
		a.jan.Start()
	}

	var audit auditWriter
	if a.store != nil {
		audit = a.store
	}
	a.sup.Go0("events", func(c context.Context) {
		runEventPipeline(c, a.bus, audit, a.alerter, a.log.With(logx.String("comp", "events")))
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies the reloadable subset: logging, queue pacing and
// retry knobs. Listener addresses, cache dir and device wiring need a
// restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	qopts, err := mapQueueOptions(cfg.Queue)
	if err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.queue.Apply(qopts)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// Queue first: it holds the only in-flight device call.
	step("queue", 5*time.Second, a.queue.Stop)
	if a.jan != nil {
		step("janitor", time.Second, func(context.Context) error { a.jan.Stop(); return nil })
	}
	step("supervisor", 3*time.Second, a.sup.Wait)
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// restoreCacheCounters reloads hit counters from the persisted artifact
// index. Entries that no longer exist on disk are dropped from the index.
func restoreCacheCounters(cache *audiocache.Cache, store storage.Store, log logx.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := store.ListArtifacts(ctx)
	if err != nil {
		log.Warn("artifact index load failed", logx.Err(err))
		return
	}
	owned := cache.OwnedFiles()
	hits := make(map[string]uint64, len(rows))
	for fp, row := range rows {
		if _, ok := owned[fp+".wav"]; !ok {
			_ = store.DeleteArtifact(ctx, fp)
			continue
		}
		hits[fp] = row.Hits
	}
	cache.RestoreCounters(hits)
	if len(hits) > 0 {
		log.Info("cache counters restored", logx.Int("entries", len(hits)))
	}
}

func mapStorageConfig(sc *config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}, nil
}

func mapQueueOptions(qc config.QueueConfig) (dispatch.Options, error) {
	retryBase, err := config.ParseDurationOrDefault("queue.retry_base", qc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return dispatch.Options{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("queue.retry_max_delay", qc.RetryMaxDelay, 15*time.Second)
	if err != nil {
		return dispatch.Options{}, err
	}
	retention, err := config.ParseDurationOrDefault("queue.status_retention", qc.StatusRetention, 10*time.Minute)
	if err != nil {
		return dispatch.Options{}, err
	}
	dedup, err := config.ParseDurationOrDefault("queue.dedup_window", qc.DedupWindow, 0)
	if err != nil {
		return dispatch.Options{}, err
	}
	return dispatch.Options{
		QueueSize:       qc.Size,
		RetryMax:        qc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		RetryJitter:     qc.RetryJitter,
		RatePerMin:      qc.RatePerMin,
		StatusRetention: retention,
		StatusMax:       qc.StatusMax,
		DedupWindow:     dedup,
	}, nil
}

func mapEngines(tc config.TTSConfig, log logx.Logger) (map[language.Tag]synth.Engine, error) {
	timeout, err := config.ParseDurationOrDefault("tts.timeout", tc.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	bin := tc.PiperBin
	if bin == "" {
		bin = "piper"
	}
	voiceEN := tc.VoiceEN
	if voiceEN == "" {
		voiceEN = "en_US-lessac-medium"
	}

	engines := map[language.Tag]synth.Engine{}
	engines[language.EN] = synth.NewPiperEngine(bin, tc.ModelDir, synth.VoiceParams{
		Voice:       voiceEN,
		Speaker:     tc.Speaker,
		LengthScale: tc.LengthScale,
	}, timeout, log)
	if tc.VoiceZH != "" {
		engines[language.ZH] = synth.NewPiperEngine(bin, tc.ModelDir, synth.VoiceParams{
			Voice:       tc.VoiceZH,
			Speaker:     tc.Speaker,
			LengthScale: tc.LengthScale,
		}, timeout, log)
	}
	return engines, nil
}
