package config

// Config is the root configuration for speakerd.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown fields are rejected (strict decode) so typos fail fast.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Static    StaticConfig    `json:"static"`
	Device    DeviceConfig    `json:"device"`
	TTS       TTSConfig       `json:"tts"`
	Cache     CacheConfig     `json:"cache"`
	Queue     QueueConfig     `json:"queue"`
	Templates TemplatesConfig `json:"templates"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Janitor   JanitorConfig   `json:"janitor,omitempty"`
	Alert     AlertConfig     `json:"alert,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig controls the webhook ingestion listener.
type ServerConfig struct {
	Addr string `json:"addr,omitempty"` // default ":2010"

	// GithubWebhookSecret enables HMAC-SHA256 verification of
	// X-Hub-Signature-256 when set. Do not log.
	GithubWebhookSecret string `json:"github_webhook_secret,omitempty"`

	// APIKey guards /webhook/custom and admin endpoints when set. Do not log.
	APIKey string `json:"api_key,omitempty"`

	// MaxMessageLen rejects oversized custom messages before enqueue.
	// Default 500 runes.
	MaxMessageLen int `json:"max_message_len,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// StaticConfig controls the audio file server the speaker fetches from.
type StaticConfig struct {
	Addr string `json:"addr,omitempty"` // default ":1810"

	// BaseURL is the URL the *device* can reach this host at
	// (e.g. "http://192.168.1.10:1810"). Required: the device fetches
	// audio over the LAN, so localhost would not resolve for it.
	BaseURL string `json:"base_url"`
}

// DeviceConfig points at the MiNA bridge controlling the speaker.
type DeviceConfig struct {
	// BaseURL of the device-control endpoint (MiNA bridge).
	BaseURL string `json:"base_url"`
	// DeviceID selects the target speaker.
	DeviceID string `json:"device_id"`
	// Token is sent as a bearer token when set. Do not log.
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "10s"
}

// TTSConfig controls local speech synthesis via the piper CLI.
type TTSConfig struct {
	// PiperBin is the piper executable. Default "piper" (resolved via PATH).
	PiperBin string `json:"piper_bin,omitempty"`
	// ModelDir holds the .onnx voice models.
	ModelDir string `json:"model_dir,omitempty"`

	// VoiceZH is optional: when empty, Chinese text falls back to the
	// speaker's built-in TTS instead of local synthesis.
	VoiceZH string `json:"voice_zh,omitempty"`
	// VoiceEN defaults to "en_US-lessac-medium".
	VoiceEN string `json:"voice_en,omitempty"`

	// Speaker selects the voice in multi-speaker models.
	Speaker int `json:"speaker,omitempty"`
	// LengthScale sets speech speed (1.0 normal, <1.0 faster).
	LengthScale float64 `json:"length_scale,omitempty"`

	Timeout string `json:"timeout,omitempty"` // per-synthesis call, default "30s"
}

// CacheConfig bounds the on-disk audio artifact cache.
type CacheConfig struct {
	Dir string `json:"dir,omitempty"` // default "./audio_cache"
	// MaxBytes is the cache byte budget. 0 means the default (100 MiB).
	MaxBytes int64 `json:"max_bytes,omitempty"`
}

// QueueConfig controls the playback dispatch queue.
//
// Defaults (when fields are omitted/zero):
//   - size: 64
//   - retry_max: 3 (attempts = 1 + retry_max; -1 disables retries)
//   - retry_base: "500ms", retry_max_delay: "15s", retry_jitter: 0.2
//   - rate_per_min: 0 (unpaced; set e.g. 20 to space device commands 3s apart)
//   - status_retention: "10m", status_max: 500
//   - dedup_window: "0s" (disabled)
type QueueConfig struct {
	Size          int     `json:"size,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`

	RatePerMin int `json:"rate_per_min,omitempty"`

	StatusRetention string `json:"status_retention,omitempty"`
	StatusMax       int    `json:"status_max,omitempty"`

	DedupWindow string `json:"dedup_window,omitempty"`
}

// TemplatesConfig formats GitHub event text. Placeholders: {repo},
// {workflow}, {conclusion}.
type TemplatesConfig struct {
	GithubSuccess string `json:"github_success,omitempty"`
	GithubFailure string `json:"github_failure,omitempty"`
	GithubGeneric string `json:"github_generic,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./speakerd_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// JanitorConfig controls scheduled cache-directory maintenance.
type JanitorConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression. Default "@hourly".
	Schedule string `json:"schedule,omitempty"`
}

// AlertConfig enables Telegram alerts on terminal job failures.
// Disabled unless both token and chat_id are set.
type AlertConfig struct {
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 1
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
