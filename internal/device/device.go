// Package device talks to the gateway that fronts the Xiaomi speaker. The
// gateway exposes a small JSON API: stream a URL, speak with the built-in
// voice, set the volume.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

// Controller is the playback surface the delivery layer depends on.
type Controller interface {
	PlayURL(ctx context.Context, url string) error
	SpeakNative(ctx context.Context, text string) error
	SetVolume(ctx context.Context, volume int) error
}

// Error is a failed gateway call. Temporary reports whether retrying could
// help: network trouble and 5xx responses are temporary, 4xx are not.
type Error struct {
	Op        string
	Status    int
	Code      int
	Msg       string
	Transient bool
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("device %s: http %d code %d: %s", e.Op, e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("device %s: %s", e.Op, e.Msg)
}

func (e *Error) Temporary() bool { return e.Transient }

// Config configures the gateway client.
type Config struct {
	BaseURL  string
	DeviceID string
	Token    string
	Timeout  time.Duration
}

// Client is an HTTP Controller implementation.
type Client struct {
	baseURL  string
	deviceID string
	token    string
	http     *http.Client
	log      logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		deviceID: cfg.DeviceID,
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}
}

func (c *Client) PlayURL(ctx context.Context, url string) error {
	return c.post(ctx, "play_url", map[string]any{"device_id": c.deviceID, "url": url})
}

func (c *Client) SpeakNative(ctx context.Context, text string) error {
	return c.post(ctx, "tts", map[string]any{"device_id": c.deviceID, "text": text})
}

func (c *Client) SetVolume(ctx context.Context, volume int) error {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	return c.post(ctx, "volume", map[string]any{"device_id": c.deviceID, "volume": volume})
}

type gatewayResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) post(ctx context.Context, op string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Op: op, Msg: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+op, bytes.NewReader(body))
	if err != nil {
		return &Error{Op: op, Msg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Msg: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Msg: err.Error(), Transient: true}
	}

	if resp.StatusCode >= 500 {
		return &Error{Op: op, Status: resp.StatusCode, Msg: strings.TrimSpace(string(raw)), Transient: true}
	}
	if resp.StatusCode >= 400 {
		return &Error{Op: op, Status: resp.StatusCode, Msg: strings.TrimSpace(string(raw))}
	}

	var gr gatewayResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Msg: "malformed response", Transient: true}
	}
	if gr.Code != 0 {
		return &Error{Op: op, Status: resp.StatusCode, Code: gr.Code, Msg: gr.Message, Transient: true}
	}

	c.log.Debug("device call ok", logx.String("op", op))
	return nil
}
