package device

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

func TestPlayURLSendsDeviceAndURL(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/play_url" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("auth = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"code":0,"message":"OK"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, DeviceID: "dev1", Token: "tok"}, logx.Nop())
	if err := c.PlayURL(context.Background(), "http://h/a.wav"); err != nil {
		t.Fatalf("play: %v", err)
	}
	if got["device_id"] != "dev1" || got["url"] != "http://h/a.wav" {
		t.Fatalf("payload = %v", got)
	}
}

func TestServerErrorIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, DeviceID: "dev1"}, logx.Nop())
	err := c.SpeakNative(context.Background(), "hi")
	if err == nil {
		t.Fatal("want error")
	}
	de, ok := err.(*Error)
	if !ok || !de.Temporary() {
		t.Fatalf("want temporary device error, got %v", err)
	}
}

func TestClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, DeviceID: "dev1"}, logx.Nop())
	err := c.SetVolume(context.Background(), 30)
	de, ok := err.(*Error)
	if !ok || de.Temporary() {
		t.Fatalf("want permanent device error, got %v", err)
	}
	if de.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d", de.Status)
	}
}

func TestNonZeroGatewayCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":-5001,"message":"device offline"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, DeviceID: "dev1"}, logx.Nop())
	err := c.PlayURL(context.Background(), "http://h/a.wav")
	de, ok := err.(*Error)
	if !ok || de.Code != -5001 || !de.Temporary() {
		t.Fatalf("got %v", err)
	}
}

func TestVolumeClamped(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, DeviceID: "dev1"}, logx.Nop())
	if err := c.SetVolume(context.Background(), 150); err != nil {
		t.Fatalf("volume: %v", err)
	}
	if got["volume"].(float64) != 100 {
		t.Fatalf("volume = %v, want 100", got["volume"])
	}
}
