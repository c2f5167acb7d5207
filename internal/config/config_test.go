package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("AVCMUX_TEST_STR", "value")
	t.Setenv("AVCMUX_TEST_INT", "42")
	t.Setenv("AVCMUX_TEST_BAD_INT", "forty")
	t.Setenv("AVCMUX_TEST_FLOAT", "29.97")
	t.Setenv("AVCMUX_TEST_BOOL", "false")

	if got := GetEnv("AVCMUX_TEST_STR", "x"); got != "value" {
		t.Errorf("GetEnv = %q, want value", got)
	}
	if got := GetEnv("AVCMUX_TEST_UNSET", "x"); got != "x" {
		t.Errorf("GetEnv fallback = %q, want x", got)
	}
	if got := GetEnvInt("AVCMUX_TEST_INT", 1); got != 42 {
		t.Errorf("GetEnvInt = %d, want 42", got)
	}
	if got := GetEnvInt("AVCMUX_TEST_BAD_INT", 7); got != 7 {
		t.Errorf("GetEnvInt invalid = %d, want 7", got)
	}
	if got := GetEnvFloat("AVCMUX_TEST_FLOAT", 1); got != 29.97 {
		t.Errorf("GetEnvFloat = %v, want 29.97", got)
	}
	if got := GetEnvBool("AVCMUX_TEST_BOOL", true); got {
		t.Error("GetEnvBool = true, want false")
	}
	if got := GetEnvBool("AVCMUX_TEST_UNSET", true); !got {
		t.Error("GetEnvBool fallback = false, want true")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"API_ADDR", "H3_ADDR", "SRT_ADDR", "LOG_LEVEL", "DEBUG", "LOG_FORMAT",
		"FRAME_RATE", "READ_FPS_FROM_SOURCE", "ICE_SERVERS", "VIEWER_QUEUE", "CERT_VALIDITY_HOURS", "CERT_HOSTS"} {
		t.Setenv(k, "")
	}

	cfg := FromEnv()
	if cfg.HTTPAddr != ":4444" || cfg.H3Addr != ":4443" || cfg.SRTAddr != ":6000" {
		t.Errorf("addresses = %q %q %q", cfg.HTTPAddr, cfg.H3Addr, cfg.SRTAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("logging = %q/%q, want info/text", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.FrameRate != 60 || !cfg.ReadFrameRateFromSource {
		t.Errorf("frame rate = %v (source %v), want 60 (true)", cfg.FrameRate, cfg.ReadFrameRateFromSource)
	}
	if cfg.ViewerQueue != 64 {
		t.Errorf("viewer queue = %d, want 64", cfg.ViewerQueue)
	}
	if cfg.CertValidity != 14*24*time.Hour {
		t.Errorf("cert validity = %v", cfg.CertValidity)
	}
	if len(cfg.ICEServers) != 1 {
		t.Errorf("ICE servers = %v", cfg.ICEServers)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DEBUG", "1")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("FRAME_RATE", "25")
	t.Setenv("READ_FPS_FROM_SOURCE", "false")
	t.Setenv("ICE_SERVERS", "stun:a.example:3478, turn:b.example:3478 ,")
	t.Setenv("CERT_HOSTS", "cam.local")

	cfg := FromEnv()
	if cfg.LogLevel != "debug" {
		t.Errorf("DEBUG set: level = %q, want debug", cfg.LogLevel)
	}
	if cfg.FrameRate != 25 || cfg.ReadFrameRateFromSource {
		t.Errorf("frame rate = %v (source %v)", cfg.FrameRate, cfg.ReadFrameRateFromSource)
	}
	want := []string{"stun:a.example:3478", "turn:b.example:3478"}
	if !slices.Equal(cfg.ICEServers, want) {
		t.Errorf("ICE servers = %v, want %v", cfg.ICEServers, want)
	}
	if !slices.Equal(cfg.CertHosts, []string{"cam.local"}) {
		t.Errorf("cert hosts = %v", cfg.CertHosts)
	}
}

func TestLoadDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("AVCMUX_LOAD_A=fromfile\nAVCMUX_LOAD_B=fromfile\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AVCMUX_LOAD_A", "fromenv")
	t.Setenv("AVCMUX_LOAD_B", "")
	os.Unsetenv("AVCMUX_LOAD_B")
	t.Cleanup(func() { os.Unsetenv("AVCMUX_LOAD_B") })

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("AVCMUX_LOAD_A"); got != "fromenv" {
		t.Errorf("AVCMUX_LOAD_A = %q, want fromenv", got)
	}
	if got := os.Getenv("AVCMUX_LOAD_B"); got != "fromfile" {
		t.Errorf("AVCMUX_LOAD_B = %q, want fromfile", got)
	}
	if err := Load(filepath.Join(dir, "missing.env")); err == nil {
		t.Error("expected error for missing file")
	}
}
