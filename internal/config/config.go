// Package config reads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads .env files into the environment without overriding variables
// that are already set. With no paths, ".env" is used. A missing file is an
// error callers may ignore.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of key, or fallback if the variable is
// unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat returns the floating-point value of key, or fallback.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of key (strconv.ParseBool syntax), or
// fallback.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// Config is the complete service configuration.
type Config struct {
	HTTPAddr  string
	H3Addr    string
	SRTAddr   string
	LogLevel  string
	LogFormat string

	// FrameRate is the fallback rate used when the SPS carries no timing,
	// or always when ReadFrameRateFromSource is false.
	FrameRate               float64
	ReadFrameRateFromSource bool

	ICEServers   []string
	ViewerQueue  int
	CertValidity time.Duration
	CertHosts    []string
}

// FromEnv builds a Config from the environment.
func FromEnv() Config {
	level := GetEnv("LOG_LEVEL", "info")
	if os.Getenv("DEBUG") != "" {
		level = "debug"
	}
	return Config{
		HTTPAddr:                GetEnv("API_ADDR", ":4444"),
		H3Addr:                  GetEnv("H3_ADDR", ":4443"),
		SRTAddr:                 GetEnv("SRT_ADDR", ":6000"),
		LogLevel:                level,
		LogFormat:               GetEnv("LOG_FORMAT", "text"),
		FrameRate:               GetEnvFloat("FRAME_RATE", 60),
		ReadFrameRateFromSource: GetEnvBool("READ_FPS_FROM_SOURCE", true),
		ICEServers:              splitList(GetEnv("ICE_SERVERS", "stun:stun.l.google.com:19302")),
		ViewerQueue:             GetEnvInt("VIEWER_QUEUE", 64),
		CertValidity:            time.Duration(GetEnvInt("CERT_VALIDITY_HOURS", 14*24)) * time.Hour,
		CertHosts:               splitList(GetEnv("CERT_HOSTS", "")),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
