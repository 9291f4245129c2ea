package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment knobs override fetch timeouts, probing behavior, and the
// message-request write mode without touching the config file.

// FetchConnectTimeout returns the upstream connect timeout.
// FETCH_CONNECT_TIMEOUT is in seconds; the default is 30 seconds.
func FetchConnectTimeout() time.Duration {
	return envSeconds("FETCH_CONNECT_TIMEOUT", 30*time.Second)
}

// FetchHeadersTimeout returns how long to wait for upstream response headers.
// FETCH_HEADERS_TIMEOUT is in seconds; the default is 600 seconds.
func FetchHeadersTimeout() time.Duration {
	return envSeconds("FETCH_HEADERS_TIMEOUT", 600*time.Second)
}

// FetchBodyTimeout returns how long a complete upstream body read may take.
// FETCH_BODY_TIMEOUT is in seconds; the default is 600 seconds.
func FetchBodyTimeout() time.Duration {
	return envSeconds("FETCH_BODY_TIMEOUT", 600*time.Second)
}

// SmartProbingEnabled reports whether circuit-breaker probing is on.
func SmartProbingEnabled() bool {
	v := strings.ToLower(os.Getenv("ENABLE_SMART_PROBING"))
	return v == "1" || v == "true" || v == "yes"
}

// ProbeInterval returns the probe scheduler interval (PROBE_INTERVAL_MS).
func ProbeInterval() time.Duration {
	return envMillis("PROBE_INTERVAL_MS", 60*time.Second)
}

// ProbeTimeout returns the per-probe timeout (PROBE_TIMEOUT_MS).
func ProbeTimeout() time.Duration {
	return envMillis("PROBE_TIMEOUT_MS", 10*time.Second)
}

// MessageRequestWriteMode returns "sync" or "async"; persistence of
// message-request rows either blocks the request path or goes through the
// buffered recorder queue. Unrecognized values fall back to sync.
func MessageRequestWriteMode() string {
	if strings.ToLower(os.Getenv("MESSAGE_REQUEST_WRITE_MODE")) == "async" {
		return "async"
	}
	return "sync"
}

func envSeconds(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func envMillis(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
